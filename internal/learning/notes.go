package learning

import (
	"context"
	"strings"

	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/mutation"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

const (
	opNotesAdd  = "learning.notes.add"
	opNotesEdit = "learning.notes.edit"

	maxNoteLength = 5000
)

// Notes manages a learner's private notes on lessons.
type Notes struct {
	coordinator *mutation.Coordinator
}

// NewNotes binds the notes call site to a coordinator.
func NewNotes(coordinator *mutation.Coordinator) *Notes {
	return &Notes{coordinator: coordinator}
}

// NotesQuery is the newest-first note list of one lesson.
func NotesQuery(lessonID string) records.Query {
	return records.Query{
		Collection: catalog.LessonNotes,
		Filter:     map[string]string{"lesson": lessonID},
		Sort:       "-created",
		Expand:     []string{"user"},
	}
}

// List returns the caller's notes for a lesson.
func (n *Notes) List(ctx context.Context, lessonID string) ([]records.Record, error) {
	return n.coordinator.Load(ctx, NotesQuery(lessonID))
}

// Add creates a note. Blank content is rejected before anything is sent.
func (n *Notes) Add(ctx context.Context, lessonID, content string) (*mutation.Mutation, error) {
	user, err := requireSession(n.coordinator.Remote(), opNotesAdd)
	if err != nil {
		return nil, err
	}
	text, err := noteContent(opNotesAdd, content)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(lessonID) == "" {
		return nil, localFailure(opNotesAdd+".validation", "lesson", "this field is required")
	}
	n.coordinator.Track(NotesQuery(lessonID))
	return n.coordinator.Create(ctx, catalog.LessonNotes, records.Fields{
		"lesson":  lessonID,
		"user":    user.ID,
		"content": text,
	}), nil
}

// Edit replaces the content of a note. It returns a nil mutation when the
// cached note already holds the same content.
func (n *Notes) Edit(ctx context.Context, noteID, lessonID, content string) (*mutation.Mutation, error) {
	text, err := noteContent(opNotesEdit, content)
	if err != nil {
		return nil, err
	}
	if entry, ok := n.coordinator.Cache().Get(NotesQuery(lessonID).Key()); ok {
		if index := records.IndexOf(entry.Items, noteID); index >= 0 && entry.Items[index].Fields.String("content") == text {
			return nil, nil
		}
	}
	return n.coordinator.Update(ctx, catalog.LessonNotes, noteID, records.Fields{"content": text}), nil
}

// Remove deletes a note.
func (n *Notes) Remove(ctx context.Context, noteID string) *mutation.Mutation {
	return n.coordinator.Delete(ctx, catalog.LessonNotes, noteID)
}

func noteContent(operation, content string) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", localFailure(operation+".validation", "content", "note cannot be empty")
	}
	if len([]rune(text)) > maxNoteLength {
		return "", localFailure(operation+".validation", "content", "note is too long")
	}
	return text, nil
}
