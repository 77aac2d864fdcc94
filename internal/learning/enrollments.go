package learning

import (
	"context"
	"math"
	"strings"

	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/mutation"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

const (
	opEnroll       = "learning.enrollments.enroll"
	opForUser      = "learning.enrollments.for_user"
	opToggleLesson = "learning.enrollments.toggle_lesson"
)

// Enrollments tracks course enrollment and lesson completion.
type Enrollments struct {
	coordinator *mutation.Coordinator
}

// NewEnrollments binds the enrollments call site to a coordinator.
func NewEnrollments(coordinator *mutation.Coordinator) *Enrollments {
	return &Enrollments{coordinator: coordinator}
}

// EnrollmentsQuery lists one user's enrollments with their courses.
func EnrollmentsQuery(userID string) records.Query {
	return records.Query{
		Collection: catalog.Enrollments,
		Filter:     map[string]string{"user": userID},
		Sort:       "-created",
		Expand:     []string{"course"},
	}
}

// ForUser returns the signed-in user's enrollments.
func (e *Enrollments) ForUser(ctx context.Context) ([]records.Record, error) {
	user, err := requireSession(e.coordinator.Remote(), opForUser)
	if err != nil {
		return nil, err
	}
	return e.coordinator.Load(ctx, EnrollmentsQuery(user.ID))
}

// Enroll signs the current user up for a course.
func (e *Enrollments) Enroll(ctx context.Context, courseID string) (*mutation.Mutation, error) {
	user, err := requireSession(e.coordinator.Remote(), opEnroll)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(courseID) == "" {
		return nil, localFailure(opEnroll+".validation", "course", "this field is required")
	}
	query := EnrollmentsQuery(user.ID)
	if entry, ok := e.coordinator.Cache().Get(query.Key()); ok {
		for _, enrollment := range entry.Items {
			if enrollment.Fields.String("course") == courseID {
				return nil, localFailure(opEnroll+".validation", "course", "already enrolled in this course")
			}
		}
	}
	e.coordinator.Track(query)
	return e.coordinator.Create(ctx, catalog.Enrollments, records.Fields{
		"user":             user.ID,
		"course":           courseID,
		"progress":         float64(0),
		"completedLessons": []any{},
	}), nil
}

// ToggleLessonComplete flips lessonID in the enrollment's completed list
// and recomputes progress as the rounded percentage of totalLessons.
func (e *Enrollments) ToggleLessonComplete(ctx context.Context, enrollment records.Record, lessonID string, totalLessons int) (*mutation.Mutation, error) {
	if totalLessons <= 0 {
		return nil, localFailure(opToggleLesson+".validation", "totalLessons", "course has no lessons")
	}
	completed := ToggleLesson(enrollment.Fields.Strings("completedLessons"), lessonID)
	values := make([]any, len(completed))
	for index, id := range completed {
		values[index] = id
	}
	return e.coordinator.Update(ctx, catalog.Enrollments, enrollment.ID, records.Fields{
		"completedLessons": values,
		"progress":         float64(Progress(len(completed), totalLessons)),
	}), nil
}

// ToggleLesson adds lessonID when absent and removes it when present.
func ToggleLesson(completed []string, lessonID string) []string {
	out := make([]string, 0, len(completed)+1)
	found := false
	for _, id := range completed {
		if id == lessonID {
			found = true
			continue
		}
		out = append(out, id)
	}
	if !found {
		out = append(out, lessonID)
	}
	return out
}

// Progress is done/total as a whole percentage, capped at 100.
func Progress(done, total int) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	percent := int(math.Round(float64(done) / float64(total) * 100))
	if percent > 100 {
		return 100
	}
	return percent
}
