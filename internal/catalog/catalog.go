// Package catalog declares the learning platform's record collections:
// their fields, semantic types and access rules.
package catalog

import (
	"sort"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

// Collection names.
const (
	Users           = "users"
	Courses         = "courses"
	Lessons         = "lessons"
	LessonResources = "lesson_resources"
	LessonNotes     = "lesson_notes"
	Reviews         = "reviews"
	Enrollments     = "enrollments"
	Settings        = "settings"
)

var (
	staff       = records.Roles(records.RoleInstructor, records.RoleAdmin)
	adminOnly   = records.Roles(records.RoleAdmin)
	everyone    = records.Public()
	signedIn    = records.Authenticated()
	noteOwner   = records.Owner("user")
	reviewOwner = records.AnyOf(records.Owner("user"), adminOnly)
)

var collections = map[string]records.Collection{
	Courses: {
		Name: Courses,
		Fields: []records.FieldSpec{
			{Name: "course_title", Type: records.TypeText, Required: true, Rules: "max=200"},
			{Name: "description", Type: records.TypeText, Rules: "max=10000"},
			{Name: "thumbnail", Type: records.TypeFile},
			{Name: "instructor", Type: records.TypeRelation, Relation: Users, Owner: true},
			{Name: "duration", Type: records.TypeText},
			{Name: "level", Type: records.TypeSelect, Values: []string{"beginner", "intermediate", "advanced"}},
			{Name: "prerequisites", Type: records.TypeJSON},
			{Name: "skills", Type: records.TypeJSON},
			{Name: "visibility", Type: records.TypeSelect, Values: []string{"public", "private"}},
		},
		Access: records.AccessRules{
			List:   everyone,
			View:   everyone,
			Create: staff,
			Update: records.AnyOf(records.AllOf(records.Owner("instructor"), staff), adminOnly),
			Delete: records.AnyOf(records.AllOf(records.Owner("instructor"), staff), adminOnly),
		},
	},
	Lessons: {
		Name: Lessons,
		Fields: []records.FieldSpec{
			{Name: "lessons_title", Type: records.TypeText, Required: true, Rules: "max=200"},
			{Name: "description", Type: records.TypeText},
			{Name: "course", Type: records.TypeRelation, Relation: Courses, Required: true},
			{Name: "videoUrl", Type: records.TypeURL},
			{Name: "order", Type: records.TypeNumber, Rules: "min=0"},
			{Name: "duration", Type: records.TypeText},
			{Name: "objectives", Type: records.TypeJSON},
		},
		Access: records.AccessRules{List: everyone, View: everyone, Create: staff, Update: staff, Delete: staff},
	},
	LessonResources: {
		Name: LessonResources,
		Fields: []records.FieldSpec{
			{Name: "lesson", Type: records.TypeRelation, Relation: Lessons, Required: true},
			{Name: "resource_title", Type: records.TypeText, Required: true},
			{Name: "resource_file", Type: records.TypeFile},
			{Name: "resource_link", Type: records.TypeURL},
			{Name: "resource_type", Type: records.TypeSelect, Required: true, Values: []string{"document", "video", "exercise", "link", "article", "code", "other"}},
			{Name: "resource_description", Type: records.TypeText},
		},
		Access: records.AccessRules{List: everyone, View: everyone, Create: staff, Update: staff, Delete: staff},
	},
	LessonNotes: {
		Name: LessonNotes,
		Fields: []records.FieldSpec{
			{Name: "lesson", Type: records.TypeRelation, Relation: Lessons, Required: true},
			{Name: "user", Type: records.TypeRelation, Relation: Users, Owner: true},
			{Name: "content", Type: records.TypeText, Required: true, Rules: "max=5000"},
		},
		Access: records.AccessRules{List: noteOwner, View: noteOwner, Create: signedIn, Update: noteOwner, Delete: noteOwner},
	},
	Reviews: {
		Name: Reviews,
		Fields: []records.FieldSpec{
			{Name: "course", Type: records.TypeRelation, Relation: Courses, Required: true},
			{Name: "user", Type: records.TypeRelation, Relation: Users, Owner: true},
			{Name: "rating", Type: records.TypeNumber, Required: true, Rules: "min=1,max=5"},
			{Name: "comment", Type: records.TypeText, Required: true, Rules: "max=2000"},
		},
		Access: records.AccessRules{List: everyone, View: everyone, Create: signedIn, Update: reviewOwner, Delete: reviewOwner},
	},
	Enrollments: {
		Name: Enrollments,
		Fields: []records.FieldSpec{
			{Name: "user", Type: records.TypeRelation, Relation: Users, Owner: true},
			{Name: "course", Type: records.TypeRelation, Relation: Courses, Required: true},
			{Name: "progress", Type: records.TypeNumber, Rules: "min=0,max=100"},
			{Name: "completedLessons", Type: records.TypeJSON},
		},
		Access: records.AccessRules{
			List:   reviewOwner,
			View:   reviewOwner,
			Create: signedIn,
			Update: reviewOwner,
			Delete: reviewOwner,
		},
	},
	Settings: {
		Name: Settings,
		Fields: []records.FieldSpec{
			{Name: "site_name", Type: records.TypeText, Required: true},
			{Name: "site_description", Type: records.TypeText},
			{Name: "contact_email", Type: records.TypeEmail, Required: true},
			{Name: "social_links", Type: records.TypeJSON},
			{Name: "site_logo", Type: records.TypeFile},
		},
		Access: records.AccessRules{List: everyone, View: everyone, Create: adminOnly, Update: adminOnly, Delete: adminOnly},
	},
}

// UserFields describes the public projection of the users auth collection,
// used when a relation to a user is expanded.
var UserFields = []records.FieldSpec{
	{Name: "name", Type: records.TypeText},
	{Name: "username", Type: records.TypeText},
	{Name: "avatar", Type: records.TypeFile},
	{Name: "role", Type: records.TypeSelect, Values: []string{string(records.RoleStudent), string(records.RoleInstructor), string(records.RoleAdmin)}},
	{Name: "email", Type: records.TypeEmail},
}

// Lookup returns the declaration for a record collection. The users auth
// collection is not a record collection and is not returned.
func Lookup(name string) (records.Collection, bool) {
	collection, ok := collections[name]
	return collection, ok
}

// Names lists the declared record collections in a stable order.
func Names() []string {
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
