package learning

import (
	"context"
	"strings"

	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/mutation"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/remote"
)

const (
	opCoursesAdd       = "learning.courses.add"
	opCoursesEdit      = "learning.courses.edit"
	opCoursesRemove    = "learning.courses.remove"
	opLessonsAdd       = "learning.lessons.add"
	opLessonsEdit      = "learning.lessons.edit"
	opLessonsRemove    = "learning.lessons.remove"
	opResourcesAdd     = "learning.resources.add"
	opResourcesUpload  = "learning.resources.upload"
	opResourcesRemove  = "learning.resources.remove"
	resourceFileField  = "resource_file"
	requiredFieldError = "this field is required"
)

// Uploader stores a record and its file fields in one request.
type Uploader interface {
	CreateWithFiles(ctx context.Context, collection string, fields records.Fields, files map[string]remote.File) (records.Record, error)
}

// Courses browses the course catalog and lets staff author courses, lessons
// and lesson resources.
type Courses struct {
	coordinator *mutation.Coordinator
}

// NewCourses binds course browsing to a coordinator.
func NewCourses(coordinator *mutation.Coordinator) *Courses {
	return &Courses{coordinator: coordinator}
}

// CoursesQuery is the newest-first course list with instructors expanded.
func CoursesQuery() records.Query {
	return records.Query{
		Collection: catalog.Courses,
		Sort:       "-created",
		Expand:     []string{"instructor"},
	}
}

// LessonsQuery is the ordered lesson list of one course.
func LessonsQuery(courseID string) records.Query {
	return records.Query{
		Collection: catalog.Lessons,
		Filter:     map[string]string{"course": courseID},
		Sort:       "order",
	}
}

// ResourcesQuery is the resource list of one lesson.
func ResourcesQuery(lessonID string) records.Query {
	return records.Query{
		Collection: catalog.LessonResources,
		Filter:     map[string]string{"lesson": lessonID},
		Sort:       "created",
	}
}

// List returns every course, newest first, with its instructor.
func (c *Courses) List(ctx context.Context) ([]records.Record, error) {
	return c.coordinator.Load(ctx, CoursesQuery())
}

// Lessons returns the lessons of a course in their configured order.
func (c *Courses) Lessons(ctx context.Context, courseID string) ([]records.Record, error) {
	return c.coordinator.Load(ctx, LessonsQuery(courseID))
}

// Resources returns the resources attached to a lesson.
func (c *Courses) Resources(ctx context.Context, lessonID string) ([]records.Record, error) {
	return c.coordinator.Load(ctx, ResourcesQuery(lessonID))
}

// Add creates a course owned by the signed-in instructor.
func (c *Courses) Add(ctx context.Context, fields records.Fields) (*mutation.Mutation, error) {
	user, err := requireStaff(c.coordinator.Remote(), opCoursesAdd)
	if err != nil {
		return nil, err
	}
	if err := requireText(opCoursesAdd, fields, "course_title"); err != nil {
		return nil, err
	}
	input := fields.Clone()
	input["instructor"] = user.ID
	c.coordinator.Track(CoursesQuery())
	return c.coordinator.Create(ctx, catalog.Courses, input), nil
}

// Edit changes course fields. The server decides whether the caller owns
// the course.
func (c *Courses) Edit(ctx context.Context, courseID string, changed records.Fields) (*mutation.Mutation, error) {
	if _, err := requireStaff(c.coordinator.Remote(), opCoursesEdit); err != nil {
		return nil, err
	}
	if err := forbidBlank(opCoursesEdit, changed, "course_title"); err != nil {
		return nil, err
	}
	return c.coordinator.Update(ctx, catalog.Courses, courseID, changed), nil
}

// Remove deletes a course.
func (c *Courses) Remove(ctx context.Context, courseID string) (*mutation.Mutation, error) {
	if _, err := requireStaff(c.coordinator.Remote(), opCoursesRemove); err != nil {
		return nil, err
	}
	return c.coordinator.Delete(ctx, catalog.Courses, courseID), nil
}

// AddLesson appends a lesson to a course.
func (c *Courses) AddLesson(ctx context.Context, courseID string, fields records.Fields) (*mutation.Mutation, error) {
	if _, err := requireStaff(c.coordinator.Remote(), opLessonsAdd); err != nil {
		return nil, err
	}
	if strings.TrimSpace(courseID) == "" {
		return nil, localFailure(opLessonsAdd+".validation", "course", requiredFieldError)
	}
	if err := requireText(opLessonsAdd, fields, "lessons_title"); err != nil {
		return nil, err
	}
	input := fields.Clone()
	input["course"] = courseID
	c.coordinator.Track(LessonsQuery(courseID))
	return c.coordinator.Create(ctx, catalog.Lessons, input), nil
}

// EditLesson changes lesson fields.
func (c *Courses) EditLesson(ctx context.Context, lessonID string, changed records.Fields) (*mutation.Mutation, error) {
	if _, err := requireStaff(c.coordinator.Remote(), opLessonsEdit); err != nil {
		return nil, err
	}
	if err := forbidBlank(opLessonsEdit, changed, "lessons_title"); err != nil {
		return nil, err
	}
	return c.coordinator.Update(ctx, catalog.Lessons, lessonID, changed), nil
}

// RemoveLesson deletes a lesson.
func (c *Courses) RemoveLesson(ctx context.Context, lessonID string) (*mutation.Mutation, error) {
	if _, err := requireStaff(c.coordinator.Remote(), opLessonsRemove); err != nil {
		return nil, err
	}
	return c.coordinator.Delete(ctx, catalog.Lessons, lessonID), nil
}

// AddResource attaches a link resource to a lesson optimistically.
func (c *Courses) AddResource(ctx context.Context, lessonID string, fields records.Fields) (*mutation.Mutation, error) {
	input, err := c.resourceFields(opResourcesAdd, lessonID, fields)
	if err != nil {
		return nil, err
	}
	c.coordinator.Track(ResourcesQuery(lessonID))
	return c.coordinator.Create(ctx, catalog.LessonResources, input), nil
}

// UploadResource attaches a resource together with its file. Uploads are
// not optimistic: the record is sent directly and the lesson's resource
// list is fetched again once the server stored it.
func (c *Courses) UploadResource(ctx context.Context, lessonID string, fields records.Fields, file remote.File) (records.Record, error) {
	input, err := c.resourceFields(opResourcesUpload, lessonID, fields)
	if err != nil {
		return records.Record{}, err
	}
	if strings.TrimSpace(file.Name) == "" || file.Content == nil {
		return records.Record{}, localFailure(opResourcesUpload+".validation", resourceFileField, requiredFieldError)
	}
	uploader, ok := c.coordinator.Remote().(Uploader)
	if !ok {
		return records.Record{}, records.NewError(records.KindInternal, opResourcesUpload+".unsupported", "file uploads are not available", nil)
	}
	record, err := uploader.CreateWithFiles(ctx, catalog.LessonResources, input, map[string]remote.File{resourceFileField: file})
	if err != nil {
		return records.Record{}, err
	}
	c.coordinator.Invalidate(catalog.LessonResources)
	// A failed refetch leaves the entry stale, so the next load retries it.
	_, _ = c.coordinator.Refetch(ctx, ResourcesQuery(lessonID))
	return record, nil
}

// RemoveResource deletes a lesson resource.
func (c *Courses) RemoveResource(ctx context.Context, resourceID string) (*mutation.Mutation, error) {
	if _, err := requireStaff(c.coordinator.Remote(), opResourcesRemove); err != nil {
		return nil, err
	}
	return c.coordinator.Delete(ctx, catalog.LessonResources, resourceID), nil
}

func (c *Courses) resourceFields(operation, lessonID string, fields records.Fields) (records.Fields, error) {
	if _, err := requireStaff(c.coordinator.Remote(), operation); err != nil {
		return nil, err
	}
	if strings.TrimSpace(lessonID) == "" {
		return nil, localFailure(operation+".validation", "lesson", requiredFieldError)
	}
	for _, name := range []string{"resource_title", "resource_type"} {
		if err := requireText(operation, fields, name); err != nil {
			return nil, err
		}
	}
	input := fields.Clone()
	input["lesson"] = lessonID
	return input, nil
}

// requireStaff returns the signed-in user when they may author content.
func requireStaff(service remote.Service, operation string) (remote.User, error) {
	user, err := requireSession(service, operation)
	if err != nil {
		return remote.User{}, err
	}
	if user.Role != records.RoleInstructor && user.Role != records.RoleAdmin {
		return remote.User{}, records.NewError(records.KindForbidden, operation+".forbidden", "only instructors can edit course content", nil)
	}
	return user, nil
}

func requireText(operation string, fields records.Fields, name string) error {
	if strings.TrimSpace(fields.String(name)) == "" {
		return localFailure(operation+".validation", name, requiredFieldError)
	}
	return nil
}

func forbidBlank(operation string, fields records.Fields, name string) error {
	if _, ok := fields[name]; !ok {
		return nil
	}
	return requireText(operation, fields, name)
}
