// Package learning holds the call sites of the learning platform: lesson
// notes, course reviews, enrollment progress and site settings. Each one
// reads through the mutation coordinator's cache and writes optimistically.
package learning

import (
	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/remote"
)

// Message maps a failure to the text shown to the learner.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch records.KindOf(err) {
	case records.KindValidation:
		return "Invalid request. Please check your input."
	case records.KindAuthRequired:
		return "Please log in to access this resource."
	case records.KindForbidden:
		return "You do not have permission to access this resource."
	case records.KindNotFound:
		return "The requested resource was not found."
	case records.KindTransport:
		return "Could not reach the server. Please try again."
	default:
		return "An unexpected error occurred."
	}
}

// ResourceURL returns the external link of a lesson resource, or the URL of
// its uploaded file when no link is set.
func ResourceURL(service remote.Service, resource records.Record) string {
	if link := resource.Fields.String("resource_link"); link != "" {
		return link
	}
	return service.FileURL(resource, "resource_file")
}

// requireSession returns the signed-in user or an AuthRequired error.
func requireSession(service remote.Service, operation string) (remote.User, error) {
	user, ok := service.CurrentUser()
	if !ok || user.ID == "" {
		return remote.User{}, records.NewError(records.KindAuthRequired, operation+".auth_required", "you must be logged in", nil)
	}
	return user, nil
}

func localFailure(code, field, message string) error {
	return records.NewValidationError(code, records.FieldError{Field: field, Message: message})
}

func settingsQuery() records.Query {
	return records.Query{Collection: catalog.Settings, Sort: "created", Limit: 1}
}
