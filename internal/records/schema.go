package records

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	TypeText     FieldType = "text"
	TypeNumber   FieldType = "number"
	TypeBool     FieldType = "bool"
	TypeEmail    FieldType = "email"
	TypeURL      FieldType = "url"
	TypeSelect   FieldType = "select"
	TypeRelation FieldType = "relation"
	TypeFile     FieldType = "file"
	TypeJSON     FieldType = "json"
	TypeDate     FieldType = "date"
)

// FieldSpec declares one field of a collection. Rules holds extra
// go-playground/validator tags applied to the value (e.g. "max=5000").
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Rules    string
	Values   []string
	Relation string
	// Owner fields are stamped with the caller's user id on create and are
	// immutable afterwards.
	Owner bool
}

// Collection is the schema-as-code declaration for one record collection.
type Collection struct {
	Name   string
	Fields []FieldSpec
	Access AccessRules
}

// Field returns the spec for name.
func (c Collection) Field(name string) (FieldSpec, bool) {
	for _, spec := range c.Fields {
		if spec.Name == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// OwnerField returns the name of the owner field, if the collection has one.
func (c Collection) OwnerField() (string, bool) {
	for _, spec := range c.Fields {
		if spec.Owner {
			return spec.Name, true
		}
	}
	return "", false
}

// FileFields lists the names of file-typed fields.
func (c Collection) FileFields() []string {
	var names []string
	for _, spec := range c.Fields {
		if spec.Type == TypeFile {
			names = append(names, spec.Name)
		}
	}
	return names
}

var (
	fieldValidatorOnce sync.Once
	fieldValidator     *validator.Validate
)

func sharedValidator() *validator.Validate {
	fieldValidatorOnce.Do(func() {
		fieldValidator = validator.New()
	})
	return fieldValidator
}

// Validate checks fields against the collection schema. With partial set,
// only the supplied fields are checked (update semantics); otherwise missing
// required fields are reported too. Owner fields are skipped because the
// record service stamps them itself.
func (c Collection) Validate(code string, fields Fields, partial bool) error {
	var problems []FieldError
	for name := range fields {
		if name == FieldID || name == FieldCreated || name == FieldUpdated {
			problems = append(problems, FieldError{Field: name, Message: "read-only field"})
			continue
		}
		if _, ok := c.Field(name); !ok {
			problems = append(problems, FieldError{Field: name, Message: "unknown field"})
		}
	}
	for _, spec := range c.Fields {
		if spec.Owner {
			continue
		}
		value, present := fields[spec.Name]
		if !present || isBlank(value) {
			if spec.Required && (!partial || present) {
				problems = append(problems, FieldError{Field: spec.Name, Message: "this field is required"})
			}
			continue
		}
		if message := checkValue(spec, value); message != "" {
			problems = append(problems, FieldError{Field: spec.Name, Message: message})
		}
	}
	if len(problems) > 0 {
		return NewValidationError(code, problems...)
	}
	return nil
}

func isBlank(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	default:
		return false
	}
}

func checkValue(spec FieldSpec, value any) string {
	validate := sharedValidator()
	switch spec.Type {
	case TypeText, TypeRelation, TypeFile:
		if _, ok := value.(string); !ok {
			return "must be a string"
		}
	case TypeEmail:
		text, ok := value.(string)
		if !ok || validate.Var(text, "email") != nil {
			return "must be a valid email address"
		}
	case TypeURL:
		text, ok := value.(string)
		if !ok || validate.Var(text, "url") != nil {
			return "must be a valid url"
		}
	case TypeNumber:
		if _, ok := (Fields{"v": value}).Float("v"); !ok {
			return "must be a number"
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case TypeSelect:
		text, ok := value.(string)
		if !ok || !contains(spec.Values, text) {
			return fmt.Sprintf("must be one of %s", strings.Join(spec.Values, ", "))
		}
	case TypeDate:
		text, ok := value.(string)
		if !ok {
			return "must be a date string"
		}
		if _, err := time.Parse(time.RFC3339, text); err != nil {
			if _, err := time.Parse(TimeLayout, text); err != nil {
				return "must be an RFC3339 date"
			}
		}
	case TypeJSON:
	default:
		return fmt.Sprintf("unsupported field type %q", spec.Type)
	}
	if spec.Rules != "" {
		subject := value
		if number, ok := (Fields{"v": value}).Float("v"); ok {
			subject = number
		}
		if err := validate.Var(subject, spec.Rules); err != nil {
			return ruleMessage(err, spec.Rules)
		}
	}
	return ""
}

func ruleMessage(err error, rules string) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok && len(validationErrors) > 0 {
		failed := validationErrors[0]
		if failed.Param() != "" {
			return fmt.Sprintf("failed %s=%s", failed.Tag(), failed.Param())
		}
		return fmt.Sprintf("failed %s", failed.Tag())
	}
	return fmt.Sprintf("failed %s", rules)
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
