package action

import (
	"fmt"
	"math"
	"strings"
)

// FieldType enumerates the value types the input schema can declare.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeBool
)

// Field declares one input field: its type, whether it is required, and an
// optional enum restriction or custom check. Check returns an empty string
// when the value is acceptable.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Enum     []string
	Check    func(value any) string
}

// Schema validates the raw argument map of one action. Malformed input is an
// expected, high-frequency case, so parse failures are returned as a
// field→message map rather than an error.
type Schema struct {
	fields []Field
}

// NewSchema builds a schema from field declarations.
func NewSchema(fields ...Field) *Schema {
	return &Schema{fields: fields}
}

// FieldNames lists the declared field names. The pipeline uses them to check
// guard requirements at construction time.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		names = append(names, f.Name)
	}
	return names
}

// Parse validates raw input against the schema. Only declared fields survive
// into the returned args; the second return value is non-nil when any field
// fails, mapping field name to a human-readable message.
func (s *Schema) Parse(raw map[string]any) (Args, map[string]string) {
	args := make(Args, len(s.fields))
	errs := map[string]string{}

	for _, f := range s.fields {
		value, present := raw[f.Name]
		if !present || value == nil {
			if f.Required {
				errs[f.Name] = "is required"
			}
			continue
		}
		coerced, msg := coerce(f, value)
		if msg != "" {
			errs[f.Name] = msg
			continue
		}
		if len(f.Enum) > 0 {
			str, _ := coerced.(string)
			if !contains(f.Enum, str) {
				errs[f.Name] = fmt.Sprintf("must be one of %s", strings.Join(f.Enum, ", "))
				continue
			}
		}
		if f.Check != nil {
			if msg := f.Check(coerced); msg != "" {
				errs[f.Name] = msg
				continue
			}
		}
		args[f.Name] = coerced
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return args, nil
}

func coerce(f Field, value any) (any, string) {
	switch f.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return nil, "must be a string"
		}
		str = strings.TrimSpace(str)
		if f.Required && str == "" {
			return nil, "is required"
		}
		return str, ""
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, ""
		case int64:
			return int(v), ""
		case float64:
			// JSON numbers decode as float64; accept integral values only.
			if v != math.Trunc(v) {
				return nil, "must be a whole number"
			}
			return int(v), ""
		default:
			return nil, "must be a number"
		}
	case TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, "must be a boolean"
		}
		return b, ""
	}
	return nil, "unsupported field type"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Str declares an optional string field.
func Str(name string) Field { return Field{Name: name, Type: TypeString} }

// RequiredStr declares a required string field.
func RequiredStr(name string) Field { return Field{Name: name, Type: TypeString, Required: true} }

// Int declares an optional integer field.
func Int(name string) Field { return Field{Name: name, Type: TypeInt} }

// RequiredInt declares a required integer field.
func RequiredInt(name string) Field { return Field{Name: name, Type: TypeInt, Required: true} }

// Bool declares an optional boolean field.
func Bool(name string) Field { return Field{Name: name, Type: TypeBool} }

// Enum declares a required string field limited to the given values.
func Enum(name string, values ...string) Field {
	return Field{Name: name, Type: TypeString, Required: true, Enum: values}
}
