// Package validate checks handler input against a declared schema before
// dispatch. Validation never fails hard: the caller receives the full list of
// violations, and an empty list is the success signal.
package validate

import (
	"fmt"
	"math"
	"sort"
)

// Kind is the declared runtime type of a schema field.
type Kind string

const (
	String Kind = "string"
	Int    Kind = "int"
	Float  Kind = "float"
	Bool   Kind = "bool"
	List   Kind = "list"
	Object Kind = "object"
)

// Field declares the expectations for a single input field. Default is
// applied by WithDefaults when an optional field is absent.
type Field struct {
	Type     Kind
	Required bool
	Default  any
}

// Schema maps field names to their declarations.
type Schema map[string]Field

// Input validates raw input against the schema and returns every violation
// found: unexpected fields, missing required fields, and type mismatches.
// An empty slice means the input is valid.
func Input(input map[string]any, schema Schema) []string {
	var errs []string

	// Unexpected fields first, in stable order.
	var unexpected []string
	for key := range input {
		if _, ok := schema[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	sort.Strings(unexpected)
	for _, key := range unexpected {
		errs = append(errs, fmt.Sprintf("unexpected input: %s is not a valid input option", key))
	}

	var names []string
	for key := range schema {
		names = append(names, key)
	}
	sort.Strings(names)

	for _, key := range names {
		field := schema[key]
		value, present := input[key]

		if !present {
			if field.Required {
				errs = append(errs, fmt.Sprintf("%s is a required input", key))
			}
			continue
		}

		if !matches(value, field.Type) {
			errs = append(errs, fmt.Sprintf("%s should be %s type, not %s", key, field.Type, typeName(value)))
		}
	}

	return errs
}

// WithDefaults returns a copy of input with schema defaults filled in for
// absent optional fields. The original map is not modified.
func WithDefaults(input map[string]any, schema Schema) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	for key, field := range schema {
		if _, present := out[key]; present {
			continue
		}
		if !field.Required && field.Default != nil {
			out[key] = field.Default
		}
	}
	return out
}

// matches reports whether a decoded JSON value satisfies the declared kind.
// JSON numbers arrive as float64, so Int accepts any integral number.
func matches(value any, kind Kind) bool {
	switch kind {
	case String:
		_, ok := value.(string)
		return ok
	case Bool:
		_, ok := value.(bool)
		return ok
	case Int:
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case Float:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case List:
		_, ok := value.([]any)
		return ok
	case Object:
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}
