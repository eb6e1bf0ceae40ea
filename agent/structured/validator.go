package structured

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// SchemaValidator validates JSON data against a JSONSchema.
type SchemaValidator interface {
	Validate(data []byte, schema *JSONSchema) error
}

// ParseError represents a validation error with field path.
type ParseError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors struct {
	Errors []ParseError `json:"errors"`
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed with %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// DefaultValidator is the default implementation of SchemaValidator.
type DefaultValidator struct{}

// NewValidator creates a new DefaultValidator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate validates JSON data against a schema.
func (v *DefaultValidator) Validate(data []byte, schema *JSONSchema) error {
	if schema == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return &ValidationErrors{
			Errors: []ParseError{{Path: "", Message: fmt.Sprintf("invalid JSON: %v", err)}},
		}
	}

	var errs []ParseError
	v.validateValue(value, schema, "", &errs)
	if len(errs) > 0 {
		return &ValidationErrors{Errors: errs}
	}
	return nil
}

func (v *DefaultValidator) validateValue(value any, schema *JSONSchema, path string, errs *[]ParseError) {
	if schema == nil {
		return
	}

	if len(schema.Enum) > 0 {
		found := false
		for _, e := range schema.Enum {
			if reflect.DeepEqual(value, e) {
				found = true
				break
			}
		}
		if !found {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("value must be one of: %v", schema.Enum)})
		}
	}

	switch schema.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected string, got %T", value)})
			return
		}
		if schema.MinLength != nil && len(str) < *schema.MinLength {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("string length %d is less than minimum %d", len(str), *schema.MinLength)})
		}
		if schema.MaxLength != nil && len(str) > *schema.MaxLength {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("string length %d exceeds maximum %d", len(str), *schema.MaxLength)})
		}
	case TypeNumber, TypeInteger:
		num, ok := value.(float64)
		if !ok {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected %s, got %T", schema.Type, value)})
			return
		}
		if schema.Type == TypeInteger && num != math.Trunc(num) {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected integer, got %v", num)})
			return
		}
		if schema.Minimum != nil && num < *schema.Minimum {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("value %v is less than minimum %v", num, *schema.Minimum)})
		}
		if schema.Maximum != nil && num > *schema.Maximum {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("value %v exceeds maximum %v", num, *schema.Maximum)})
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected boolean, got %T", value)})
		}
	case TypeNull:
		if value != nil {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected null, got %T", value)})
		}
	case TypeObject:
		v.validateObject(value, schema, path, errs)
	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected array, got %T", value)})
			return
		}
		if schema.MinItems != nil && len(arr) < *schema.MinItems {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("array has %d items, minimum is %d", len(arr), *schema.MinItems)})
		}
		if schema.MaxItems != nil && len(arr) > *schema.MaxItems {
			*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("array has %d items, maximum is %d", len(arr), *schema.MaxItems)})
		}
		for i, item := range arr {
			v.validateValue(item, schema.Items, fmt.Sprintf("%s[%d]", path, i), errs)
		}
	}
}

func (v *DefaultValidator) validateObject(value any, schema *JSONSchema, path string, errs *[]ParseError) {
	obj, ok := value.(map[string]any)
	if !ok {
		*errs = append(*errs, ParseError{Path: path, Message: fmt.Sprintf("expected object, got %T", value)})
		return
	}

	for _, req := range schema.Required {
		val, exists := obj[req]
		if !exists {
			*errs = append(*errs, ParseError{Path: joinPath(path, req), Message: "required field is missing"})
		} else if val == nil {
			*errs = append(*errs, ParseError{Path: joinPath(path, req), Message: "required field must not be null"})
		}
	}

	for name, val := range obj {
		prop, ok := schema.Properties[name]
		if !ok {
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				*errs = append(*errs, ParseError{Path: joinPath(path, name), Message: "additional property not allowed"})
			}
			continue
		}
		if val == nil && !contains(schema.Required, name) {
			continue
		}
		v.validateValue(val, prop, joinPath(path, name), errs)
	}
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
