package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator validates data against a schema
type Validator interface {
	Validate(schema JSONSchema, data map[string]any) []ValidationError
}

// ValidationError represents a schema validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface
func (e ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FormatErrors joins validation errors into one message suitable for a
// corrective follow-up instruction to the reasoning provider.
func FormatErrors(errs []ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// DefaultValidator implements Validator
type DefaultValidator struct{}

// NewValidator creates a new DefaultValidator
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate validates data against the provided schema
func (v *DefaultValidator) Validate(schema JSONSchema, data map[string]any) []ValidationError {
	var errors []ValidationError

	if schema.Type != "object" {
		return []ValidationError{{
			Message: fmt.Sprintf("root type must be object, got %s", schema.Type),
		}}
	}

	for _, field := range schema.Required {
		if _, exists := data[field]; !exists {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "required field is missing",
			})
		}
	}

	for fieldName, value := range data {
		fieldSchema, hasSchema := schema.Properties[fieldName]
		if !hasSchema {
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				errors = append(errors, ValidationError{
					Field:   fieldName,
					Message: "additional property not allowed",
					Value:   value,
				})
			}
			continue
		}

		errors = append(errors, v.validateField(fieldName, fieldSchema, value)...)
	}

	return errors
}

// validateField validates a single field against its schema
func (v *DefaultValidator) validateField(fieldPath string, schema SchemaField, value any) []ValidationError {
	var errors []ValidationError

	actualType := jsonType(value)
	if actualType != schema.Type {
		errors = append(errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("expected type %s, got %s", schema.Type, actualType),
			Value:   value,
		})
		return errors // no point checking constraints on the wrong type
	}

	switch schema.Type {
	case "string":
		errors = append(errors, v.validateString(fieldPath, schema, value.(string))...)
	case "array":
		errors = append(errors, v.validateArray(fieldPath, schema, value.([]any))...)
	case "object":
		errors = append(errors, v.validateObject(fieldPath, schema, value.(map[string]any))...)
	}

	if len(schema.Enum) > 0 {
		errors = append(errors, v.validateEnum(fieldPath, schema, value)...)
	}

	return errors
}

// validateString validates string-specific constraints
func (v *DefaultValidator) validateString(fieldPath string, schema SchemaField, str string) []ValidationError {
	var errors []ValidationError

	if schema.MinLength != nil && len(str) < *schema.MinLength {
		errors = append(errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length must be at least %d", *schema.MinLength),
			Value:   str,
		})
	}

	if schema.Pattern != "" {
		matched, err := regexp.MatchString(schema.Pattern, str)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("invalid pattern: %v", err),
			})
		} else if !matched {
			errors = append(errors, ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("string does not match pattern %s", schema.Pattern),
				Value:   str,
			})
		}
	}

	return errors
}

// validateArray validates array constraints and items
func (v *DefaultValidator) validateArray(fieldPath string, schema SchemaField, arr []any) []ValidationError {
	var errors []ValidationError

	if schema.MinItems != nil && len(arr) < *schema.MinItems {
		errors = append(errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("array must have at least %d items", *schema.MinItems),
		})
	}

	if schema.Items != nil {
		for i, item := range arr {
			itemPath := fmt.Sprintf("%s[%d]", fieldPath, i)
			errors = append(errors, v.validateField(itemPath, *schema.Items, item)...)
		}
	}

	return errors
}

// validateObject validates nested objects
func (v *DefaultValidator) validateObject(fieldPath string, schema SchemaField, obj map[string]any) []ValidationError {
	var errors []ValidationError

	for _, required := range schema.Required {
		if _, exists := obj[required]; !exists {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.%s", fieldPath, required),
				Message: "required field is missing",
			})
		}
	}

	for propName, propValue := range obj {
		propSchema, hasSchema := schema.Properties[propName]
		if !hasSchema {
			continue
		}
		errors = append(errors, v.validateField(fmt.Sprintf("%s.%s", fieldPath, propName), propSchema, propValue)...)
	}

	return errors
}

// validateEnum validates enum constraints
func (v *DefaultValidator) validateEnum(fieldPath string, schema SchemaField, value any) []ValidationError {
	strValue := fmt.Sprintf("%v", value)
	for _, enumValue := range schema.Enum {
		if strValue == enumValue {
			return nil
		}
	}

	return []ValidationError{{
		Field:   fieldPath,
		Message: fmt.Sprintf("value must be one of: %s", strings.Join(schema.Enum, ", ")),
		Value:   value,
	}}
}

// jsonType returns the JSON type name of a decoded value
func jsonType(value any) string {
	if value == nil {
		return "null"
	}

	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
