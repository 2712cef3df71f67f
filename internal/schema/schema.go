// Package schema defines the JSON schema model used to constrain and
// validate structured reasoning output. The schema is serialized into the
// reasoning prompt, then the returned payload is validated against it
// before anything downstream trusts the shape.
package schema

import "encoding/json"

// JSONSchema represents a JSON Schema for validation, draft-07 compatible
// for the subset of keywords the plan schema uses.
type JSONSchema struct {
	Type                 string                 `json:"type"`
	Description          string                 `json:"description,omitempty"`
	Properties           map[string]SchemaField `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Items                *SchemaField           `json:"items,omitempty"`
	MinItems             *int                   `json:"minItems,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`
}

// SchemaField represents a field within a schema
type SchemaField struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Pattern     string                 `json:"pattern,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MinItems    *int                   `json:"minItems,omitempty"`
	Items       *SchemaField           `json:"items,omitempty"`
	Properties  map[string]SchemaField `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
}

// NewObjectSchema creates a new object schema with the given properties and required fields
func NewObjectSchema(properties map[string]SchemaField, required []string) JSONSchema {
	return JSONSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// NewStringField creates a new string field with the given description
func NewStringField(description string) SchemaField {
	return SchemaField{
		Type:        "string",
		Description: description,
	}
}

// NewArrayField creates a new array field whose elements follow items
func NewArrayField(description string, items SchemaField) SchemaField {
	return SchemaField{
		Type:        "array",
		Description: description,
		Items:       &items,
	}
}

// NewObjectField creates a nested object field
func NewObjectField(description string, properties map[string]SchemaField, required []string) SchemaField {
	return SchemaField{
		Type:        "object",
		Description: description,
		Properties:  properties,
		Required:    required,
	}
}

// WithEnum adds enum constraint to the field
func (f SchemaField) WithEnum(values ...string) SchemaField {
	f.Enum = values
	return f
}

// WithPattern adds regex pattern constraint to string fields
func (f SchemaField) WithPattern(pattern string) SchemaField {
	f.Pattern = pattern
	return f
}

// WithMinLength adds minimum length constraint to string fields
func (f SchemaField) WithMinLength(length int) SchemaField {
	f.MinLength = &length
	return f
}

// WithMinItems adds minimum item count constraint to array fields
func (f SchemaField) WithMinItems(count int) SchemaField {
	f.MinItems = &count
	return f
}

// String renders the schema as indented JSON for embedding in a prompt.
func (s JSONSchema) String() string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
