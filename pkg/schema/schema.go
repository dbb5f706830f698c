// Package schema provides declarative validation, sanitization, corruption
// checking, and repair for structured state.
//
// A Definition is a rules tree: type, required keys, per-property nested
// definitions, and numeric ranges. Definitions are registered once per
// logical state shape; $ref cross-references are resolved eagerly at
// registration time into a closed tree, so validation never chases
// references at runtime.
package schema

import (
	"errors"
	"fmt"
)

// Type enumerates the value types a Definition can require.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	// TypeAny matches every value. Used for payload fields the schema
	// does not constrain.
	TypeAny Type = "any"
)

// Errors returned by schema registration and validation.
var (
	// ErrValidationFailed is wrapped by validation errors surfaced to
	// callers who asked for hard failures.
	ErrValidationFailed = errors.New("schema: validation failed")

	// ErrSchemaNotFound is returned when a schema ID is not registered.
	ErrSchemaNotFound = errors.New("schema: schema not registered")

	// ErrRefCycle is returned at registration time when $ref references
	// form a cycle. Cyclic schemas cannot be resolved into a tree.
	ErrRefCycle = errors.New("schema: cyclic $ref")

	// ErrRefUnresolved is returned when a $ref names an unknown schema.
	ErrRefUnresolved = errors.New("schema: unresolved $ref")
)

// Definition is a declarative validation rule for one value.
//
// Example - a progression section with a non-negative level:
//
//	def := &schema.Definition{
//		Type:     schema.TypeObject,
//		Required: []string{"cultivation"},
//		Properties: map[string]*schema.Definition{
//			"cultivation": {
//				Type: schema.TypeObject,
//				Properties: map[string]*schema.Definition{
//					"qi": {
//						Type: schema.TypeObject,
//						Properties: map[string]*schema.Definition{
//							"level": {Type: schema.TypeNumber, Minimum: schema.Float(0)},
//						},
//					},
//				},
//			},
//		},
//	}
type Definition struct {
	// Type is the required value type. Empty means TypeAny.
	Type Type `json:"type,omitempty"`

	// Required lists keys that must be present on object values.
	Required []string `json:"required,omitempty"`

	// Properties holds nested definitions for object keys.
	Properties map[string]*Definition `json:"properties,omitempty"`

	// Items is the definition applied to every element of array values.
	Items *Definition `json:"items,omitempty"`

	// Minimum and Maximum bound numeric values (inclusive).
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	// Default is the fallback value used by sanitization and repair when
	// a required field is missing or beyond coercion.
	Default any `json:"default,omitempty"`

	// Ref names another registered schema. The registry replaces Ref
	// nodes with the referenced definition during Register; a resolved
	// Definition never contains refs.
	Ref string `json:"$ref,omitempty"`
}

// Float returns a pointer to f for use in Minimum/Maximum fields.
func Float(f float64) *float64 {
	return &f
}

// effectiveType returns the definition's type, treating empty as TypeAny.
func (d *Definition) effectiveType() Type {
	if d == nil || d.Type == "" {
		return TypeAny
	}
	return d.Type
}

// Registry holds resolved schema definitions keyed by ID.
//
// Registration resolves all $ref cross-references eagerly: the stored
// definition is a self-contained tree. Registered definitions are read-only
// at validation time, so the registry is safe for concurrent readers after
// setup.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register resolves def's references against previously registered schemas
// and stores it under id. Re-registering an id replaces the previous
// definition.
//
// Returns ErrRefUnresolved if def references an unknown schema and
// ErrRefCycle if resolution would recurse forever.
func (r *Registry) Register(id string, def *Definition) error {
	if id == "" {
		return fmt.Errorf("%w: empty schema id", ErrSchemaNotFound)
	}
	if def == nil {
		return fmt.Errorf("schema %q: nil definition", id)
	}

	resolved, err := r.resolve(def, map[string]bool{id: true})
	if err != nil {
		return fmt.Errorf("schema %q: %w", id, err)
	}

	r.defs[id] = resolved
	return nil
}

// Get returns the resolved definition registered under id.
func (r *Registry) Get(id string) (*Definition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSchemaNotFound, id)
	}
	return def, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.defs[id]
	return ok
}

// resolve returns a deep copy of def with every Ref node replaced by the
// referenced definition. inProgress guards against reference cycles.
func (r *Registry) resolve(def *Definition, inProgress map[string]bool) (*Definition, error) {
	if def == nil {
		return nil, nil
	}

	if def.Ref != "" {
		if inProgress[def.Ref] {
			return nil, fmt.Errorf("%w: %q", ErrRefCycle, def.Ref)
		}
		target, ok := r.defs[def.Ref]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrRefUnresolved, def.Ref)
		}
		inProgress[def.Ref] = true
		resolved, err := r.resolve(target, inProgress)
		delete(inProgress, def.Ref)
		return resolved, err
	}

	out := &Definition{
		Type:    def.Type,
		Minimum: def.Minimum,
		Maximum: def.Maximum,
		Default: def.Default,
	}
	if len(def.Required) > 0 {
		out.Required = append([]string(nil), def.Required...)
	}
	if len(def.Properties) > 0 {
		out.Properties = make(map[string]*Definition, len(def.Properties))
		for name, prop := range def.Properties {
			resolved, err := r.resolve(prop, inProgress)
			if err != nil {
				return nil, err
			}
			out.Properties[name] = resolved
		}
	}
	if def.Items != nil {
		resolved, err := r.resolve(def.Items, inProgress)
		if err != nil {
			return nil, err
		}
		out.Items = resolved
	}
	return out, nil
}
