package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// CompatibilityMode governs what schema changes Register will accept for
// a topic that already has a registered schema.
type CompatibilityMode string

const (
	CompatNone     CompatibilityMode = "none"
	CompatBackward CompatibilityMode = "backward"
	CompatForward  CompatibilityMode = "forward"
	CompatFull     CompatibilityMode = "full"
)

// ErrIncompatibleSchema is returned by Register when a new schema
// violates the topic's compatibility mode.
var ErrIncompatibleSchema = errors.New("bus: schema change is incompatible with the topic's compatibility mode")

// fieldSchema is the minimal JSON-Schema-like shape this registry
// understands: object field types, an enum constraint, and numeric/
// string length bounds, enough to detect the breakages the
// compatibility checker cares about. Kept deliberately small; a full
// JSON-Schema validator would be overkill for these checks.
type fieldSchema struct {
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
	MinLen   *int     `json:"minLength,omitempty"`
	MaxLen   *int     `json:"maxLength,omitempty"`
	Min      *float64 `json:"minimum,omitempty"`
	Max      *float64 `json:"maximum,omitempty"`
}

// Schema is a named set of field constraints for one topic version.
type Schema map[string]fieldSchema

type registeredSchema struct {
	version int
	mode    CompatibilityMode
	fields  Schema
}

// SchemaRegistry stores the current and historical schema per topic and
// enforces each topic's CompatibilityMode on new registrations.
type SchemaRegistry struct {
	mu    sync.RWMutex
	byTop map[string]*registeredSchema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{byTop: make(map[string]*registeredSchema)}
}

// CurrentVersion returns the schema version currently registered for
// topic, or 1 if none has been registered yet.
func (r *SchemaRegistry) CurrentVersion(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byTop[topic]; ok {
		return s.version
	}
	return 1
}

// Register validates schema against the topic's existing schema (if any)
// under mode, and stores it as the new current version on success.
func (r *SchemaRegistry) Register(topic string, schema Schema, mode CompatibilityMode) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byTop[topic]
	if !ok {
		r.byTop[topic] = &registeredSchema{version: 1, mode: mode, fields: schema}
		return 1, nil
	}

	if violations := CheckCompatible(existing.fields, schema, mode); len(violations) > 0 {
		return 0, fmt.Errorf("%w: %v", ErrIncompatibleSchema, violations)
	}

	next := existing.version + 1
	r.byTop[topic] = &registeredSchema{version: next, mode: mode, fields: schema}
	return next, nil
}

// CheckCompatible compares an old and new schema and reports every
// violation of mode, rather than stopping at the first one — callers
// that only want a yes/no answer can just check len(violations) == 0.
func CheckCompatible(old, new Schema, mode CompatibilityMode) []string {
	if mode == CompatNone {
		return nil
	}

	var violations []string
	breaksBackward := mode == CompatBackward || mode == CompatFull
	breaksForward := mode == CompatForward || mode == CompatFull

	for name, oldField := range old {
		newField, stillPresent := new[name]
		if !stillPresent {
			if oldField.Required && breaksForward {
				violations = append(violations, fmt.Sprintf("field %q: removed required field breaks forward compatibility", name))
			}
			continue
		}
		if oldField.Type != newField.Type {
			violations = append(violations, fmt.Sprintf("field %q: type changed from %s to %s", name, oldField.Type, newField.Type))
			continue
		}
		if breaksForward && len(oldField.Enum) > 0 {
			for _, v := range oldField.Enum {
				if !containsString(newField.Enum, v) {
					violations = append(violations, fmt.Sprintf("field %q: enum value %q removed", name, v))
				}
			}
		}
		if breaksBackward {
			if narrowerInt(oldField.MinLen, newField.MinLen, false) {
				violations = append(violations, fmt.Sprintf("field %q: minLength narrowed", name))
			}
			if narrowerInt(oldField.MaxLen, newField.MaxLen, true) {
				violations = append(violations, fmt.Sprintf("field %q: maxLength narrowed", name))
			}
			if narrowerFloat(oldField.Min, newField.Min, false) {
				violations = append(violations, fmt.Sprintf("field %q: minimum narrowed", name))
			}
			if narrowerFloat(oldField.Max, newField.Max, true) {
				violations = append(violations, fmt.Sprintf("field %q: maximum narrowed", name))
			}
		}
	}

	for name, newField := range new {
		if _, existed := old[name]; !existed && newField.Required && breaksBackward {
			violations = append(violations, fmt.Sprintf("field %q: added required field breaks backward compatibility", name))
		}
	}

	return violations
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// narrowerInt reports whether newV narrows the bound set by oldV. upper
// selects whether this is an upper bound (smaller = narrower) or a lower
// bound (larger = narrower).
func narrowerInt(oldV, newV *int, upper bool) bool {
	if oldV == nil || newV == nil {
		return newV != nil && oldV == nil
	}
	if upper {
		return *newV < *oldV
	}
	return *newV > *oldV
}

func narrowerFloat(oldV, newV *float64, upper bool) bool {
	if oldV == nil || newV == nil {
		return newV != nil && oldV == nil
	}
	if upper {
		return *newV < *oldV
	}
	return *newV > *oldV
}

// MarshalSchema and UnmarshalSchema let callers store/transport Schema
// as JSON alongside the message payload's own schema_version field.
func MarshalSchema(s Schema) ([]byte, error) { return json.Marshal(s) }

func UnmarshalSchema(data []byte) (Schema, error) {
	var s Schema
	err := json.Unmarshal(data, &s)
	return s, err
}
