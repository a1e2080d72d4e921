package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind identifies the type of a field value.
type Kind string

const (
	// KindText is free-form text (title, notes).
	KindText Kind = "text"
	// KindEnum is a closed-vocabulary string (status, priority).
	KindEnum Kind = "enum"
	// KindDate is a point in time (due date, reminder).
	KindDate Kind = "date"
	// KindSet is an unordered set of strings (tags).
	KindSet Kind = "set"
)

// Value is a single typed field value. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Value struct {
	Kind Kind      `json:"kind"`
	Text string    `json:"text,omitempty"` // KindText, KindEnum
	Time time.Time `json:"time,omitzero"`  // KindDate
	Set  []string  `json:"set,omitempty"`  // KindSet, kept sorted and deduplicated
}

// TextValue returns a text value.
func TextValue(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// EnumValue returns an enum value.
func EnumValue(s string) Value {
	return Value{Kind: KindEnum, Text: s}
}

// DateValue returns a date value.
func DateValue(t time.Time) Value {
	return Value{Kind: KindDate, Time: t.UTC()}
}

// SetValue returns a set value. The members are copied, deduplicated,
// and sorted so that equal sets compare equal.
func SetValue(members ...string) Value {
	return Value{Kind: KindSet, Set: normalizeSet(members)}
}

// normalizeSet deduplicates and sorts set members.
func normalizeSet(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindText, KindEnum:
		return v.Text == other.Text
	case KindDate:
		return v.Time.Equal(other.Time)
	case KindSet:
		if len(v.Set) != len(other.Set) {
			return false
		}
		for i := range v.Set {
			if v.Set[i] != other.Set[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Union returns the set union of two set values.
// Calling Union on non-set values is a programming error.
func (v Value) Union(other Value) (Value, error) {
	if v.Kind != KindSet || other.Kind != KindSet {
		return Value{}, fmt.Errorf("union requires set values (got %s, %s)", v.Kind, other.Kind)
	}
	return SetValue(append(append([]string{}, v.Set...), other.Set...)...), nil
}

// Validate checks that the value payload matches its kind.
func (v Value) Validate() error {
	switch v.Kind {
	case KindText, KindEnum:
		return nil
	case KindDate:
		if v.Time.IsZero() {
			return fmt.Errorf("date value requires a non-zero time")
		}
		return nil
	case KindSet:
		return nil
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

// String returns a human-readable rendering of the value.
func (v Value) String() string {
	switch v.Kind {
	case KindText, KindEnum:
		return v.Text
	case KindDate:
		return v.Time.Format(time.RFC3339)
	case KindSet:
		out, _ := json.Marshal(v.Set)
		return string(out)
	default:
		return ""
	}
}

// Fields is a mapping of field name to typed value.
// Iteration order is not defined; use Names for deterministic order.
type Fields map[string]Value

// Names returns the field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for name, v := range f {
		if v.Kind == KindSet {
			v.Set = append([]string{}, v.Set...)
		}
		out[name] = v
	}
	return out
}

// Equal reports whether two field maps contain the same names and values.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for name, v := range f {
		ov, ok := other[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Apply overlays the given diff onto the fields, returning a new map.
// The receiver is not modified.
func (f Fields) Apply(diff Fields) Fields {
	out := f.Clone()
	for name, v := range diff {
		out[name] = v
	}
	return out
}

// Validate checks every value in the map.
func (f Fields) Validate() error {
	for name, v := range f {
		if name == "" {
			return fmt.Errorf("field name cannot be empty")
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}
