package pad

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// ErrInvalidPayload is matched by every ValidationError.
var ErrInvalidPayload = errors.New("Invalid parameters.")

// ValidationError names the first field that did not match its rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("Invalid parameters: %s.", e.Reason)
	}
	return fmt.Sprintf("Invalid parameters: %s %s.", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// Kind is the expected shape of a payload field.
type Kind int

const (
	String Kind = iota
	Number
	Integer
	ID
	Latitude
	Longitude
	Colour
	Enum
	StringList
	PointList
	FieldList
	Identifier
)

// Rule describes one payload field.
type Rule struct {
	Kind     Kind
	Required bool
	Nullable bool
	Values   []string
}

// Schema maps field names to rules.
type Schema map[string]Rule

// Payload is a validated request body. Only fields named in the schema
// survive validation.
type Payload map[string]json.RawMessage

var colourPattern = regexp.MustCompile(`^[a-fA-F0-9]{3}([a-fA-F0-9]{3})?$`)

// Validate checks raw against the schema. With strict set, fields the schema
// does not know are rejected; otherwise they are dropped.
func (s Schema) Validate(raw json.RawMessage, strict bool) (Payload, error) {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(raw, &in); err != nil || in == nil {
		return nil, &ValidationError{Reason: "payload must be an object"}
	}

	unknown := make([]string, 0)
	for name := range in {
		if _, ok := s[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if strict && len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ValidationError{Field: unknown[0], Reason: "is not allowed"}
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(Payload, len(s))
	for _, name := range names {
		rule := s[name]
		v, ok := in[name]
		if !ok {
			if rule.Required {
				return nil, &ValidationError{Field: name, Reason: "is required"}
			}
			continue
		}
		if isNull(v) {
			if !rule.Nullable {
				return nil, &ValidationError{Field: name, Reason: "must not be null"}
			}
			out[name] = v
			continue
		}
		if reason := checkValue(rule, v); reason != "" {
			return nil, &ValidationError{Field: name, Reason: reason}
		}
		out[name] = v
	}
	return out, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func checkValue(rule Rule, v json.RawMessage) string {
	switch rule.Kind {
	case String:
		var s string
		if json.Unmarshal(v, &s) != nil {
			return "must be a string"
		}
	case Identifier:
		var s string
		if json.Unmarshal(v, &s) != nil {
			return "must be a string"
		}
		if s == "" || strings.Contains(s, "/") {
			return "must be non-empty and may not contain a slash"
		}
	case Number, Latitude, Longitude:
		var f float64
		if json.Unmarshal(v, &f) != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "must be a number"
		}
		if rule.Kind == Latitude && (f < -90 || f > 90) {
			return "must be between -90 and 90"
		}
		if rule.Kind == Longitude && (f < -180 || f > 180) {
			return "must be between -180 and 180"
		}
	case Integer, ID:
		var n int64
		if json.Unmarshal(v, &n) != nil {
			return "must be an integer"
		}
		if rule.Kind == ID && n < 1 {
			return "must be a positive id"
		}
		if rule.Kind == Integer && n < 0 {
			return "must not be negative"
		}
	case Colour:
		var s string
		if json.Unmarshal(v, &s) != nil || !colourPattern.MatchString(s) {
			return "must be a 3-digit or 6-digit hex colour"
		}
	case Enum:
		var s string
		if json.Unmarshal(v, &s) != nil || !slices.Contains(rule.Values, s) {
			return fmt.Sprintf("must be one of %q", rule.Values)
		}
	case StringList:
		var list []string
		if json.Unmarshal(v, &list) != nil {
			return "must be a list of strings"
		}
	case PointList:
		return checkPoints(v)
	case FieldList:
		return checkFields(v)
	}
	return ""
}

var pointSchema = Schema{
	"lat": {Kind: Latitude, Required: true},
	"lon": {Kind: Longitude, Required: true},
}

func checkPoints(v json.RawMessage) string {
	var list []json.RawMessage
	if json.Unmarshal(v, &list) != nil {
		return "must be a list of points"
	}
	if len(list) < 2 {
		return "must contain at least two points"
	}
	for i, p := range list {
		if _, err := pointSchema.Validate(p, true); err != nil {
			return fmt.Sprintf("has an invalid point at index %d", i)
		}
	}
	return ""
}

var fieldSchema = Schema{
	"name":    {Kind: String, Required: true},
	"type":    {Kind: Enum, Required: true, Values: []string{FieldInput, FieldTextarea, FieldDropdown, FieldCheckbox}},
	"default": {Kind: String},
}

func checkFields(v json.RawMessage) string {
	var list []json.RawMessage
	if json.Unmarshal(v, &list) != nil {
		return "must be a list of fields"
	}
	seen := make(map[string]bool, len(list))
	for i, f := range list {
		// options arrive as objects, check them separately below
		var probe map[string]json.RawMessage
		if json.Unmarshal(f, &probe) != nil {
			return fmt.Sprintf("has an invalid field at index %d", i)
		}
		opts := probe["options"]
		delete(probe, "options")
		stripped, _ := json.Marshal(probe)
		p, err := fieldSchema.Validate(stripped, true)
		if err != nil {
			return fmt.Sprintf("has an invalid field at index %d", i)
		}
		if opts != nil && !isNull(opts) {
			var options []FieldOption
			if json.Unmarshal(opts, &options) != nil {
				return fmt.Sprintf("has invalid options at index %d", i)
			}
		}
		var name string
		_ = json.Unmarshal(p["name"], &name)
		if seen[name] {
			return fmt.Sprintf("has a duplicate field name %q", name)
		}
		seen[name] = true
	}
	return ""
}

// Has reports whether the field was present, including an explicit null.
func (p Payload) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// IsNull reports whether the field was sent as an explicit null.
func (p Payload) IsNull(name string) bool {
	v, ok := p[name]
	return ok && isNull(v)
}

// Decode unmarshals the validated fields into v.
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(map[string]json.RawMessage(p))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
