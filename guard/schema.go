package guard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// BodyVariable is the CEL variable holding the whole decoded body, used for
// presence checks such as has(body.description).
const BodyVariable = "body"

const maxSchemaFields = 200

// Schema maps the body fields a guard reads to their CEL type.
type Schema map[string]string

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var celTypes = map[string]*cel.Type{
	"int":       cel.IntType,
	"int64":     cel.IntType,
	"float64":   cel.DoubleType,
	"string":    cel.StringType,
	"bool":      cel.BoolType,
	"bytes":     cel.BytesType,
	"timestamp": cel.TimestampType,
	"duration":  cel.DurationType,
}

var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
	BodyVariable: true,
}

// Validate checks field names and types.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema must declare at least one field")
	}
	if len(s) > maxSchemaFields {
		return fmt.Errorf("schema declares %d fields, maximum allowed is %d", len(s), maxSchemaFields)
	}

	for name, typeName := range s {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("invalid field name %q: %w", name, err)
		}
		if strings.TrimSpace(typeName) != typeName {
			return fmt.Errorf("field %q has type with leading/trailing whitespace: %q", name, typeName)
		}
		if _, ok := celTypes[typeName]; !ok {
			return fmt.Errorf("field %q has invalid type %q (must be one of: int, int64, float64, string, bool, bytes, timestamp, duration)", name, typeName)
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// NewEnv creates a CEL environment with one typed variable per schema field
// plus the body map.
func NewEnv(schema Schema) (*cel.Env, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	opts := []cel.EnvOption{
		cel.Variable(BodyVariable, cel.MapType(cel.StringType, cel.DynType)),
	}
	for name, typeName := range schema {
		opts = append(opts, cel.Variable(name, celTypes[typeName]))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Facts decodes a JSON body into CEL activation values. Fields missing from
// the body, or null, take the zero value of their declared type.
func (s Schema) Facts(body []byte) (map[string]any, error) {
	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var decoded map[string]any
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("body must be a JSON object")
		}
		if decoded != nil {
			payload = decoded
		}
	}

	facts := make(map[string]any, len(s)+1)
	for name, typeName := range s {
		v, err := coerce(typeName, payload[name])
		if err != nil {
			return nil, fmt.Errorf("field %s %w", name, err)
		}
		facts[name] = v
	}
	facts[BodyVariable] = plain(payload)
	return facts, nil
}

func coerce(typeName string, v any) (any, error) {
	if v == nil {
		return zeroValue(typeName), nil
	}

	switch typeName {
	case "int", "int64":
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			f, err := x.Float64()
			if err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
				return int64(f), nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i, nil
			}
		}
	case "float64":
		switch x := v.(type) {
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, nil
			}
		}
	case "string":
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case "bool":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b, nil
			}
		}
	case "bytes":
		if x, ok := v.(string); ok {
			return []byte(x), nil
		}
	case "timestamp":
		if x, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, x); err == nil {
				return t, nil
			}
		}
	case "duration":
		if x, ok := v.(string); ok {
			if d, err := time.ParseDuration(x); err == nil {
				return d, nil
			}
		}
	}

	return nil, fmt.Errorf("must be %s", typeName)
}

func zeroValue(typeName string) any {
	switch typeName {
	case "int", "int64":
		return int64(0)
	case "float64":
		return 0.0
	case "string":
		return ""
	case "bool":
		return false
	case "bytes":
		return []byte{}
	case "timestamp":
		return time.Time{}
	case "duration":
		return time.Duration(0)
	}
	return nil
}

// plain replaces json.Number values with float64 so the body map can be handed to CEL.
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	}
	return v
}
