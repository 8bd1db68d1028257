// Package schema holds the canonical form of an experiment's parameter space and the conversions between
// optimizer vectors, persisted parameter assignments and the scalars handed to callers.
package schema

import (
	"fmt"
	"math"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
)

type Type string

const (
	Int   Type = "int"
	Float Type = "float"
)

// MaxIntBound is the largest magnitude allowed for integer bounds: every integer up to it is exact in a float64.
const MaxIntBound = 1 << 53

var typeAliases = map[string]Type{
	"int":        Int,
	"integer":    Int,
	"float":      Float,
	"real":       Float,
	"continuous": Float,
}

// RawParameter is a parameter as declared by a user, before normalization.
type RawParameter struct {
	Name string  `json:"name" mapstructure:"name"`
	Type string  `json:"type" mapstructure:"type"`
	Min  float64 `json:"min" mapstructure:"min"`
	Max  float64 `json:"max" mapstructure:"max"`
	Size int     `json:"size,omitempty" mapstructure:"size"`
}

type Parameter struct {
	Name string
	Type Type
	Min  float64
	Max  float64
	// Number of values the parameter carries. Always 1 for now.
	Size int
}

// Contains reports whether v lies in the parameter's domain.
func (p Parameter) Contains(v float64) bool {
	if math.IsNaN(v) || v < p.Min || v > p.Max {
		return false
	}
	return p.Type != Int || v == math.Trunc(v)
}

// Schema is an ordered, validated set of parameters. The declaration order is the vector order.
type Schema struct {
	parameters []Parameter
	index      map[string]int
}

// Normalize validates a declared parameter space and maps type aliases onto their canonical type.
func Normalize(raw []RawParameter) (*Schema, error) {
	if len(raw) == 0 {
		return nil, schemaError("parameters", raw, "at least one parameter is required")
	}
	s := &Schema{
		parameters: make([]Parameter, 0, len(raw)),
		index:      make(map[string]int, len(raw)),
	}
	for _, r := range raw {
		p, err := normalizeParameter(r)
		if err != nil {
			return nil, err
		}
		if _, ok := s.index[p.Name]; ok {
			return nil, schemaError(p.Name, p.Name, "duplicate parameter name")
		}
		s.index[p.Name] = len(s.parameters)
		s.parameters = append(s.parameters, p)
	}
	return s, nil
}

func normalizeParameter(r RawParameter) (Parameter, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return Parameter{}, schemaError("name", r.Name, "parameter name must be non-empty")
	}
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(r.Type))]
	if !ok {
		return Parameter{}, schemaError(name, r.Type, "unsupported parameter type")
	}
	if math.IsNaN(r.Min) || math.IsInf(r.Min, 0) || math.IsNaN(r.Max) || math.IsInf(r.Max, 0) {
		return Parameter{}, schemaError(name, fmt.Sprintf("[%v, %v]", r.Min, r.Max), "bounds must be finite")
	}
	if r.Min > r.Max {
		return Parameter{}, schemaError(name, fmt.Sprintf("[%v, %v]", r.Min, r.Max), "min must not exceed max")
	}
	if t == Int && (r.Min != math.Trunc(r.Min) || r.Max != math.Trunc(r.Max)) {
		return Parameter{}, schemaError(name, fmt.Sprintf("[%v, %v]", r.Min, r.Max), "integer bounds must be integral")
	}
	if t == Int && (math.Abs(r.Min) > MaxIntBound || math.Abs(r.Max) > MaxIntBound) {
		return Parameter{}, schemaError(name, fmt.Sprintf("[%v, %v]", r.Min, r.Max),
			fmt.Sprintf("integer bounds must lie within [-%d, %d]", int64(MaxIntBound), int64(MaxIntBound)))
	}
	if math.IsInf(r.Max-r.Min, 0) {
		return Parameter{}, schemaError(name, fmt.Sprintf("[%v, %v]", r.Min, r.Max), "bounds are too far apart")
	}
	size := r.Size
	if size == 0 {
		size = 1
	}
	if size != 1 {
		return Parameter{}, schemaError(name, r.Size, "only parameters of size 1 are supported")
	}
	return Parameter{Name: name, Type: t, Min: r.Min, Max: r.Max, Size: size}, nil
}

// ValidateAssignment checks that params assigns an in-domain value to every parameter of s and to nothing else.
func ValidateAssignment(s *Schema, params map[string]float64) error {
	for name, v := range params {
		p, ok := s.Parameter(name)
		if !ok {
			return schemaError(name, v, "unknown parameter")
		}
		if !p.Contains(v) {
			return schemaError(name, v, fmt.Sprintf("outside the %s domain [%v, %v]", p.Type, p.Min, p.Max))
		}
	}
	for _, p := range s.parameters {
		if _, ok := params[p.Name]; !ok {
			return schemaError(p.Name, nil, "missing from assignment")
		}
	}
	return nil
}

func (s *Schema) Len() int {
	return len(s.parameters)
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.parameters))
	for i, p := range s.parameters {
		names[i] = p.Name
	}
	return names
}

func (s *Schema) Parameter(name string) (Parameter, bool) {
	i, ok := s.index[name]
	if !ok {
		return Parameter{}, false
	}
	return s.parameters[i], true
}

// Parameters returns a copy of the parameters in declaration order.
func (s *Schema) Parameters() []Parameter {
	return append([]Parameter(nil), s.parameters...)
}

// ToDocument encodes s as the list stored under the profile's parameters field.
func (s *Schema) ToDocument() []interface{} {
	result := make([]interface{}, len(s.parameters))
	for i, p := range s.parameters {
		result[i] = map[string]interface{}{
			"name": p.Name,
			"type": string(p.Type),
			"min":  p.Min,
			"max":  p.Max,
			"size": p.Size,
		}
	}
	return result
}

// FromDocument decodes a schema written by ToDocument.
func FromDocument(v interface{}) (*Schema, error) {
	var raw []RawParameter
	if err := mapstructure.Decode(v, &raw); err != nil {
		return nil, schemaError("parameters", v, err.Error())
	}
	return Normalize(raw)
}

func schemaError(name string, value interface{}, message string) error {
	return errors.WithStack(&spearminterrors.ErrSchema{Name: name, Value: value, Message: message})
}
