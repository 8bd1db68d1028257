package schema

import (
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
)

// Value is the persisted form of one parameter of an assignment.
type Value struct {
	Type   Type      `mapstructure:"type"`
	Values []float64 `mapstructure:"values"`
}

// Params is a structured parameter assignment as stored in job documents.
type Params map[string]Value

// Vectorify flattens params into an optimizer vector, taking the first value of every parameter
// in declaration order.
func Vectorify(s *Schema, params Params) ([]float64, error) {
	v := make([]float64, s.Len())
	for i, p := range s.parameters {
		value, ok := params[p.Name]
		if !ok {
			return nil, schemaError(p.Name, nil, "missing from assignment")
		}
		if len(value.Values) == 0 {
			return nil, schemaError(p.Name, value.Values, "no values")
		}
		v[i] = value.Values[0]
	}
	return v, nil
}

// Paramify is the inverse of Vectorify. Values are copied exactly, so Vectorify(Paramify(v)) == v.
func Paramify(s *Schema, v []float64) (Params, error) {
	if len(v) != s.Len() {
		return nil, schemaError("vector", v, fmt.Sprintf("length %d does not match %d parameters", len(v), s.Len()))
	}
	params := make(Params, s.Len())
	for i, p := range s.parameters {
		params[p.Name] = Value{Type: p.Type, Values: []float64{v[i]}}
	}
	return params, nil
}

// Simplify returns the value of every parameter as a plain scalar: int64 for integer parameters,
// rounded to the nearest integer, and float64 otherwise.
func Simplify(s *Schema, params Params) (map[string]interface{}, error) {
	v, err := Vectorify(s, params)
	if err != nil {
		return nil, err
	}
	result := make(map[string]interface{}, len(v))
	for i, p := range s.parameters {
		if p.Type == Int {
			result[p.Name] = int64(math.Round(v[i]))
		} else {
			result[p.Name] = v[i]
		}
	}
	return result, nil
}

// Scalars returns the first value of every parameter, the shape ValidateAssignment takes.
func (params Params) Scalars() map[string]float64 {
	result := make(map[string]float64, len(params))
	for name, value := range params {
		if len(value.Values) > 0 {
			result[name] = value.Values[0]
		}
	}
	return result
}

func (params Params) ToDocument() map[string]interface{} {
	result := make(map[string]interface{}, len(params))
	for name, value := range params {
		result[name] = map[string]interface{}{
			"type":   string(value.Type),
			"values": append([]float64(nil), value.Values...),
		}
	}
	return result
}

// ParamsFromDocument decodes the params field of a job document.
func ParamsFromDocument(v interface{}) (Params, error) {
	var params Params
	if err := mapstructure.Decode(v, &params); err != nil {
		return nil, schemaError("params", v, err.Error())
	}
	return params, nil
}
