package shac

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Sample is a decoded, user-facing record mapping parameter name to value.
// Iteration order is not defined by the map itself; callers needing
// declaration order should consult the owning ParameterSpace.
type Sample map[string]any

// Clone returns a shallow copy of s.
func (s Sample) Clone() Sample {
	out := make(Sample, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ParameterSpace is an ordered, immutable-after-construction collection of
// Parameters. Joint samples and encoded rows share this schema exactly;
// declaration order fixes both the encoded-vector layout and the persisted
// CSV column order.
type ParameterSpace struct {
	params []Parameter
	index  map[string]int
}

// NewParameterSpace builds a space from an ordered list of Parameters. Names
// must be unique; NewParameterSpace panics on a duplicate name, since a
// colliding schema is a programming error, not a runtime condition.
func NewParameterSpace(params ...Parameter) *ParameterSpace {
	index := make(map[string]int, len(params))
	for i, p := range params {
		if _, dup := index[p.Name()]; dup {
			panic("shac: duplicate parameter name " + p.Name())
		}
		index[p.Name()] = i
	}
	return &ParameterSpace{params: params, index: index}
}

// Arity returns the number of declared parameters.
func (ps *ParameterSpace) Arity() int { return len(ps.params) }

// Names returns parameter names in declaration order.
func (ps *ParameterSpace) Names() []string {
	names := make([]string, len(ps.params))
	for i, p := range ps.params {
		names[i] = p.Name()
	}
	return names
}

// Sample draws one value per parameter independently, using rng.
func (ps *ParameterSpace) Sample(rng *rand.Rand) Sample {
	s := make(Sample, len(ps.params))
	for _, p := range ps.params {
		s[p.Name()] = p.Sample(rng)
	}
	return s
}

// Encode returns the deterministic encoded vector for s, in declaration
// order. Length equals Arity.
func (ps *ParameterSpace) Encode(s Sample) []float64 {
	out := make([]float64, len(ps.params))
	for i, p := range ps.params {
		out[i] = p.Encode(s[p.Name()])
	}
	return out
}

// Decode is the inverse of Encode on numeric dimensions; for Discrete
// dimensions it rounds to the nearest valid ordinal index. vec must have
// length Arity.
func (ps *ParameterSpace) Decode(vec []float64) (Sample, error) {
	if len(vec) != len(ps.params) {
		return nil, newErrorf(SchemaMismatch, nil,
			"decode: expected vector of length %d, got %d", len(ps.params), len(vec))
	}
	s := make(Sample, len(ps.params))
	for i, p := range ps.params {
		s[p.Name()] = p.Decode(vec[i])
	}
	return s, nil
}

// Validate reports a SchemaMismatch error if s does not conform to ps: every
// declared parameter must be present and no extra keys may be present.
func (ps *ParameterSpace) Validate(s Sample) error {
	if len(s) != len(ps.params) {
		return newErrorf(SchemaMismatch, nil,
			"sample has %d fields, space declares %d", len(s), len(ps.params))
	}
	for _, p := range ps.params {
		if _, ok := s[p.Name()]; !ok {
			return newErrorf(SchemaMismatch, nil, "sample missing field %q", p.Name())
		}
	}
	return nil
}

// parameterSchema is the JSON-serializable form of one Parameter, used by
// parameters.json.
type parameterSchema struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Low    float64  `json:"low,omitempty"`
	High   float64  `json:"high,omitempty"`
	Mean   float64  `json:"mean,omitempty"`
	StdDev float64  `json:"std_dev,omitempty"`
	Values []any    `json:"values,omitempty"`
	Dtype  string   `json:"dtype,omitempty"`
}

// schema renders ps as its persisted JSON schema representation.
func (ps *ParameterSpace) schema() ([]parameterSchema, error) {
	out := make([]parameterSchema, len(ps.params))
	for i, p := range ps.params {
		switch v := p.(type) {
		case *Discrete:
			dtype := "string"
			switch v.kind {
			case discreteInt:
				dtype = "int"
			case discreteReal:
				dtype = "real"
			}
			out[i] = parameterSchema{Name: v.Name(), Kind: "discrete", Values: v.Values(), Dtype: dtype}
		case *UniformContinuous:
			out[i] = parameterSchema{Name: v.Name(), Kind: "uniform_continuous", Low: v.Low, High: v.High}
		case *NormalContinuous:
			out[i] = parameterSchema{Name: v.Name(), Kind: "normal_continuous", Mean: v.Mean, StdDev: v.StdDev}
		default:
			return nil, errors.Errorf("shac: unknown parameter kind %T for %q", p, p.Name())
		}
	}
	return out, nil
}

// parameterSpaceFromSchema reconstructs a ParameterSpace from its persisted
// JSON schema, the inverse of (*ParameterSpace).schema.
func parameterSpaceFromSchema(schemas []parameterSchema) (*ParameterSpace, error) {
	params := make([]Parameter, len(schemas))
	for i, sch := range schemas {
		switch sch.Kind {
		case "discrete":
			switch sch.Dtype {
			case "int":
				vals := make([]int64, len(sch.Values))
				for j, v := range sch.Values {
					vals[j] = int64(toFloat(v))
				}
				params[i] = NewDiscrete(sch.Name, vals)
			case "real":
				vals := make([]float64, len(sch.Values))
				for j, v := range sch.Values {
					vals[j] = toFloat(v)
				}
				params[i] = NewDiscrete(sch.Name, vals)
			default:
				vals := make([]string, len(sch.Values))
				for j, v := range sch.Values {
					vals[j], _ = v.(string)
				}
				params[i] = NewDiscrete(sch.Name, vals)
			}
		case "uniform_continuous":
			params[i] = NewUniformContinuous(sch.Name, sch.Low, sch.High)
		case "normal_continuous":
			params[i] = NewNormalContinuous(sch.Name, sch.Mean, sch.StdDev)
		default:
			return nil, newErrorf(SchemaMismatch, nil, "unknown parameter kind %q for %q", sch.Kind, sch.Name)
		}
	}
	return NewParameterSpace(params...), nil
}

// toFloat narrows a decoded JSON number (always float64 via encoding/json) to
// float64; defensive against a non-numeric value sneaking into a numeric
// discrete list.
func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
