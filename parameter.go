package shac

import (
	"math"
	"math/rand"
)

// Parameter declares one dimension of a search space. Implementations sample a
// value, encode it to a real for classifier input, and decode a real back to a
// value. Names are unique within a ParameterSpace.
type Parameter interface {
	// Name returns the parameter's identifier, unique within its space.
	Name() string

	// Sample draws one value using rng.
	Sample(rng *rand.Rand) any

	// Encode maps a value to its real-valued classifier-input representation.
	// Identity for numeric kinds; 0-based ordinal index for Discrete.
	Encode(v any) float64

	// Decode is the inverse of Encode on numeric kinds. For Discrete, it rounds
	// to the nearest valid ordinal index, clamped to [0, len(values)-1].
	Decode(f float64) any
}

// discreteKind tags the uniform value type of a Discrete parameter.
type discreteKind int

const (
	discreteInt discreteKind = iota
	discreteReal
	discreteString
)

// Discrete is a parameter sampled uniformly from an ordered list of values of
// a single type (integer, real, or string). Encoding uses the 0-based index in
// the declared list; equality is by index, not by value.
type Discrete struct {
	name   string
	values []any
	kind   discreteKind
}

// NewDiscrete builds a Discrete parameter over an ordered list of values
// sharing type T (int64, float64, or string). Order is significant: it fixes
// the ordinal index used by Encode/Decode.
func NewDiscrete[T int64 | float64 | string](name string, values []T) *Discrete {
	anyValues := make([]any, len(values))
	var kind discreteKind
	switch any(values).(type) {
	case []int64:
		kind = discreteInt
	case []float64:
		kind = discreteReal
	default:
		kind = discreteString
	}
	for i, v := range values {
		anyValues[i] = v
	}
	return &Discrete{name: name, values: anyValues, kind: kind}
}

func (d *Discrete) Name() string { return d.name }

// Sample draws uniformly over the declared value list.
func (d *Discrete) Sample(rng *rand.Rand) any {
	return d.values[rng.Intn(len(d.values))]
}

// Encode returns the 0-based index of v in the declared list, or -1 if v is
// not present (callers should only ever pass values produced by Sample or
// Decode).
func (d *Discrete) Encode(v any) float64 {
	for i, candidate := range d.values {
		if candidate == v {
			return float64(i)
		}
	}
	return -1
}

// Decode rounds f to the nearest valid ordinal index, clamping to the list
// bounds.
func (d *Discrete) Decode(f float64) any {
	idx := int(math.Round(f))
	if idx < 0 {
		idx = 0
	}
	if idx > len(d.values)-1 {
		idx = len(d.values) - 1
	}
	return d.values[idx]
}

// Values returns a copy of the declared value list, in declaration order.
func (d *Discrete) Values() []any {
	out := make([]any, len(d.values))
	copy(out, d.values)
	return out
}

// UniformContinuous is a parameter sampled uniformly from the half-open
// interval [Low, High).
type UniformContinuous struct {
	name string
	Low  float64
	High float64
}

// NewUniformContinuous builds a UniformContinuous parameter. low must be <=
// high.
func NewUniformContinuous(name string, low, high float64) *UniformContinuous {
	return &UniformContinuous{name: name, Low: low, High: high}
}

func (u *UniformContinuous) Name() string { return u.name }

func (u *UniformContinuous) Sample(rng *rand.Rand) any {
	return u.Low + rng.Float64()*(u.High-u.Low)
}

func (u *UniformContinuous) Encode(v any) float64 { return v.(float64) }

func (u *UniformContinuous) Decode(f float64) any { return f }

// NormalContinuous is a parameter sampled from N(Mean, StdDev^2), unclipped:
// draws are not bounded to any range, per the engine's chosen interpretation
// of an otherwise unspecified behavior.
type NormalContinuous struct {
	name   string
	Mean   float64
	StdDev float64
}

// NewNormalContinuous builds a NormalContinuous parameter. StdDev must be > 0.
func NewNormalContinuous(name string, mean, stdDev float64) *NormalContinuous {
	return &NormalContinuous{name: name, Mean: mean, StdDev: stdDev}
}

func (n *NormalContinuous) Name() string { return n.name }

func (n *NormalContinuous) Sample(rng *rand.Rand) any {
	return n.Mean + rng.NormFloat64()*n.StdDev
}

func (n *NormalContinuous) Encode(v any) float64 { return v.(float64) }

func (n *NormalContinuous) Decode(f float64) any { return f }
