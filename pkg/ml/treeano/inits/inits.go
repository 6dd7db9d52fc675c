// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inits implements treeano.Initializer policies for shared variables.
//
// Initializers are given to nodes through the "inits" hyperparameter, usually at the root of the tree or
// in a Hyperparameter node, and are tried in order: the first one that applies to a variable is used.
// Filters like WithTags restrict where an initializer applies:
//
//	inits := []treeano.Initializer{
//		inits.WithTags(inits.Constant(0), treeano.TagBias),
//		inits.GlorotUniform(),
//	}
package inits

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
)

// generator implements treeano.Initializer with a function generating one value per element.
type generator struct {
	name string
	fn   func(rng *rand.Rand) float64
}

// Applies implements treeano.Initializer: generators apply to all variables.
func (g *generator) Applies(*treeano.VariableWrapper) bool { return true }

// Initialize implements treeano.Initializer.
func (g *generator) Initialize(vw *treeano.VariableWrapper, rng *rand.Rand) *tensors.Tensor {
	return generate(vw.Shape(), rng, g.fn)
}

func (g *generator) String() string { return g.name }

func generate(shape shapes.Shape, rng *rand.Rand, fn func(rng *rand.Rand) float64) *tensors.Tensor {
	flat := make([]float64, shape.Size())
	for ii := range flat {
		flat[ii] = fn(rng)
	}
	return tensors.FromFlat64(shape, flat)
}

// Constant initializes variables with the given value.
func Constant(value float64) treeano.Initializer {
	return &generator{
		name: fmt.Sprintf("Constant(%g)", value),
		fn:   func(*rand.Rand) float64 { return value },
	}
}

// Uniform initializes variables with random values uniformly distributed in [minValue, maxValue).
func Uniform(minValue, maxValue float64) treeano.Initializer {
	return &generator{
		name: fmt.Sprintf("Uniform(%g, %g)", minValue, maxValue),
		fn:   func(rng *rand.Rand) float64 { return minValue + rng.Float64()*(maxValue-minValue) },
	}
}

// Normal initializes variables with random values from a normal distribution.
func Normal(mean, stddev float64) treeano.Initializer {
	return &generator{
		name: fmt.Sprintf("Normal(%g, %g)", mean, stddev),
		fn:   func(rng *rand.Rand) float64 { return mean + rng.NormFloat64()*stddev },
	}
}

// computeFanInFanOut of a variable expected to be the weights of either a dense layer ([in, out]) or
// a 1D convolution ([outChannels, inChannels, filterSize]).
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	switch shape.Rank() {
	case 0:
		return 1, 1
	case 1:
		return shape.Dimensions[0], shape.Dimensions[0]
	case 2:
		return shape.Dimensions[0], shape.Dimensions[1]
	default:
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[2:] {
			receptiveFieldSize *= dim
		}
		return shape.Dimensions[1] * receptiveFieldSize, shape.Dimensions[0] * receptiveFieldSize
	}
}

type glorot struct {
	normal bool
	gain   float64
}

// GlorotUniform returns a Glorot (also called Xavier) initializer: it draws samples uniformly from
// [-limit, limit], where limit = gain * sqrt(6 / (fanIn + fanOut)).
//
// It applies only to variables of rank >= 2: weights of dense layers or convolutions. Biases are left
// for the following initializers (or zeros).
func GlorotUniform() treeano.Initializer { return &glorot{gain: 1} }

// GlorotNormal is like GlorotUniform, but draws from a normal distribution with
// stddev = gain * sqrt(2 / (fanIn + fanOut)).
func GlorotNormal() treeano.Initializer { return &glorot{normal: true, gain: 1} }

// Applies implements treeano.Initializer.
func (i *glorot) Applies(vw *treeano.VariableWrapper) bool { return vw.Shape().Rank() >= 2 }

// Initialize implements treeano.Initializer.
func (i *glorot) Initialize(vw *treeano.VariableWrapper, rng *rand.Rand) *tensors.Tensor {
	fanIn, fanOut := computeFanInFanOut(vw.Shape())
	scale := max(1.0, float64(fanIn+fanOut))
	if i.normal {
		stddev := i.gain * math.Sqrt(2.0/scale)
		return generate(vw.Shape(), rng, func(rng *rand.Rand) float64 { return rng.NormFloat64() * stddev })
	}
	limit := i.gain * math.Sqrt(6.0/scale)
	return generate(vw.Shape(), rng, func(rng *rand.Rand) float64 { return (2*rng.Float64() - 1) * limit })
}

func (i *glorot) String() string {
	if i.normal {
		return "GlorotNormal"
	}
	return "GlorotUniform"
}

// filter restricts where an initializer applies.
type filter struct {
	treeano.Initializer
	name    string
	applies func(vw *treeano.VariableWrapper) bool
}

// Applies implements treeano.Initializer.
func (f *filter) Applies(vw *treeano.VariableWrapper) bool {
	return f.applies(vw) && f.Initializer.Applies(vw)
}

func (f *filter) String() string { return fmt.Sprintf("%s(%v)", f.name, f.Initializer) }

// WithTags restricts init to variables with all the given tags.
func WithTags(init treeano.Initializer, tags ...string) treeano.Initializer {
	return &filter{
		Initializer: init,
		name:        fmt.Sprintf("WithTags%v", tags),
		applies: func(vw *treeano.VariableWrapper) bool {
			for _, tag := range tags {
				if !vw.HasTag(tag) {
					return false
				}
			}
			return true
		},
	}
}

// ForVariables restricts init to the variables with the given full names.
func ForVariables(init treeano.Initializer, names ...string) treeano.Initializer {
	return &filter{
		Initializer: init,
		name:        fmt.Sprintf("ForVariables%v", names),
		applies:     func(vw *treeano.VariableWrapper) bool { return slices.Contains(names, vw.Name()) },
	}
}

// Preset initializes variables with the given values, by variable full name. It applies only to the
// variables listed. The values must have the variable's shape.
func Preset(values map[string]*tensors.Tensor) treeano.Initializer { return preset(values) }

type preset map[string]*tensors.Tensor

// Applies implements treeano.Initializer.
func (p preset) Applies(vw *treeano.VariableWrapper) bool {
	_, found := p[vw.Name()]
	return found
}

// Initialize implements treeano.Initializer.
func (p preset) Initialize(vw *treeano.VariableWrapper, _ *rand.Rand) *tensors.Tensor {
	value := p[vw.Name()]
	if !value.Shape().Equal(vw.Shape()) {
		exceptions.Panicf("Preset value for %q has shape %s, but the variable has shape %s", vw.Name(), value.Shape(), vw.Shape())
	}
	return value.Clone()
}

func (p preset) String() string { return fmt.Sprintf("Preset(%d variables)", len(p)) }

// Parse an initializer description, as used in declarative node specs: "zeros", "glorot_uniform",
// "glorot_normal", "constant:<value>", "uniform:<min>,<max>" or "normal:<mean>,<stddev>".
func Parse(description string) (treeano.Initializer, error) {
	name, args, _ := strings.Cut(description, ":")
	var values []float64
	if args != "" {
		for _, part := range strings.Split(args, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing initializer %q", description)
			}
			values = append(values, v)
		}
	}
	wantArgs := func(n int) error {
		if len(values) != n {
			return errors.Errorf("initializer %q takes %d arguments, got %d", name, n, len(values))
		}
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "zeros", "zero":
		if err := wantArgs(0); err != nil {
			return nil, err
		}
		return Constant(0), nil
	case "glorot_uniform", "xavier_uniform":
		if err := wantArgs(0); err != nil {
			return nil, err
		}
		return GlorotUniform(), nil
	case "glorot_normal", "xavier_normal":
		if err := wantArgs(0); err != nil {
			return nil, err
		}
		return GlorotNormal(), nil
	case "constant":
		if err := wantArgs(1); err != nil {
			return nil, err
		}
		return Constant(values[0]), nil
	case "uniform":
		if err := wantArgs(2); err != nil {
			return nil, err
		}
		return Uniform(values[0], values[1]), nil
	case "normal":
		if err := wantArgs(2); err != nil {
			return nil, err
		}
		return Normal(values[0], values[1]), nil
	}
	return nil, errors.Errorf("unknown initializer %q", description)
}
