// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inits_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/jagill/treeano/pkg/ml/treeano/inits"
	"github.com/jagill/treeano/pkg/ml/treeano/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// initialize builds a dense layer from numInputs to numUnits with the given "inits" hyperparameter,
// and returns the initial values of its weights and bias.
func initialize(t *testing.T, numInputs, numUnits int, initsHP any) (w, b []float64) {
	root := nodes.Hyperparameter("hp", treeano.H{"inits": initsHP},
		nodes.Sequential("model",
			nodes.Input("x", treeano.H{"shape": []int{-1, numInputs}}),
			nodes.Dense("dense", treeano.H{"num_units": numUnits})))
	net, err := treeano.Build(root, treeano.WithSeed(7))
	require.NoError(t, err)
	return net.Variable("dense_linear:W").Value().Flat64(), net.Variable("dense_bias:b").Value().Flat64()
}

func meanAndStddev(values []float64) (mean, stddev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		stddev += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(stddev / float64(len(values)))
}

func TestGenerators(t *testing.T) {
	w, b := initialize(t, 3, 2, inits.Constant(0.5))
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, w)
	assert.Equal(t, []float64{0.5, 0.5}, b)

	w, _ = initialize(t, 100, 100, inits.Uniform(-2, -1))
	for _, v := range w {
		require.True(t, v >= -2 && v < -1, "value %g out of range", v)
	}

	w, _ = initialize(t, 100, 100, inits.Normal(1, 0.1))
	mean, stddev := meanAndStddev(w)
	assert.InDelta(t, 1.0, mean, 0.01)
	assert.InDelta(t, 0.1, stddev, 0.01)
}

func TestGlorot(t *testing.T) {
	w, b := initialize(t, 40, 60, inits.GlorotUniform())
	limit := math.Sqrt(6.0 / 100)
	for _, v := range w {
		require.True(t, math.Abs(v) <= limit, "value %g out of [-%g, %g]", v, limit, limit)
	}
	_, stddev := meanAndStddev(w)
	assert.InDelta(t, limit/math.Sqrt(3), stddev, 0.02)
	assert.Equal(t, make([]float64, 60), b, "biases are not initialized by Glorot")

	w, _ = initialize(t, 40, 60, inits.GlorotNormal())
	_, stddev = meanAndStddev(w)
	assert.InDelta(t, math.Sqrt(2.0/100), stddev, 0.02)

	// Convolution filters [numFilters, channels, filterSize]: fanIn = 4*3, fanOut = 8*3.
	root := nodes.Hyperparameter("hp", treeano.H{"inits": "glorot_uniform"},
		nodes.Sequential("model",
			nodes.Input("x", treeano.H{"shape": []int{-1, 4, 10}}),
			nodes.Conv1D("conv", treeano.H{"num_filters": 8, "filter_size": 3})))
	net, err := treeano.Build(root, treeano.WithSeed(1))
	require.NoError(t, err)
	limit = math.Sqrt(6.0 / 36)
	for _, v := range net.Variable("conv:W").Value().Flat64() {
		require.True(t, math.Abs(v) <= limit)
	}
}

func TestFilters(t *testing.T) {
	w, b := initialize(t, 2, 2, []treeano.Initializer{
		inits.WithTags(inits.Constant(3), treeano.TagBias),
		inits.Constant(1),
	})
	assert.Equal(t, []float64{1, 1, 1, 1}, w)
	assert.Equal(t, []float64{3, 3}, b)

	w, b = initialize(t, 2, 2, []treeano.Initializer{
		inits.ForVariables(inits.Constant(2), "dense_linear:W"),
	})
	assert.Equal(t, []float64{2, 2, 2, 2}, w)
	assert.Equal(t, []float64{0, 0}, b)

	w, _ = initialize(t, 2, 1, inits.Preset(map[string]*tensors.Tensor{
		"dense_linear:W": tensors.FromValue([][]float32{{5}, {6}}),
	}))
	assert.Equal(t, []float64{5, 6}, w)

	// Initializers from a declarative list.
	w, b = initialize(t, 2, 2, []any{"constant:4"})
	assert.Equal(t, []float64{4, 4, 4, 4}, w)
	assert.Equal(t, []float64{4, 4}, b)
}

func TestParse(t *testing.T) {
	for _, description := range []string{"zeros", "glorot_uniform", "xavier_uniform", "glorot_normal", "constant:1.5",
		"uniform:-1,1", "normal:0, 0.1", "Constant:2"} {
		init, err := inits.Parse(description)
		require.NoErrorf(t, err, "parsing %q", description)
		require.NotNil(t, init)
	}
	init, err := inits.Parse("uniform:-1,1")
	require.NoError(t, err)
	assert.Equal(t, "Uniform(-1, 1)", fmt.Sprint(init))

	for _, description := range []string{"", "ones", "constant", "constant:a", "uniform:1", "zeros:1"} {
		_, err := inits.Parse(description)
		require.Errorf(t, err, "parsing %q", description)
	}
}
