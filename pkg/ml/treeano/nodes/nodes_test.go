// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes_test

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	_ "github.com/jagill/treeano/backends/default"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/jagill/treeano/pkg/ml/treeano/inits"
	"github.com/jagill/treeano/pkg/ml/treeano/nodes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// call builds the tree and calls it once without updates, returning the output of the root.
func call(t *testing.T, root treeano.Node, inputs map[string]*tensors.Tensor) *tensors.Tensor {
	net, err := treeano.Build(root, treeano.WithSeed(3))
	require.NoError(t, err)
	outputs, err := net.Call(nil, inputs, []string{root.Name()}, false)
	require.NoError(t, err)
	return outputs[root.Name()]
}

func TestConvOutputLength(t *testing.T) {
	testCases := []struct {
		in, filter, stride int
		pad                any
		want               int
	}{
		{10, 3, 1, "valid", 8},
		{10, 3, 1, "same", 10},
		{10, 3, 1, "full", 12},
		{10, 3, 2, "valid", 4},
		{10, 3, 2, "same", 5},
		{10, 3, 1, 2, 12},
		{shapes.UnknownDim, 3, 1, "valid", shapes.UnknownDim},
	}
	for _, tc := range testCases {
		got, err := nodes.ConvOutputLength(tc.in, tc.filter, tc.stride, tc.pad)
		require.NoError(t, err)
		assert.Equalf(t, tc.want, got, "ConvOutputLength(%d, %d, %d, %v)", tc.in, tc.filter, tc.stride, tc.pad)
	}

	for _, pad := range []any{"unknown", -1, 1.5} {
		_, err := nodes.ConvOutputLength(10, 3, 1, pad)
		require.Errorf(t, err, "pad %v", pad)
	}
	_, err := nodes.ConvOutputLength(10, 4, 1, "same")
	require.Error(t, err, "same padding requires an odd filter size")
	_, err = nodes.ConvOutputLength(10, 3, 0, "valid")
	require.Error(t, err)
}

func TestConv1D(t *testing.T) {
	x := tensors.FromValue([][][]float32{{{1, 2, 3, 4, 5}}})
	for _, tc := range []struct {
		pad  any
		want [][][]float32
	}{
		{"valid", [][][]float32{{{6, 9, 12}, {6, 9, 12}}}},
		{"same", [][][]float32{{{3, 6, 9, 12, 9}, {3, 6, 9, 12, 9}}}},
	} {
		root := nodes.Hyperparameter("hp", treeano.H{"inits": "constant:1", "conv_pad": tc.pad},
			nodes.Sequential("model",
				nodes.Input("x", treeano.H{"shape": []int{-1, 1, 5}}),
				nodes.Conv1D("conv", treeano.H{"num_filters": 2, "filter_size": 3})))
		got := call(t, root, map[string]*tensors.Tensor{"x": x})
		assert.Equalf(t, tc.want, got.Value(), "pad %v", tc.pad)
	}

	// Too short input.
	_, err := treeano.Build(nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 1, 2}}),
		nodes.Conv1D("conv", treeano.H{"num_filters": 2, "filter_size": 3})))
	var shapeErr *treeano.ShapeError
	require.True(t, errors.As(err, &shapeErr))
}

func TestActivations(t *testing.T) {
	x := tensors.FromValue([][]float32{{-1, 0, 2}, {1000, 1000, 1000}})
	input := func() treeano.Node { return nodes.Input("x", treeano.H{"shape": []int{-1, 3}}) }
	inputs := map[string]*tensors.Tensor{"x": x}

	got := call(t, nodes.Sequential("model", input(), nodes.ReLU("act")), inputs)
	assert.Equal(t, [][]float32{{0, 0, 2}, {1000, 1000, 1000}}, got.Value())

	got = call(t, nodes.Sequential("model", input(), nodes.Softmax("act")), inputs)
	probabilities := got.Value().([][]float32)
	for _, row := range probabilities {
		var sum float64
		for _, p := range row {
			sum += float64(p)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	assert.InDelta(t, 1.0/3, probabilities[1][0], 1e-5, "softmax is stable for large values")
	assert.Greater(t, probabilities[0][2], probabilities[0][1])

	got = call(t, nodes.Sequential("model", input(), nodes.Sigmoid("act")), inputs)
	assert.InDelta(t, 0.5, got.Value().([][]float32)[0][1], 1e-6)

	got = call(t, nodes.Sequential("model", input(), nodes.Tanh("act")), inputs)
	assert.InDelta(t, math.Tanh(2), got.Value().([][]float32)[0][2], 1e-6)
}

func TestDropout(t *testing.T) {
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 10, 100))
	flat := x.Flat64()
	for ii := range flat {
		flat[ii] = 1
	}
	root := nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 100}}),
		nodes.Dropout("dropout", treeano.H{"dropout_probability": 0.25}))
	net, err := treeano.Build(root, treeano.WithSeed(5))
	require.NoError(t, err)
	inputs := map[string]*tensors.Tensor{"x": x}

	outputs, err := net.Call(nil, inputs, []string{"model"}, false)
	require.NoError(t, err)
	var zeros int
	for _, v := range outputs["model"].Flat64() {
		if v == 0 {
			zeros++
		} else {
			require.InDelta(t, 1/0.75, v, 1e-5)
		}
	}
	assert.InDelta(t, 250, zeros, 60)

	outputs, err = net.Call(treeano.H{"deterministic": true}, inputs, []string{"model"}, false)
	require.NoError(t, err)
	assert.True(t, x.InDelta(outputs["model"], 0))

	_, err = treeano.Build(nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 100}}),
		nodes.Dropout("dropout", treeano.H{"probability": 1.0})))
	require.Error(t, err)
}

func TestConstant(t *testing.T) {
	got := call(t, nodes.Constant("c", treeano.H{"value": []float32{1, 2}, "dtype": "float64"}), nil)
	assert.Equal(t, []float64{1, 2}, got.Value())
}

// costOf builds a TotalCost node over constant predictions and targets, and returns its value.
func costOf(t *testing.T, hyperparameters treeano.H, pred, target any) float64 {
	root := nodes.TotalCost("cost", hyperparameters,
		nodes.Constant("pred", treeano.H{"value": pred}),
		nodes.Constant("target", treeano.H{"value": target}))
	return call(t, root, nil).ScalarValue()
}

func TestTotalCost(t *testing.T) {
	pred := [][]float32{{1, 2}, {3, 4}}
	target := [][]float32{{1, 1}, {1, 1}}
	assert.InDelta(t, 14.0/4, costOf(t, nil, pred, target), 1e-5)
	assert.InDelta(t, 14.0, costOf(t, treeano.H{"cost_reduction": "sum"}, pred, target), 1e-5)

	assert.InDelta(t, math.Log(2), costOf(t, treeano.H{"loss_function": "binary_crossentropy"},
		[]float32{0.5, 0.5}, []float32{1, 0}), 1e-5)

	probabilities := [][]float32{{0.7, 0.2, 0.1}, {0.1, 0.1, 0.8}}
	want := -(math.Log(0.7) + math.Log(0.8)) / 2
	hp := treeano.H{"loss_function": "categorical_crossentropy"}
	assert.InDelta(t, want, costOf(t, hp, probabilities, [][]float32{{1, 0, 0}, {0, 0, 1}}), 1e-5)
	assert.InDelta(t, want, costOf(t, hp, probabilities, []int32{0, 2}), 1e-5, "class indices")

	// Custom loss functions.
	assert.InDelta(t, 1.5, costOf(t, treeano.H{"loss_function": nodes.LossFunction(func(pred, target *graph.Node) *graph.Node {
		return graph.Sub(pred, target)
	})}, pred, target), 1e-5)

	_, err := treeano.Build(nodes.TotalCost("cost", treeano.H{"loss_function": "hinge"},
		nodes.Constant("pred", treeano.H{"value": pred}),
		nodes.Constant("target", treeano.H{"value": target})))
	var constructionErr *treeano.ConstructionError
	require.True(t, errors.As(err, &constructionErr))
	assert.Equal(t, "cost", constructionErr.Node)
}

// regression returns a tree that fits y = 2*x1 - x2 + 1 with the given optimizer, and a batch of data.
func regression(optimizer func(subtree, cost treeano.Node) treeano.Node) (treeano.Node, map[string]*tensors.Tensor) {
	model := nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
		nodes.Dense("dense", treeano.H{"num_units": 1}))
	cost := nodes.TotalCost("cost", nil,
		nodes.Reference("pred", treeano.H{"reference": "model"}),
		nodes.Input("y", treeano.H{"shape": []int{-1, 1}}))
	root := nodes.Hyperparameter("hp", treeano.H{"inits": []treeano.Initializer{inits.Uniform(-0.1, 0.1)}},
		optimizer(model, cost))
	xs := [][]float32{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, -1}, {-1, 2}}
	ys := make([][]float32, len(xs))
	for ii, x := range xs {
		ys[ii] = []float32{2*x[0] - x[1] + 1}
	}
	return root, map[string]*tensors.Tensor{"x": tensors.FromValue(xs), "y": tensors.FromValue(ys)}
}

func train(t *testing.T, root treeano.Node, inputs map[string]*tensors.Tensor, steps int) (first, last float64) {
	net, err := treeano.Build(root, treeano.WithSeed(11))
	require.NoError(t, err)
	for step := range steps {
		outputs, err := net.Call(nil, inputs, []string{"cost"}, true)
		require.NoError(t, err)
		if step == 0 {
			first = outputs["cost"].ScalarValue()
		}
		last = outputs["cost"].ScalarValue()
	}
	return first, last
}

func TestSGD(t *testing.T) {
	root, inputs := regression(func(subtree, cost treeano.Node) treeano.Node {
		return nodes.SGD("sgd", treeano.H{"learning_rate": 0.1}, subtree, cost)
	})
	first, last := train(t, root, inputs, 200)
	assert.Less(t, last, first/100)
}

func TestAdam(t *testing.T) {
	root, inputs := regression(func(subtree, cost treeano.Node) treeano.Node {
		return nodes.Adam("adam", treeano.H{"learning_rate": 0.05}, subtree, cost)
	})
	net, err := treeano.Build(root)
	require.NoError(t, err)
	assert.NotNil(t, net.Variable("adam:t"))
	assert.NotNil(t, net.Variable("adam:m(dense_linear:W)"))
	assert.NotNil(t, net.Variable("adam:v(dense_bias:b)"))
	assert.Len(t, net.VariablesWithTags(treeano.TagState), 5)
	assert.Equal(t, 7, net.Updates().Len(), "parameters and state")

	first, last := train(t, root, inputs, 300)
	assert.Less(t, last, first/20)
}

func TestOptimizerRequiresScalarCost(t *testing.T) {
	model := nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
		nodes.Dense("dense", treeano.H{"num_units": 1}))
	_, err := treeano.Build(nodes.SGD("sgd", nil, model, nodes.Reference("cost", treeano.H{"reference": "model"})))
	var shapeErr *treeano.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "sgd", shapeErr.Name)
}

func TestRegistry(t *testing.T) {
	registry := nodes.Registry()
	for _, typeName := range []string{"input", "identity", "reference", "constant", "sequential", "container",
		"hyperparameter", "dense", "linear_mapping", "add_bias", "relu", "sigmoid", "tanh", "softmax", "dropout",
		"conv_1d", "total_cost", "sgd", "adam"} {
		assert.Truef(t, registry.Has(typeName), "missing node type %q", typeName)
	}

	x, err := registry.New("input", "x", treeano.H{"shape": []any{nil, 2}}, nil)
	require.NoError(t, err)
	dense, err := registry.New("dense", "dense", treeano.H{"num_units": 3}, nil)
	require.NoError(t, err)
	seq, err := registry.New("sequential", "model", nil, []treeano.Node{x, dense})
	require.NoError(t, err)
	net, err := treeano.Build(seq)
	require.NoError(t, err)
	output, err := net.ResolveVariable("model")
	require.NoError(t, err)
	assert.Equal(t, []int{shapes.UnknownDim, 3}, output.Shape().Dimensions)

	_, err = registry.New("relu", "relu", nil, []treeano.Node{x})
	require.Error(t, err, "relu takes no children")
	_, err = registry.New("sgd", "sgd", nil, []treeano.Node{x})
	require.Error(t, err, "sgd takes 2 children")
	_, err = registry.New("sequential", "model", treeano.H{"a": 1}, nil)
	require.Error(t, err, "sequential takes no hyperparameters")
}
