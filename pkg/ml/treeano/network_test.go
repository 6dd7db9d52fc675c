// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano_test

import (
	"flag"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	_ "github.com/jagill/treeano/backends/default"
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

var flagVerbose = flag.Bool("verbose_summary", false, "Print network summaries in tests.")

// presetWeights makes the weights of "dense" deterministic: its bias is left to zeros.
var presetWeights = inits.Preset(map[string]*tensors.Tensor{
	"dense_linear:W": tensors.FromValue([][]float32{{1, 0}, {0, 1}, {1, -1}}),
})

func buildModel(t *testing.T, options ...treeano.Option) *treeano.Network {
	root := nodes.Hyperparameter("hp", treeano.H{"inits": []treeano.Initializer{presetWeights}},
		nodes.Sequential("model",
			nodes.Input("x", treeano.H{"shape": []int{-1, 3}}),
			nodes.Dense("dense", treeano.H{"num_units": 2}),
			nodes.ReLU("relu")))
	net, err := treeano.Build(root, options...)
	require.NoError(t, err)
	return net
}

func TestBuild(t *testing.T) {
	net := buildModel(t)
	if *flagVerbose {
		t.Log(net.Summary())
	}

	names := make([]string, 0, len(net.Variables()))
	for _, v := range net.Variables() {
		names = append(names, v.Name())
	}
	assert.Equal(t, []string{"x:default", "dense_linear:W", "dense_linear:default", "dense_bias:b",
		"dense_bias:default", "relu:default"}, names)

	w := net.Variable("dense_linear:W")
	require.NotNil(t, w)
	assert.True(t, w.IsShared())
	assert.Equal(t, []string{treeano.TagParameter, treeano.TagWeight}, w.Tags())
	assert.Equal(t, shapes.Make(w.Shape().DType, 3, 2), w.Shape())

	// Outputs are resolved through the nodes that take their children's outputs.
	for _, name := range []string{"model", "hp", "relu"} {
		output, err := net.ResolveVariable(name)
		require.NoError(t, err)
		assert.Equal(t, "relu:default", output.Name())
		assert.Equal(t, []int{shapes.UnknownDim, 2}, output.Shape().Dimensions)
	}
	dense, err := net.ResolveVariable("dense")
	require.NoError(t, err)
	assert.Equal(t, "dense_bias:default", dense.Name())

	assert.Len(t, net.VariablesWithTags(treeano.TagParameter), 2)
	assert.Equal(t, "model", net.Parent(net.Node("x")).Name())
	assert.Len(t, net.Children(net.Node("dense")), 2)
	assert.Equal(t, 2, net.SharedStore().Len())
}

func TestBuildTwice(t *testing.T) {
	net := treeano.NewNetwork(nodes.Input("x", treeano.H{"shape": []int{2}}))
	require.NoError(t, net.Build())
	err := net.Build()
	require.Error(t, err)
	var constructionErr *treeano.ConstructionError
	require.True(t, errors.As(err, &constructionErr))
	assert.Equal(t, "x", constructionErr.Node)
}

func TestConstructionErrors(t *testing.T) {
	testCases := []struct {
		name string
		root treeano.Node
		node string
	}{
		{"duplicate names", nodes.Sequential("seq",
			nodes.Input("x", treeano.H{"shape": []int{2}}),
			nodes.Identity("x", nil)), "x"},
		{"unknown hyperparameter", nodes.Sequential("seq",
			nodes.Input("x", treeano.H{"shape": []int{2}}),
			nodes.Dense("dense", treeano.H{"num_unitz": 3})), "dense"},
		{"cycle", nodes.Container("c",
			nodes.Reference("a", treeano.H{"reference": "b"}),
			nodes.Reference("b", treeano.H{"reference": "a"})), "a"},
		{"missing input", nodes.Identity("id", nil), "id"},
		{"unknown reference", nodes.Reference("ref", treeano.H{"reference": "nowhere"}), "ref"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := treeano.Build(tc.root)
			require.Error(t, err)
			var constructionErr *treeano.ConstructionError
			require.Truef(t, errors.As(err, &constructionErr), "unexpected error type: %+v", err)
			assert.Equal(t, tc.node, constructionErr.Node)
		})
	}
}

func TestResolutionError(t *testing.T) {
	_, err := treeano.Build(nodes.Sequential("seq",
		nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
		nodes.Dense("dense", nil)))
	require.Error(t, err)
	var resolutionErr *treeano.ResolutionError
	require.True(t, errors.As(err, &resolutionErr))
	assert.Equal(t, "dense_linear", resolutionErr.Node)
	assert.Equal(t, []string{"num_units"}, resolutionErr.Aliases)
}

func TestShapeErrors(t *testing.T) {
	// Conv1D requires rank-3 inputs.
	_, err := treeano.Build(nodes.Sequential("seq",
		nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
		nodes.Conv1D("conv", treeano.H{"num_filters": 2, "filter_size": 3})))
	var shapeErr *treeano.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "conv", shapeErr.Name)

	// Tied weights with different shapes.
	_, err = treeano.Build(nodes.Hyperparameter("hp", treeano.H{"shared_weight_name": "tied"},
		nodes.Sequential("seq",
			nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
			nodes.Dense("d1", treeano.H{"num_units": 2}),
			nodes.Dense("d2", treeano.H{"num_units": 3}))))
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "tied", shapeErr.Name)
}

func TestFailedBuildIsDiscarded(t *testing.T) {
	store := treeano.NewSharedStore()
	require.NoError(t, store.Load(map[string]*tensors.Tensor{"kept": tensors.FromValue([]float32{1})}))
	net := treeano.NewNetwork(nodes.Hyperparameter("hp", treeano.H{"shared_weight_name": "tied"},
		nodes.Sequential("seq",
			nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
			nodes.Dense("d1", treeano.H{"num_units": 2}),
			nodes.Dense("d2", treeano.H{"num_units": 3}))),
		treeano.WithSharedStore(store))
	require.Error(t, net.Build())
	assert.False(t, net.IsBuilt())
	assert.Empty(t, net.Nodes())
	assert.Empty(t, net.Variables())
	assert.Nil(t, net.Node("d1"))
	assert.Equal(t, []string{"kept"}, store.Names(), "shared variables of the failed build are removed")
	require.Error(t, net.Build(), "a failed network can't be built again")
}

func TestSharedVariables(t *testing.T) {
	root := nodes.Hyperparameter("hp", treeano.H{"shared_weight_name": "tied", "num_units": 2},
		nodes.Sequential("seq",
			nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
			nodes.Dense("d1", nil),
			nodes.Dense("d2", nil)))
	net, err := treeano.Build(root, treeano.WithSeed(1))
	require.NoError(t, err)
	w1 := net.NodeVariable(net.Node("d1_linear"), "W")
	w2 := net.NodeVariable(net.Node("d2_linear"), "W")
	require.NotNil(t, w1)
	assert.Same(t, w1, w2)
	assert.Same(t, w1, net.Variable("tied"))
	assert.Equal(t, "d1_linear", w1.Owner())
	assert.Len(t, net.VariablesWithTags(treeano.TagWeight), 1)

	// A second network with the same store reuses the values.
	require.NoError(t, w1.SetValue(tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	net2, err := treeano.Build(root, treeano.WithSharedStore(net.SharedStore()))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, net2.Variable("tied").Value().Value())
	assert.Same(t, net.Variable("tied").SharedVariable(), net2.Variable("tied").SharedVariable())
}

func TestCall(t *testing.T) {
	net := buildModel(t)
	x := tensors.FromValue([][]float32{{1, 2, 3}, {-1, -2, -3}})
	outputs, err := net.Call(nil, map[string]*tensors.Tensor{"x": x}, []string{"model", "dense"}, false)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{4, 0}, {0, 1}}, outputs["model"].Value())
	assert.Equal(t, [][]float32{{4, -1}, {-4, 1}}, outputs["dense"].Value())

	// Full variable names work too.
	outputs, err = net.Call(nil, map[string]*tensors.Tensor{"x:default": x}, []string{"relu:default"}, false)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{4, 0}, {0, 1}}, outputs["relu:default"].Value())

	// Errors.
	_, err = net.Call(nil, map[string]*tensors.Tensor{"dense": x}, []string{"model"}, false)
	require.Error(t, err, "dense is not an input")
	_, err = net.Call(nil, nil, []string{"model"}, false)
	require.Error(t, err, "missing input x")
	_, err = net.Call(nil, map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1, 2})}, []string{"model"}, false)
	require.Error(t, err, "input with the wrong rank")
	_, err = net.Call(nil, map[string]*tensors.Tensor{"x": x}, []string{"unknown"}, false)
	require.Error(t, err)
}

func TestDerivedNetworks(t *testing.T) {
	root := nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
		nodes.Dense("dense", treeano.H{"num_units": 2}),
		nodes.Dropout("dropout", treeano.H{"dropout_probability": 0.5}))
	net, err := treeano.Build(root, treeano.WithSeed(42))
	require.NoError(t, err)

	deterministic := treeano.H{"deterministic": true}
	derived, err := net.Derived(deterministic)
	require.NoError(t, err)
	assert.NotSame(t, net, derived)
	again, err := net.Derived(treeano.H{"deterministic": true})
	require.NoError(t, err)
	assert.Same(t, derived, again)
	assert.Same(t, net.SharedStore(), derived.SharedStore())
	assert.Same(t, net.Variable("dense_linear:W").SharedVariable(), derived.Variable("dense_linear:W").SharedVariable())

	// Deterministic calls always return the dense layer's output.
	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	inputs := map[string]*tensors.Tensor{"x": x}
	want, err := net.Call(nil, inputs, []string{"dense"}, false)
	require.NoError(t, err)
	for range 3 {
		got, err := net.Call(deterministic, inputs, []string{"model"}, false)
		require.NoError(t, err)
		assert.True(t, want["dense"].InDelta(got["model"], 1e-6))
	}

	// Overrides can't fix a broken tree.
	_, err = net.Derived(treeano.H{"dropout_probability": 2.0})
	require.Error(t, err)
}

func TestUpdates(t *testing.T) {
	model := nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 1}}),
		nodes.LinearMapping("linear", treeano.H{"num_units": 1}))
	cost := nodes.TotalCost("cost", nil,
		nodes.Reference("pred", treeano.H{"reference": "model"}),
		nodes.Input("y", treeano.H{"shape": []int{-1, 1}}))
	root := nodes.Hyperparameter("hp", treeano.H{"inits": "constant:1"},
		nodes.SGD("sgd", treeano.H{"learning_rate": 0.1}, model, cost))
	net, err := treeano.Build(root)
	require.NoError(t, err)
	require.Equal(t, 1, net.Updates().Len())
	w := net.Variable("linear:W")
	assert.Equal(t, [][]float32{{1}}, w.Value().Value())

	inputs := map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float32{{1}, {2}}),
		"y": tensors.FromValue([][]float32{{2}, {4}}),
	}
	// Without updates the parameters don't change.
	outputs, err := net.Call(nil, inputs, []string{"cost"}, false)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, outputs["cost"].ScalarValue(), 1e-6) // ((1-2)^2 + (2-4)^2)/2
	assert.Equal(t, [][]float32{{1}}, w.Value().Value())

	// d(cost)/dW = mean(2*(w*x-y)*x) = (2*(-1)*1 + 2*(-2)*2)/2 = -5, so W = 1 + 0.1*5 = 1.5.
	outputs, err = net.Call(nil, inputs, []string{"cost"}, true)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, outputs["cost"].ScalarValue(), 1e-6, "outputs are computed before updates")
	assert.InDelta(t, 1.5, w.Value().ScalarValue(), 1e-6)
}

// probeNode runs an arbitrary function in its computation phase. It accepts any hyperparameter.
type probeNode struct {
	treeano.NodeImpl
	compute func(net *treeano.Network, node treeano.Node)
}

func (n *probeNode) HyperparameterNames() []string { return nil }

func (n *probeNode) AcceptsAnyHyperparameter() bool { return true }

func (n *probeNode) ComputeOutput(net *treeano.Network, _ map[string]*treeano.VariableWrapper) {
	n.compute(net, n)
}

func TestCreateVariableErrors(t *testing.T) {
	probe := func(fn func(net *treeano.Network, node treeano.Node)) error {
		_, err := treeano.Build(&probeNode{NodeImpl: treeano.NewNodeImpl("probe", nil), compute: fn})
		return err
	}
	var constructionErr *treeano.ConstructionError
	var shapeErr *treeano.ShapeError

	err := probe(func(net *treeano.Network, node treeano.Node) {
		value := net.Graph().Scalar(dtypes.Float32, 1)
		net.CreateVariable(node, "a", treeano.VariableSpec{Value: value})
		net.CreateVariable(node, "b", treeano.VariableSpec{Name: "probe:a", Value: value})
	})
	require.Truef(t, errors.As(err, &constructionErr), "duplicate non-shared variable: %v", err)

	err = probe(func(net *treeano.Network, node treeano.Node) {
		net.CreateVariable(node, "a", treeano.VariableSpec{Shape: shapes.Make(dtypes.Float32, 2)})
	})
	require.Truef(t, errors.As(err, &constructionErr), "non-shared variable without value: %v", err)

	err = probe(func(net *treeano.Network, node treeano.Node) {
		net.CreateVariable(node, "a", treeano.VariableSpec{Shape: shapes.Make(dtypes.Float32, shapes.UnknownDim, 2), Shared: true})
	})
	require.Truef(t, errors.As(err, &shapeErr), "shared variable with unknown dimensions: %v", err)

	err = probe(func(net *treeano.Network, node treeano.Node) {
		net.CreateVariable(node, "a", treeano.VariableSpec{Name: "s", Shape: shapes.Make(dtypes.Float32, 2), Shared: true})
		same := net.CreateVariable(node, "b", treeano.VariableSpec{Name: "s", Shape: shapes.Make(dtypes.Float32, 2), Shared: true})
		net.CreateOutput(node, same.Node())
	})
	require.NoError(t, err, "shared variables can be created more than once")
}
