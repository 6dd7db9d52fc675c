// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/backends"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func compile(t *testing.T, g *graph.Graph, outputs []*graph.Node, updates []graph.Update) backends.Executable {
	backend, err := New("seed=7")
	require.NoError(t, err)
	exec, err := backend.Compile(graph.NewProgram(g, outputs, updates))
	require.NoError(t, err)
	return exec
}

func TestRegistered(t *testing.T) {
	backend, err := backends.NewWithConfig("go:seed=1")
	require.NoError(t, err)
	assert.Equal(t, BackendName, backend.Name())
	_, err = backends.NewWithConfig("go:color=blue")
	require.Error(t, err)
	_, err = backends.NewWithConfig("tpu")
	require.Error(t, err)
	assert.Contains(t, backends.List(), BackendName)
}

func TestOps(t *testing.T) {
	g := graph.NewGraph("TestOps")
	x := g.Parameter("x", shapes.Make(dtypes.Float64, shapes.UnknownDim, 3))
	bias := g.Const(tensors.FromValue([]float64{1, 0, -1}))
	outputs := []*graph.Node{
		graph.Add(x, bias),
		graph.Transpose(x),
		graph.ReduceSum(x, 0),
		graph.ReduceMax(x, 1),
		graph.ReduceMean(x),
		graph.BroadcastAxes(graph.ReduceSum(x, 1), x, 1),
		graph.Reshape(x, shapes.UnknownDim),
		graph.Dimension(x, 0),
		graph.OneHot(g.Const(tensors.FromValue([]int32{2, 0})), 3, dtypes.Float64),
		graph.ConvertDType(graph.MulScalar(x, 0.5), dtypes.Int32),
	}
	exec := compile(t, g, outputs, nil)
	assert.Equal(t, []string{"x"}, exec.InputNames())
	results, err := exec.Execute(map[string]*tensors.Tensor{
		"x": tensors.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}}),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 2, 2}, {5, 5, 5}}, results[0].Value())
	assert.Equal(t, [][]float64{{1, 4}, {2, 5}, {3, 6}}, results[1].Value())
	assert.Equal(t, []float64{5, 7, 9}, results[2].Value())
	assert.Equal(t, []float64{3, 6}, results[3].Value())
	assert.Equal(t, 3.5, results[4].Value())
	assert.Equal(t, [][]float64{{6, 6, 6}, {15, 15, 15}}, results[5].Value())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, results[6].Value())
	assert.Equal(t, 2.0, results[7].Value())
	assert.Equal(t, [][]float64{{0, 0, 1}, {1, 0, 0}}, results[8].Value())
	assert.Equal(t, [][]int32{{0, 1, 1}, {2, 2, 3}}, results[9].Value())
}

func TestUpdatesAndRandom(t *testing.T) {
	g := graph.NewGraph("TestUpdates")
	counter := graph.NewSharedVariable("counter", tensors.FromScalar(float32(0)))
	c := g.Shared(counter)
	noise := graph.RandomUniform(g.Const(tensors.FromShape(shapes.Make(dtypes.Float32, 100))))
	exec := compile(t, g, []*graph.Node{c, noise}, []graph.Update{{Variable: counter, Value: graph.AddScalar(c, 1)}})
	for step := range 3 {
		results, err := exec.Execute(nil)
		require.NoError(t, err)
		// Outputs are computed before updates are applied.
		assert.Equal(t, float32(step), results[0].Value())
		for _, v := range results[1].Flat64() {
			require.True(t, v >= 0 && v < 1)
		}
	}
	assert.Equal(t, float32(3), counter.Value().Value())
}

func TestExecuteErrors(t *testing.T) {
	g := graph.NewGraph("TestExecuteErrors")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, shapes.UnknownDim, 2))
	exec := compile(t, g, []*graph.Node{graph.Neg(x)}, nil)

	_, err := exec.Execute(nil)
	require.ErrorContains(t, err, "missing input")

	_, err = exec.Execute(map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1, 2})})
	var shapeErr *shapes.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "x", shapeErr.Name)
}
