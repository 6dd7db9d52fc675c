// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jagill/treeano/backends"
	_ "github.com/jagill/treeano/backends/default"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// TestGraphFn builds a graph and returns the nodes to be checked.
type TestGraphFn func(g *graph.Graph) (outputs []*graph.Node)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the default backend, configured with a fixed seed. It can be overwritten by
// the TREEANO_BACKEND environment variable.
func BuildTestBackend() backends.Backend {
	backends.DefaultConfig = "go:seed=42"
	backendOnce.Do(func() {
		cachedBackend = backends.MustNew()
	})
	return cachedBackend
}

// Execute compiles the outputs of g and executes them with the given inputs.
func Execute(t *testing.T, g *graph.Graph, inputs map[string]*tensors.Tensor, outputs ...*graph.Node) []*tensors.Tensor {
	exec, err := BuildTestBackend().Compile(graph.NewProgram(g, outputs, nil))
	require.NoError(t, err)
	results, err := exec.Execute(inputs)
	require.NoError(t, err)
	return results
}

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		wantTensors := make([]*tensors.Tensor, len(want))
		for ii, value := range want {
			if s, ok := value.(shapes.Shape); ok {
				wantTensors[ii] = tensors.FromShape(s)
			} else {
				wantTensors[ii] = tensors.FromValue(value)
			}
		}
		g := graph.NewGraph(testName)
		var outputs []*graph.Node
		require.NotPanicsf(t, func() { outputs = graphFn(g) }, "%s: failed to build graph", testName)
		require.Equalf(t, len(want), len(outputs), "%s: number of wanted results different from number of outputs", testName)
		results := Execute(t, g, nil, outputs...)
		fmt.Printf("\n%s:\n", testName)
		for ii, output := range results {
			fmt.Printf("\tOutput %d: %s\n", ii, output)
		}
		for ii, output := range results {
			require.Truef(t, wantTensors[ii].InDelta(output, max(delta, 0)), "%s: output #%d %s doesn't match wanted value %v",
				testName, ii, output, want[ii])
		}
	})
}
