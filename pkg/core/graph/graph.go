// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the symbolic computation graph that treeano networks are compiled to.
//
// A Graph is a DAG of Node objects, each one the result of an operation (Add, MatMul, Conv1D, ...)
// over other nodes. Shapes are inferred as nodes are created, and may contain unknown dimensions
// (shapes.UnknownDim), typically the batch axis. Invalid combinations panic with a *shapes.ShapeError
// or an exceptions.Panicf error; callers building graphs are expected to catch those at their API
// boundary (see exceptions.TryCatch).
//
// Graphs have three kinds of leaves:
//
//   - Parameter: a named input, fed with a concrete tensor at execution time.
//   - Shared: a SharedVariable, whose value persists across executions and can be updated.
//   - Constant: a fixed tensor.
//
// A Program designates the outputs (and optional updates of shared variables) of a Graph, and is
// what backends compile into an executable.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
)

// Graph holds the nodes of a computation being built.
//
// It is not concurrency safe: graphs are built from a single goroutine.
type Graph struct {
	name  string
	nodes []*Node

	parameters     map[string]*Node
	parameterOrder []*Node
	sharedNodes    map[*SharedVariable]*Node
}

// NewGraph creates an empty graph with the given name, used only for debugging and error messages.
func NewGraph(name string) *Graph {
	return &Graph{
		name:        name,
		parameters:  make(map[string]*Node),
		sharedNodes: make(map[*SharedVariable]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns all nodes in creation (topological) order. It must be treated as read-only.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Parameter creates a named input of the graph. Dimensions of the shape may be unknown.
// It panics if a parameter with the same name already exists.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	if _, found := g.parameters[name]; found {
		exceptions.Panicf("graph %q: parameter %q created twice", g.name, name)
	}
	if !shape.Ok() {
		exceptions.Panicf("graph %q: parameter %q with invalid shape", g.name, name)
	}
	n := g.newNode(NodeTypeParameter, shape.Clone())
	n.name = name
	g.parameters[name] = n
	g.parameterOrder = append(g.parameterOrder, n)
	return n
}

// Parameters returns the parameters of the graph in creation order.
func (g *Graph) Parameters() []*Node { return g.parameterOrder }

// ParameterByName returns the parameter with the given name, or nil if it doesn't exist.
func (g *Graph) ParameterByName(name string) *Node { return g.parameters[name] }

// Shared returns the node reading the value of the shared variable. It returns the same node
// if called more than once for the same variable.
func (g *Graph) Shared(v *SharedVariable) *Node {
	if n, found := g.sharedNodes[v]; found {
		return n
	}
	n := g.newNode(NodeTypeShared, v.Shape())
	n.shared = v
	g.sharedNodes[v] = n
	return n
}

// Const creates a constant node with the given value.
func (g *Graph) Const(value *tensors.Tensor) *Node {
	n := g.newNode(NodeTypeConstant, value.Shape())
	n.constant = value
	return n
}

// Scalar creates a scalar constant of the given dtype.
func (g *Graph) Scalar(dtype dtypes.DType, value float64) *Node {
	return g.Const(tensors.FromScalarAndDType(value, dtype))
}

// ScalarLike returns a scalar constant with the dtype of x.
func ScalarLike(x *Node, value float64) *Node {
	return x.graph.Scalar(x.DType(), value)
}

// String pretty-prints the graph, one node per line.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, n := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", n)
	}
	return sb.String()
}
