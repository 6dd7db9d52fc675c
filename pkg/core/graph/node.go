// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
)

// NodeType enumerates the operations a Node can represent.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeShared
	NodeTypeConstant
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeMax
	NodeTypeNeg
	NodeTypeExp
	NodeTypeLog
	NodeTypeSqrt
	NodeTypeTanh
	NodeTypeSigmoid
	NodeTypeRelu
	NodeTypeStep
	NodeTypeMatMul
	NodeTypeTranspose
	NodeTypeReduceSum
	NodeTypeReduceMean
	NodeTypeReduceMax
	NodeTypeBroadcastAxes
	NodeTypeReshape
	NodeTypeReshapeLike
	NodeTypeDimension
	NodeTypeOneHot
	NodeTypeRandomUniform
	NodeTypeConv1D
	NodeTypeConv1DGradInput
	NodeTypeConv1DGradFilter
	NodeTypeStopGradient
	NodeTypeConvertDType
)

var nodeTypeNames = []string{
	"Invalid", "Parameter", "Shared", "Constant", "Add", "Sub", "Mul", "Div", "Max", "Neg", "Exp", "Log",
	"Sqrt", "Tanh", "Sigmoid", "Relu", "Step", "MatMul", "Transpose", "ReduceSum", "ReduceMean",
	"ReduceMax", "BroadcastAxes", "Reshape", "ReshapeLike", "Dimension", "OneHot", "RandomUniform",
	"Conv1D", "Conv1DGradInput", "Conv1DGradFilter", "StopGradient", "ConvertDType",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if int(t) < 0 || int(t) >= len(nodeTypeNames) {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// Node represents the result of an operation in the computation graph, with its symbolic shape.
// Nodes are created by the op functions (Add, MatMul, ...) and are immutable.
type Node struct {
	graph    *Graph
	id       int
	nodeType NodeType
	inputs   []*Node
	shape    shapes.Shape

	// Op parameters, their meaning depend on the node type.
	axes      []int
	intParams []int
	constant  *tensors.Tensor
	name      string
	shared    *SharedVariable
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id is the unique id of the node within the graph. Nodes are numbered in creation order,
// which is also a valid topological order.
func (n *Node) Id() int { return n.id }

// Type of the node operation.
func (n *Node) Type() NodeType { return n.nodeType }

// Inputs of the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// Shape of the node, possibly with unknown dimensions.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType of the node's shape.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Rank of the node's shape.
func (n *Node) Rank() int { return n.shape.Rank() }

// Axes parameter of reduce, transpose and reshape ops.
func (n *Node) Axes() []int { return n.axes }

// IntParams holds integer parameters of an op: stride and padding for convolutions, depth for
// OneHot, the axis for Dimension.
func (n *Node) IntParams() []int { return n.intParams }

// ConstantValue for NodeTypeConstant nodes.
func (n *Node) ConstantValue() *tensors.Tensor { return n.constant }

// ParameterName for NodeTypeParameter nodes.
func (n *Node) ParameterName() string { return n.name }

// SharedVariable for NodeTypeShared nodes.
func (n *Node) SharedVariable() *SharedVariable { return n.shared }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var parts []string
	for _, input := range n.inputs {
		parts = append(parts, fmt.Sprintf("#%d", input.id))
	}
	var extra string
	switch n.nodeType {
	case NodeTypeParameter:
		extra = fmt.Sprintf(" %q", n.name)
	case NodeTypeShared:
		extra = fmt.Sprintf(" %q", n.shared.Name())
	}
	if len(n.axes) > 0 {
		extra += fmt.Sprintf(" axes=%v", n.axes)
	}
	return fmt.Sprintf("#%d %s%s(%s) -> %s", n.id, n.nodeType, extra, strings.Join(parts, ", "), n.shape)
}

// newNode registers a new node in the graph of the first input.
func (g *Graph) newNode(nodeType NodeType, shape shapes.Shape, inputs ...*Node) *Node {
	for _, input := range inputs {
		if input.graph != g {
			exceptions.Panicf("graph.%s: input %s belongs to graph %q, not %q", nodeType, input, input.graph.name, g.name)
		}
	}
	n := &Node{
		graph:    g,
		id:       len(g.nodes),
		nodeType: nodeType,
		inputs:   slices.Clone(inputs),
		shape:    shape,
	}
	g.nodes = append(g.nodes, n)
	return n
}
