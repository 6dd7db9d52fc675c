// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/shapes"
)

// This file implements reverse-mode automatic differentiation using VJPs (Vector Jacobian Products).
//
// Conventions:
//
//   - output: the scalar whose gradient is being computed.
//   - wrt: the nodes with respect to which the gradient is computed (typically shared variables).
//   - VJP (or adjoint): the accumulated gradient of output with respect to a node. They are computed in
//     reverse creation order: since nodes are created after their inputs, by the time a node is visited
//     all its consumers have already pushed their contributions.

// VJP returns the vector-Jacobian product of node with respect to each of its inputs, given v, the
// gradient of the output with respect to node. It returns one entry per input; a nil entry means no
// gradient flows to that input (e.g.: integer indices or shape-reference inputs).
type VJP func(node, v *Node) []*Node

// VJPRegistration maps each node type to its VJP. Node types not registered, when reached by Gradient
// on a path to one of the wrt nodes, cause a panic.
var VJPRegistration = map[NodeType]VJP{
	NodeTypeAdd:           addVJP,
	NodeTypeSub:           subVJP,
	NodeTypeMul:           mulVJP,
	NodeTypeDiv:           divVJP,
	NodeTypeMax:           maxVJP,
	NodeTypeNeg:           func(_, v *Node) []*Node { return []*Node{Neg(v)} },
	NodeTypeExp:           func(node, v *Node) []*Node { return []*Node{Mul(v, node)} },
	NodeTypeLog:           func(node, v *Node) []*Node { return []*Node{Div(v, node.inputs[0])} },
	NodeTypeSqrt:          func(node, v *Node) []*Node { return []*Node{Div(v, MulScalar(node, 2))} },
	NodeTypeTanh:          func(node, v *Node) []*Node { return []*Node{Mul(v, OneMinus(Square(node)))} },
	NodeTypeSigmoid:       func(node, v *Node) []*Node { return []*Node{Mul(v, Mul(node, OneMinus(node)))} },
	NodeTypeRelu:          func(node, v *Node) []*Node { return []*Node{Mul(v, Step(node.inputs[0]))} },
	NodeTypeStep:          noGradientVJP,
	NodeTypeMatMul:        matMulVJP,
	NodeTypeTranspose:     transposeVJP,
	NodeTypeReduceSum:     reduceSumVJP,
	NodeTypeReduceMean:    reduceMeanVJP,
	NodeTypeBroadcastAxes: broadcastAxesVJP,
	NodeTypeReshape:       func(node, v *Node) []*Node { return []*Node{ReshapeLike(v, node.inputs[0])} },
	NodeTypeReshapeLike:   func(node, v *Node) []*Node { return []*Node{ReshapeLike(v, node.inputs[0]), nil} },
	NodeTypeDimension:     noGradientVJP,
	NodeTypeOneHot:        noGradientVJP,
	NodeTypeRandomUniform: noGradientVJP,
	NodeTypeConv1D:        conv1DVJP,
	NodeTypeConvertDType:  func(node, v *Node) []*Node { return []*Node{ConvertDType(v, node.inputs[0].DType())} },
}

// Gradient creates the nodes with the gradient of output with respect to each of the wrt nodes.
// The output must be a scalar. Nodes that output doesn't depend on get a zero gradient.
func Gradient(output *Node, wrt ...*Node) []*Node {
	g := output.graph
	if output.Rank() != 0 {
		shapes.PanicShapeError("Gradient", "scalar output", output.shape, "only gradients of scalars are supported")
	}
	numNodes := output.id + 1

	// included: output depends on the node.
	included := make([]bool, numNodes)
	included[output.id] = true
	for idx := output.id; idx >= 0; idx-- {
		if !included[idx] {
			continue
		}
		for _, input := range g.nodes[idx].inputs {
			included[input.id] = true
		}
	}

	// useful: the node depends on one of the wrt nodes.
	useful := make([]bool, numNodes)
	for _, node := range wrt {
		if node.graph != g {
			exceptions.Panicf("Gradient: wrt node %s is not part of graph %q", node, g.name)
		}
		if node.id < numNodes {
			useful[node.id] = true
		}
	}
	for idx := range numNodes {
		for _, input := range g.nodes[idx].inputs {
			if useful[input.id] {
				useful[idx] = true
				break
			}
		}
	}

	vjps := make([]*Node, numNodes)
	vjps[output.id] = ScalarLike(output, 1)
	for idx := output.id; idx >= 0; idx-- {
		node := g.nodes[idx]
		v := vjps[idx]
		if v == nil || !included[idx] || !useful[idx] || len(node.inputs) == 0 || node.nodeType == NodeTypeStopGradient {
			continue
		}
		vjpFn := VJPRegistration[node.nodeType]
		if vjpFn == nil {
			exceptions.Panicf("graph has node %s, for which no gradient is defined, cannot generate gradient", node)
		}
		inputsVJPs := vjpFn(node, v)
		if len(inputsVJPs) != len(node.inputs) {
			exceptions.Panicf("VJP(%s) returned %d VJPs, but node has %d inputs", node, len(inputsVJPs), len(node.inputs))
		}
		for ii, input := range node.inputs {
			inputVJP := inputsVJPs[ii]
			if inputVJP == nil || !useful[input.id] {
				continue
			}
			if !inputVJP.shape.Compatible(input.shape) {
				shapes.PanicShapeError(node.String(), input.shape, inputVJP.shape, "invalid VJP shape for input #%d", ii)
			}
			if vjps[input.id] == nil {
				vjps[input.id] = inputVJP
			} else {
				vjps[input.id] = Add(vjps[input.id], inputVJP)
			}
		}
	}

	gradients := make([]*Node, len(wrt))
	for ii, node := range wrt {
		if node.id < numNodes && vjps[node.id] != nil {
			gradients[ii] = vjps[node.id]
		} else {
			gradients[ii] = ZerosLike(node)
		}
	}
	return gradients
}

func noGradientVJP(node, _ *Node) []*Node { return make([]*Node, len(node.inputs)) }

// reduceToOperand sums v over the leading axes broadcast by a binary op, to match the operand's rank.
func reduceToOperand(v, operand *Node) *Node {
	diff := v.Rank() - operand.Rank()
	if diff <= 0 {
		return v
	}
	axes := make([]int, diff)
	for ii := range axes {
		axes[ii] = ii
	}
	return ReduceSum(v, axes...)
}

func addVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{reduceToOperand(v, x), reduceToOperand(v, y)}
}

func subVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{reduceToOperand(v, x), reduceToOperand(Neg(v), y)}
}

func mulVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{reduceToOperand(Mul(v, y), x), reduceToOperand(Mul(v, x), y)}
}

func divVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{
		reduceToOperand(Div(v, y), x),
		reduceToOperand(Neg(Div(Mul(v, x), Square(y))), y),
	}
}

func maxVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	mask := Step(Sub(x, y))
	return []*Node{reduceToOperand(Mul(v, mask), x), reduceToOperand(Mul(v, OneMinus(mask)), y)}
}

func matMulVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{MatMul(v, Transpose(y)), MatMul(Transpose(x), v)}
}

func transposeVJP(node, v *Node) []*Node {
	inverse := make([]int, len(node.axes))
	for ii, axis := range node.axes {
		inverse[axis] = ii
	}
	return []*Node{Transpose(v, inverse...)}
}

func reduceSumVJP(node, v *Node) []*Node {
	return []*Node{BroadcastAxes(v, node.inputs[0], node.axes...)}
}

func reduceMeanVJP(node, v *Node) []*Node {
	x := node.inputs[0]
	count := ScalarLike(x, 1)
	for _, axis := range node.axes {
		count = Mul(count, Dimension(x, axis))
	}
	return []*Node{Div(BroadcastAxes(v, x, node.axes...), count)}
}

func broadcastAxesVJP(node, v *Node) []*Node {
	if len(node.axes) == 0 {
		return []*Node{v, nil}
	}
	return []*Node{ReduceSum(v, node.axes...), nil}
}

func conv1DVJP(node, v *Node) []*Node {
	x, filters := node.inputs[0], node.inputs[1]
	stride, padding := node.intParams[0], node.intParams[1]
	return []*Node{
		conv1DGradInput(v, filters, x, stride, padding),
		conv1DGradFilter(x, v, filters.shape, stride, padding),
	}
}
