// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/ml/treeano"
)

// LossFunction returns the element-wise (or per-example) loss, given predictions and targets.
type LossFunction func(pred, target *graph.Node) *graph.Node

// probabilityEpsilon clips probabilities before taking their log.
const probabilityEpsilon = 1e-7

// SquaredError returns (pred - target)^2.
func SquaredError(pred, target *graph.Node) *graph.Node {
	return graph.Square(graph.Sub(pred, target))
}

func clippedLog(x *graph.Node) *graph.Node {
	return graph.Log(graph.Max(x, graph.ScalarLike(x, probabilityEpsilon)))
}

// BinaryCrossentropy returns -(target*log(pred) + (1-target)*log(1-pred)), for predicted probabilities.
func BinaryCrossentropy(pred, target *graph.Node) *graph.Node {
	return graph.Neg(graph.Add(
		graph.Mul(target, clippedLog(pred)),
		graph.Mul(graph.OneMinus(target), clippedLog(graph.OneMinus(pred)))))
}

// CategoricalCrossentropy returns -sum(target*log(pred)) over the last axis, for predicted probabilities.
// If target has one axis less than pred, it holds the class indices, and it's converted to one-hot.
func CategoricalCrossentropy(pred, target *graph.Node) *graph.Node {
	if target.Rank() == pred.Rank()-1 {
		numClasses := pred.Shape().Dim(-1)
		if numClasses == shapes.UnknownDim {
			shapes.PanicShapeError("CategoricalCrossentropy", "known number of classes", pred.Shape(), "can't one-hot encode target")
		}
		target = graph.OneHot(target, numClasses, pred.DType())
	}
	return graph.Neg(graph.ReduceSum(graph.Mul(target, clippedLog(pred)), -1))
}

var lossFunctions = map[string]LossFunction{
	"squared_error":            SquaredError,
	"binary_crossentropy":      BinaryCrossentropy,
	"categorical_crossentropy": CategoricalCrossentropy,
}

// TotalCostNode computes a scalar cost from its two children, "pred" and "target".
type TotalCostNode struct {
	treeano.NodeImpl
	pred, target treeano.Node
}

// TotalCost creates a cost node from the outputs of its children pred and target. Hyperparameters:
//
//   - "loss_function": "squared_error" (default), "binary_crossentropy", "categorical_crossentropy" or a
//     LossFunction.
//   - "cost_reduction": "mean" (default) or "sum", over all the loss elements.
//
// Both children get the cost node's input, which is typically unused: pred is usually a Reference to the
// model's output, and target an Input.
func TotalCost(name string, hyperparameters treeano.H, pred, target treeano.Node) *TotalCostNode {
	return &TotalCostNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters), pred: pred, target: target}
}

// HyperparameterNames implements treeano.Node.
func (n *TotalCostNode) HyperparameterNames() []string {
	return []string{"loss_function", "cost_reduction"}
}

// ArchitectureChildren implements treeano.ArchitectureChildrener.
func (n *TotalCostNode) ArchitectureChildren() []treeano.Node {
	return []treeano.Node{n.pred, n.target}
}

// InitState implements treeano.StateIniter.
func (n *TotalCostNode) InitState(_ *treeano.Network, state *treeano.InitState) {
	state.ForwardInput(n.pred)
	state.ForwardInput(n.target)
	state.AddInput("pred", n.pred.Name())
	state.AddInput("target", n.target.Name())
}

// ComputeOutput implements treeano.OutputComputer.
func (n *TotalCostNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	pred := treeano.Input(n, inputs, "pred").Node()
	target := treeano.Input(n, inputs, "target").Node()
	if target.DType() != pred.DType() && target.Rank() == pred.Rank() {
		target = graph.ConvertDType(target, pred.DType())
	}

	var lossFn LossFunction
	switch v := net.FindHyperparameter(n, []string{"loss_function"}, "squared_error").(type) {
	case LossFunction:
		lossFn = v
	case func(pred, target *graph.Node) *graph.Node:
		lossFn = v
	case string:
		var found bool
		lossFn, found = lossFunctions[v]
		if !found {
			panicInvalidHyperparameter(n, "loss_function", v)
		}
	default:
		panicInvalidHyperparameter(n, "loss_function", v)
	}
	loss := lossFn(pred, target)

	var cost *graph.Node
	switch reduction := treeano.FindHyperparameterOr(net, n, "mean", "cost_reduction"); reduction {
	case "mean":
		cost = graph.ReduceMean(loss)
	case "sum":
		cost = graph.ReduceSum(loss)
	default:
		panicInvalidHyperparameter(n, "cost_reduction", reduction)
	}
	net.CreateOutput(n, cost, treeano.TagMonitor)
}
