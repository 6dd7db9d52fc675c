// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"fmt"
	"math"

	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/ml/treeano"
)

// optimizerBase holds the two children of optimizer nodes: the trained subtree and the cost.
type optimizerBase struct {
	treeano.NodeImpl
	subtree, cost treeano.Node
}

// ArchitectureChildren implements treeano.ArchitectureChildrener.
func (n *optimizerBase) ArchitectureChildren() []treeano.Node {
	return []treeano.Node{n.subtree, n.cost}
}

// InitState implements treeano.StateIniter: the optimizer's input goes to both children, and its output
// is the subtree's output.
func (n *optimizerBase) InitState(_ *treeano.Network, state *treeano.InitState) {
	state.ForwardInput(n.subtree)
	state.ForwardInput(n.cost)
	state.TakeOutput(n.subtree)
}

// parametersAndGradients returns the parameters of the subtree and the gradients of the cost with
// respect to them.
func (n *optimizerBase) parametersAndGradients(net *treeano.Network) (params []*treeano.VariableWrapper, grads []*graph.Node) {
	cost := net.Output(n.cost).Node()
	if cost.Rank() != 0 {
		shapes.PanicShapeError(n.Name(), "scalar cost", cost.Shape(), "cost of %q must be a scalar", n.cost.Name())
	}
	params = net.SubtreeVariablesWithTags(n.subtree, treeano.TagParameter)
	wrt := make([]*graph.Node, len(params))
	for ii, p := range params {
		wrt[ii] = p.Node()
	}
	grads = graph.Gradient(cost, wrt...)
	for ii, grad := range grads {
		if grad.DType() != params[ii].Shape().DType {
			grads[ii] = graph.ConvertDType(grad, params[ii].Shape().DType)
		}
	}
	return params, grads
}

// SGDNode trains the parameters of its subtree with stochastic gradient descent on the cost.
type SGDNode struct {
	optimizerBase
}

// SGD creates a stochastic gradient descent node, with the children subtree (the model, whose
// parameters are trained) and cost (a scalar). Hyperparameters: "learning_rate" (default 0.01).
func SGD(name string, hyperparameters treeano.H, subtree, cost treeano.Node) *SGDNode {
	return &SGDNode{optimizerBase{NodeImpl: treeano.NewNodeImpl(name, hyperparameters), subtree: subtree, cost: cost}}
}

// HyperparameterNames implements treeano.Node.
func (n *SGDNode) HyperparameterNames() []string { return []string{"learning_rate"} }

// NewUpdateDeltas implements treeano.UpdateDeltasProvider.
func (n *SGDNode) NewUpdateDeltas(net *treeano.Network) *treeano.UpdateDeltas {
	learningRate := treeano.FindHyperparameterOr(net, n, 0.01, "learning_rate")
	deltas := treeano.NewUpdateDeltas()
	params, grads := n.parametersAndGradients(net)
	for ii, p := range params {
		deltas.Set(p, graph.MulScalar(grads[ii], -learningRate))
	}
	return deltas
}

// AdamNode trains the parameters of its subtree with the Adam optimizer on the cost.
//
// Its state variables are the step count "t" and the first and second moments of each parameter,
// "m(<param>)" and "v(<param>)".
type AdamNode struct {
	optimizerBase
}

// Adam creates an Adam optimizer node, with the children subtree and cost, as in SGD.
// Hyperparameters: "learning_rate" (0.001), "beta1" (0.9), "beta2" (0.999) and "epsilon" (1e-8).
func Adam(name string, hyperparameters treeano.H, subtree, cost treeano.Node) *AdamNode {
	return &AdamNode{optimizerBase{NodeImpl: treeano.NewNodeImpl(name, hyperparameters), subtree: subtree, cost: cost}}
}

// HyperparameterNames implements treeano.Node.
func (n *AdamNode) HyperparameterNames() []string {
	return []string{"learning_rate", "beta1", "beta2", "epsilon"}
}

// NewUpdateDeltas implements treeano.UpdateDeltasProvider.
func (n *AdamNode) NewUpdateDeltas(net *treeano.Network) *treeano.UpdateDeltas {
	learningRate := treeano.FindHyperparameterOr(net, n, 0.001, "learning_rate")
	beta1 := treeano.FindHyperparameterOr(net, n, 0.9, "beta1")
	beta2 := treeano.FindHyperparameterOr(net, n, 0.999, "beta2")
	epsilon := treeano.FindHyperparameterOr(net, n, 1e-8, "epsilon")

	deltas := treeano.NewUpdateDeltas()
	params, grads := n.parametersAndGradients(net)
	if len(params) == 0 {
		return deltas
	}
	dtype := params[0].Shape().DType
	t := net.CreateVariable(n, "t", treeano.VariableSpec{
		Shape:  shapes.Scalar(dtype),
		Tags:   []string{treeano.TagState},
		Shared: true,
	})
	newT := graph.AddScalar(t.Node(), 1)
	deltas.Set(t, graph.ScalarLike(t.Node(), 1))

	// b^t = exp(t * log(b)).
	biasCorrection1 := graph.OneMinus(graph.Exp(graph.MulScalar(newT, math.Log(beta1))))
	biasCorrection2 := graph.OneMinus(graph.Exp(graph.MulScalar(newT, math.Log(beta2))))
	stepSize := graph.MulScalar(graph.Div(graph.Sqrt(biasCorrection2), biasCorrection1), -learningRate)

	for ii, p := range params {
		g := grads[ii]
		m := net.CreateVariable(n, fmt.Sprintf("m(%s)", p.Name()), treeano.VariableSpec{
			Shape: p.Shape(), Tags: []string{treeano.TagState}, Shared: true,
		})
		v := net.CreateVariable(n, fmt.Sprintf("v(%s)", p.Name()), treeano.VariableSpec{
			Shape: p.Shape(), Tags: []string{treeano.TagState}, Shared: true,
		})
		newM := graph.Add(graph.MulScalar(m.Node(), beta1), graph.MulScalar(g, 1-beta1))
		newV := graph.Add(graph.MulScalar(v.Node(), beta2), graph.MulScalar(graph.Square(g), 1-beta2))
		deltas.Set(m, graph.Sub(newM, m.Node()))
		deltas.Set(v, graph.Sub(newV, v.Node()))
		step := graph.Div(newM, graph.AddScalar(graph.Sqrt(newV), epsilon))
		deltas.Set(p, graph.Mul(stepSize, step))
	}
	return deltas
}
