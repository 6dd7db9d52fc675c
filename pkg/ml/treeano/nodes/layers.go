// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/ml/treeano"
)

// DenseNode is a fully connected layer: a LinearMapping followed by AddBias.
type DenseNode struct {
	treeano.NodeImpl
}

// Dense creates a fully connected layer. Hyperparameters:
//
//   - "num_units": number of outputs.
//   - "inits": initializers of the weights and bias, usually set on an ancestor.
//   - "shared_weight_name": optional absolute name of the weights, to tie them with other layers.
//
// Its children are named "<name>_linear" and "<name>_bias", and read these hyperparameters from it.
func Dense(name string, hyperparameters treeano.H) *DenseNode {
	return &DenseNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *DenseNode) HyperparameterNames() []string {
	return []string{"num_units", "inits", "shared_weight_name"}
}

// ArchitectureChildren implements treeano.ArchitectureChildrener.
func (n *DenseNode) ArchitectureChildren() []treeano.Node {
	return []treeano.Node{
		LinearMapping(n.Name()+"_linear", nil),
		AddBias(n.Name()+"_bias", nil),
	}
}

// InitState implements treeano.StateIniter.
func (n *DenseNode) InitState(net *treeano.Network, state *treeano.InitState) {
	children := net.Children(n)
	state.ForwardInput(children[0])
	state.Chain(children[0], children[1])
	state.TakeOutput(children[1])
}

// LinearMappingNode multiplies its input by a weight matrix. Inputs of rank > 2 are flattened to
// [batch, features] first.
type LinearMappingNode struct {
	treeano.NodeImpl
}

// LinearMapping creates a node that outputs input x W, where W is a shared parameter of shape
// [features, num_units]. Hyperparameters: "num_units", "inits" and "shared_weight_name".
func LinearMapping(name string, hyperparameters treeano.H) *LinearMappingNode {
	return &LinearMappingNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *LinearMappingNode) HyperparameterNames() []string {
	return []string{"num_units", "inits", "shared_weight_name"}
}

// ComputeOutput implements treeano.OutputComputer.
func (n *LinearMappingNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	x := treeano.Input(n, inputs, treeano.DefaultKey).Node()
	if x.Rank() < 2 {
		shapes.PanicShapeError(n.Name(), "rank >= 2", x.Shape(), "input must have a batch axis and features")
	}
	if x.Rank() > 2 {
		features := 1
		for _, dim := range x.Shape().Dimensions[1:] {
			if dim == shapes.UnknownDim {
				shapes.PanicShapeError(n.Name(), "known feature dimensions", x.Shape(), "can't flatten input")
			}
			features *= dim
		}
		x = graph.Reshape(x, x.Shape().Dim(0), features)
	}
	inDim := x.Shape().Dim(1)
	if inDim == shapes.UnknownDim {
		shapes.PanicShapeError(n.Name(), "known number of features", x.Shape(), "can't create weights")
	}
	numUnits := treeano.MustFindHyperparameter[int](net, n, "num_units")
	w := net.CreateVariable(n, "W", treeano.VariableSpec{
		Name:   treeano.FindHyperparameterOr(net, n, "", "shared_weight_name"),
		Shape:  shapes.Make(x.DType(), inDim, numUnits),
		Tags:   []string{treeano.TagParameter, treeano.TagWeight},
		Shared: true,
		Inits:  resolveInits(net, n),
	})
	net.CreateOutput(n, graph.MatMul(x, w.Node()))
}

// AddBiasNode adds a bias vector to the last axis of its input.
type AddBiasNode struct {
	treeano.NodeImpl
}

// AddBias creates a node that adds a shared bias parameter "b" to its input. Hyperparameters: "inits" and
// an optional "shared_bias_name".
func AddBias(name string, hyperparameters treeano.H) *AddBiasNode {
	return &AddBiasNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *AddBiasNode) HyperparameterNames() []string { return []string{"inits", "shared_bias_name"} }

// ComputeOutput implements treeano.OutputComputer.
func (n *AddBiasNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	x := treeano.Input(n, inputs, treeano.DefaultKey).Node()
	if x.Rank() < 1 || x.Shape().Dim(-1) == shapes.UnknownDim {
		shapes.PanicShapeError(n.Name(), "known last axis", x.Shape(), "can't create bias")
	}
	b := net.CreateVariable(n, "b", treeano.VariableSpec{
		Name:   treeano.FindHyperparameterOr(net, n, "", "shared_bias_name"),
		Shape:  shapes.Make(x.DType(), x.Shape().Dim(-1)),
		Tags:   []string{treeano.TagParameter, treeano.TagBias},
		Shared: true,
		Inits:  resolveInits(net, n),
	})
	net.CreateOutput(n, graph.Add(x, b.Node()))
}

// ActivationNode applies an element-wise function to its input.
type ActivationNode struct {
	treeano.NodeImpl
	fn func(x *graph.Node) *graph.Node
}

// HyperparameterNames implements treeano.Node.
func (n *ActivationNode) HyperparameterNames() []string { return nil }

// ComputeOutput implements treeano.OutputComputer.
func (n *ActivationNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	net.CreateOutput(n, n.fn(treeano.Input(n, inputs, treeano.DefaultKey).Node()))
}

func newActivation(name string, fn func(x *graph.Node) *graph.Node) *ActivationNode {
	return &ActivationNode{NodeImpl: treeano.NewNodeImpl(name, nil), fn: fn}
}

// ReLU creates a rectified linear unit activation node.
func ReLU(name string) *ActivationNode { return newActivation(name, graph.Relu) }

// Sigmoid creates a sigmoid activation node.
func Sigmoid(name string) *ActivationNode { return newActivation(name, graph.Sigmoid) }

// Tanh creates a hyperbolic tangent activation node.
func Tanh(name string) *ActivationNode { return newActivation(name, graph.Tanh) }

// Softmax creates a node that normalizes its input's last axis into probabilities.
func Softmax(name string) *ActivationNode { return newActivation(name, softmax) }

func softmax(x *graph.Node) *graph.Node {
	maxValues := graph.StopGradient(graph.BroadcastAxes(graph.ReduceMax(x, -1), x, -1))
	exp := graph.Exp(graph.Sub(x, maxValues))
	return graph.Div(exp, graph.BroadcastAxes(graph.ReduceSum(exp, -1), exp, -1))
}

// DropoutNode randomly zeroes elements of its input during training.
type DropoutNode struct {
	treeano.NodeImpl
}

// Dropout creates a dropout node. Hyperparameters:
//
//   - "dropout_probability" (or "probability"): probability of zeroing each element, default 0.
//   - "deterministic": if true, the node outputs its input unchanged (e.g. for evaluation).
//
// Kept elements are scaled by 1/(1-probability), so the expected value is unchanged.
func Dropout(name string, hyperparameters treeano.H) *DropoutNode {
	return &DropoutNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *DropoutNode) HyperparameterNames() []string {
	return []string{"dropout_probability", "probability", "deterministic"}
}

// ComputeOutput implements treeano.OutputComputer.
func (n *DropoutNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	x := treeano.Input(n, inputs, treeano.DefaultKey).Node()
	p := treeano.FindHyperparameterOr(net, n, 0.0, "dropout_probability", "probability")
	if p < 0 || p >= 1 {
		panicInvalidHyperparameter(n, "dropout_probability", p)
	}
	if p == 0 || treeano.FindHyperparameterOr(net, n, false, "deterministic") {
		net.CreateOutput(n, x)
		return
	}
	mask := graph.Step(graph.Sub(graph.RandomUniform(x), graph.ScalarLike(x, p)))
	net.CreateOutput(n, graph.MulScalar(graph.Mul(x, mask), 1/(1-p)))
}
