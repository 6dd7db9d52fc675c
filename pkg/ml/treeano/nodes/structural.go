// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
)

// InputNode creates an input variable of the network, to be fed when calling it.
type InputNode struct {
	treeano.NodeImpl
}

// Input creates an input node. Hyperparameters:
//
//   - "shape": dimensions of the input, with -1 (or nil) for unknown dimensions, e.g. the batch axis.
//   - "dtype": a dtypes.DType or its name, defaults to "float32".
func Input(name string, hyperparameters treeano.H) *InputNode {
	return &InputNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *InputNode) HyperparameterNames() []string { return []string{"shape", "dtype"} }

// ComputeOutput implements treeano.OutputComputer.
func (n *InputNode) ComputeOutput(net *treeano.Network, _ map[string]*treeano.VariableWrapper) {
	dims := parseDimensions(n, net.FindHyperparameter(n, []string{"shape"}))
	dtype := resolveDType(net, n, dtypes.Float32)
	net.CreateVariable(n, treeano.DefaultKey, treeano.VariableSpec{
		Shape: shapes.Make(dtype, dims...),
		Tags:  []string{treeano.TagInput},
	})
}

// parseDimensions converts a "shape" hyperparameter, where nil means an unknown dimension.
func parseDimensions(node treeano.Node, value any) []int {
	switch v := value.(type) {
	case []int:
		return v
	case []any:
		dims := make([]int, len(v))
		for ii, elem := range v {
			switch dim := elem.(type) {
			case nil:
				dims[ii] = shapes.UnknownDim
			case int:
				dims[ii] = dim
			case int64:
				dims[ii] = int(dim)
			case float64:
				dims[ii] = int(dim)
			default:
				panicInvalidHyperparameter(node, "shape", value)
			}
		}
		return dims
	}
	panicInvalidHyperparameter(node, "shape", value)
	return nil
}

// resolveDType resolves the "dtype" hyperparameter, given as a dtypes.DType or its name.
func resolveDType(net *treeano.Network, node treeano.Node, defaultDType dtypes.DType) dtypes.DType {
	switch v := net.FindHyperparameter(node, []string{"dtype"}, defaultDType).(type) {
	case dtypes.DType:
		return v
	case string:
		dtype, err := shapes.ParseDType(v)
		if err != nil {
			panic(errors.WithMessagef(err, "node %q", node.Name()))
		}
		return dtype
	default:
		panicInvalidHyperparameter(node, "dtype", v)
	}
	return dtypes.InvalidDType
}

func panicInvalidHyperparameter(node treeano.Node, name string, value any) {
	panic(errors.WithStack(&treeano.ConstructionError{Node: node.Name(),
		Reason: fmt.Sprintf("invalid value for hyperparameter %q: (%T) %v", name, value, value)}))
}

// SequentialNode applies its children in sequence: the output of each child is the input of the next.
type SequentialNode struct {
	treeano.NodeImpl
	children []treeano.Node
}

// Sequential creates a node that chains its children.
func Sequential(name string, children ...treeano.Node) *SequentialNode {
	return &SequentialNode{NodeImpl: treeano.NewNodeImpl(name, nil), children: children}
}

// HyperparameterNames implements treeano.Node.
func (n *SequentialNode) HyperparameterNames() []string { return nil }

// ArchitectureChildren implements treeano.ArchitectureChildrener.
func (n *SequentialNode) ArchitectureChildren() []treeano.Node { return n.children }

// InitState implements treeano.StateIniter.
func (n *SequentialNode) InitState(_ *treeano.Network, state *treeano.InitState) {
	if len(n.children) == 0 {
		return
	}
	state.ForwardInput(n.children[0])
	for ii := 1; ii < len(n.children); ii++ {
		state.Chain(n.children[ii-1], n.children[ii])
	}
	state.TakeOutput(n.children[len(n.children)-1])
}

// ContainerNode holds children that are not chained: each one gets the container's input, and the
// container's output is the output of the first child.
type ContainerNode struct {
	treeano.NodeImpl
	children []treeano.Node
}

// Container creates a node that holds independent children.
func Container(name string, children ...treeano.Node) *ContainerNode {
	return &ContainerNode{NodeImpl: treeano.NewNodeImpl(name, nil), children: children}
}

// HyperparameterNames implements treeano.Node.
func (n *ContainerNode) HyperparameterNames() []string { return nil }

// ArchitectureChildren implements treeano.ArchitectureChildrener.
func (n *ContainerNode) ArchitectureChildren() []treeano.Node { return n.children }

// InitState implements treeano.StateIniter.
func (n *ContainerNode) InitState(_ *treeano.Network, state *treeano.InitState) {
	for _, child := range n.children {
		state.ForwardInput(child)
	}
	if len(n.children) > 0 {
		state.TakeOutput(n.children[0])
	}
}

// HyperparameterNode stores hyperparameters for its subtree. It accepts any hyperparameter.
type HyperparameterNode struct {
	treeano.NodeImpl
	child treeano.Node
}

// Hyperparameter creates a node that makes the given hyperparameters available to child and its
// descendants.
func Hyperparameter(name string, hyperparameters treeano.H, child treeano.Node) *HyperparameterNode {
	return &HyperparameterNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters), child: child}
}

// HyperparameterNames implements treeano.Node.
func (n *HyperparameterNode) HyperparameterNames() []string {
	names := make([]string, 0, len(n.Hyperparameters()))
	for name := range n.Hyperparameters() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AcceptsAnyHyperparameter implements treeano.AnyHyperparameterAccepter.
func (n *HyperparameterNode) AcceptsAnyHyperparameter() bool { return true }

// ArchitectureChildren implements treeano.ArchitectureChildrener.
func (n *HyperparameterNode) ArchitectureChildren() []treeano.Node { return []treeano.Node{n.child} }

// ReferenceNode outputs the output of another node of the tree, given by the "reference" hyperparameter.
// It can also refer to a specific variable, with "<node>:<key>".
type ReferenceNode struct {
	treeano.NodeImpl
}

// Reference creates a node that outputs the output of the node named by the "reference" hyperparameter.
func Reference(name string, hyperparameters treeano.H) *ReferenceNode {
	return &ReferenceNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *ReferenceNode) HyperparameterNames() []string { return []string{"reference"} }

// InitState implements treeano.StateIniter.
func (n *ReferenceNode) InitState(net *treeano.Network, state *treeano.InitState) {
	state.AddInput(treeano.DefaultKey, treeano.MustFindHyperparameter[string](net, n, "reference"))
}

// ComputeOutput implements treeano.OutputComputer.
func (n *ReferenceNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	net.CreateOutput(n, treeano.Input(n, inputs, treeano.DefaultKey).Node())
}

// IdentityNode outputs its input.
type IdentityNode struct {
	treeano.NodeImpl
}

// Identity creates a node that outputs its input unchanged.
func Identity(name string, hyperparameters treeano.H) *IdentityNode {
	return &IdentityNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *IdentityNode) HyperparameterNames() []string { return nil }

// ComputeOutput implements treeano.OutputComputer.
func (n *IdentityNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	net.CreateOutput(n, treeano.Input(n, inputs, treeano.DefaultKey).Node())
}

// ConstantNode outputs a constant, given by the "value" hyperparameter: a number, a (multi-dimensional)
// slice of numbers or a *tensors.Tensor. An optional "dtype" converts the value.
type ConstantNode struct {
	treeano.NodeImpl
}

// Constant creates a node that outputs a constant value.
func Constant(name string, hyperparameters treeano.H) *ConstantNode {
	return &ConstantNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *ConstantNode) HyperparameterNames() []string { return []string{"value", "dtype"} }

// ComputeOutput implements treeano.OutputComputer.
func (n *ConstantNode) ComputeOutput(net *treeano.Network, _ map[string]*treeano.VariableWrapper) {
	var value *tensors.Tensor
	switch v := net.FindHyperparameter(n, []string{"value"}).(type) {
	case *tensors.Tensor:
		value = v
	default:
		value = tensors.FromValue(v)
	}
	output := net.Graph().Const(value)
	if dtype := resolveDType(net, n, value.DType()); dtype != value.DType() {
		output = graph.ConvertDType(output, dtype)
	}
	net.CreateOutput(n, output)
}

// ApplyNode applies a function to its input. It can't be created from a registry.
type ApplyNode struct {
	treeano.NodeImpl
	fn func(x *graph.Node) *graph.Node
}

// Apply creates a node that outputs fn(input).
func Apply(name string, fn func(x *graph.Node) *graph.Node) *ApplyNode {
	return &ApplyNode{NodeImpl: treeano.NewNodeImpl(name, nil), fn: fn}
}

// HyperparameterNames implements treeano.Node.
func (n *ApplyNode) HyperparameterNames() []string { return nil }

// ComputeOutput implements treeano.OutputComputer.
func (n *ApplyNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	net.CreateOutput(n, n.fn(treeano.Input(n, inputs, treeano.DefaultKey).Node()))
}
