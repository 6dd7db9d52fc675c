// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/backends"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/pkg/errors"
)

// buffer holds a concrete value during execution.
type buffer struct {
	dims []int
	flat []float64
}

func newBuffer(dims []int) *buffer {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return &buffer{dims: dims, flat: make([]float64, size)}
}

func bufferFromTensor(t *tensors.Tensor) *buffer {
	return &buffer{dims: t.Shape().Dimensions, flat: t.Flat64()}
}

func (b *buffer) rank() int { return len(b.dims) }

// Executable implements backends.Executable for a graph.Program.
type Executable struct {
	program *graph.Program

	// order lists the nodes needed by the program, in graph (topological) order.
	order []*graph.Node

	// numUses is the number of times each node (by id) is used as input by nodes in order,
	// plus once per program root. Intermediate results are released after their last use.
	numUses []int

	inputNames []string

	// mu serializes executions, since they share the random number generator.
	mu  sync.Mutex
	rng *rand.Rand
}

// Compile time check.
var _ backends.Executable = (*Executable)(nil)

func newExecutable(program *graph.Program) *Executable {
	g := program.Graph
	e := &Executable{
		program: program,
		numUses: make([]int, g.NumNodes()),
	}
	needed := make([]bool, g.NumNodes())
	var visit func(n *graph.Node)
	visit = func(n *graph.Node) {
		if needed[n.Id()] {
			return
		}
		needed[n.Id()] = true
		for _, input := range n.Inputs() {
			visit(input)
		}
	}
	for _, root := range program.Roots() {
		visit(root)
		e.numUses[root.Id()]++
	}
	for _, n := range g.Nodes() {
		if !needed[n.Id()] {
			continue
		}
		e.order = append(e.order, n)
		for _, input := range n.Inputs() {
			e.numUses[input.Id()]++
		}
	}
	for _, param := range program.RequiredParameters() {
		e.inputNames = append(e.inputNames, param.ParameterName())
	}
	return e
}

// InputNames implements backends.Executable.
func (e *Executable) InputNames() []string { return e.inputNames }

// Execute implements backends.Executable.
func (e *Executable) Execute(inputs map[string]*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	err = exceptions.TryCatch[error](func() { outputs = e.execute(inputs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "simplego: executing %q", e.program.Graph.Name())
	}
	return outputs, nil
}

func (e *Executable) execute(inputs map[string]*tensors.Tensor) []*tensors.Tensor {
	results := make([]*buffer, e.program.Graph.NumNodes())
	numUsed := make([]int, len(results))
	for _, node := range e.order {
		results[node.Id()] = e.executeNode(node, inputs, results)
		for _, input := range node.Inputs() {
			numUsed[input.Id()]++
			if numUsed[input.Id()] == e.numUses[input.Id()] {
				results[input.Id()] = nil
			}
		}
	}

	toTensor := func(node *graph.Node) *tensors.Tensor {
		b := results[node.Id()]
		shape := shapes.Make(node.DType(), slices.Clone(b.dims)...)
		return tensors.FromFlat64(shape, slices.Clone(b.flat))
	}
	outputs := make([]*tensors.Tensor, len(e.program.Outputs))
	for ii, node := range e.program.Outputs {
		outputs[ii] = toTensor(node)
	}
	newValues := make([]*tensors.Tensor, len(e.program.Updates))
	for ii, update := range e.program.Updates {
		newValues[ii] = toTensor(update.Value)
	}
	for ii, update := range e.program.Updates {
		if err := update.Variable.SetValue(newValues[ii]); err != nil {
			panic(err)
		}
	}
	return outputs
}

func (e *Executable) executeNode(node *graph.Node, inputs map[string]*tensors.Tensor, results []*buffer) *buffer {
	operands := make([]*buffer, len(node.Inputs()))
	for ii, input := range node.Inputs() {
		operands[ii] = results[input.Id()]
	}
	switch node.Type() {
	case graph.NodeTypeParameter:
		return e.parameter(node, inputs)
	case graph.NodeTypeShared:
		return bufferFromTensor(node.SharedVariable().Value())
	case graph.NodeTypeConstant:
		return bufferFromTensor(node.ConstantValue())
	case graph.NodeTypeAdd, graph.NodeTypeSub, graph.NodeTypeMul, graph.NodeTypeDiv, graph.NodeTypeMax:
		return execBinary(node.Type(), operands[0], operands[1])
	case graph.NodeTypeNeg, graph.NodeTypeExp, graph.NodeTypeLog, graph.NodeTypeSqrt, graph.NodeTypeTanh,
		graph.NodeTypeSigmoid, graph.NodeTypeRelu, graph.NodeTypeStep:
		return execUnary(node.Type(), operands[0])
	case graph.NodeTypeStopGradient:
		return operands[0]
	case graph.NodeTypeConvertDType:
		return execConvertDType(node, operands[0])
	case graph.NodeTypeMatMul:
		return execMatMul(operands[0], operands[1])
	case graph.NodeTypeTranspose:
		return execTranspose(operands[0], node.Axes())
	case graph.NodeTypeReduceSum, graph.NodeTypeReduceMean, graph.NodeTypeReduceMax:
		return execReduce(node.Type(), operands[0], node.Axes())
	case graph.NodeTypeBroadcastAxes:
		return execBroadcastAxes(operands[0], operands[1], node.Axes())
	case graph.NodeTypeReshape:
		return execReshape(operands[0], node.IntParams())
	case graph.NodeTypeReshapeLike:
		return execReshape(operands[0], operands[1].dims)
	case graph.NodeTypeDimension:
		return &buffer{flat: []float64{float64(operands[0].dims[node.IntParams()[0]])}}
	case graph.NodeTypeOneHot:
		return execOneHot(operands[0], node.IntParams()[0])
	case graph.NodeTypeRandomUniform:
		out := newBuffer(slices.Clone(operands[0].dims))
		for ii := range out.flat {
			out.flat[ii] = e.rng.Float64()
		}
		return out
	case graph.NodeTypeConv1D:
		return execConv1D(operands[0], operands[1], node.IntParams()[0], node.IntParams()[1])
	case graph.NodeTypeConv1DGradInput:
		return execConv1DGradInput(operands[0], operands[1], operands[2], node.IntParams()[0], node.IntParams()[1])
	case graph.NodeTypeConv1DGradFilter:
		params := node.IntParams()
		return execConv1DGradFilter(operands[0], operands[1], params[0], params[1], params[2])
	}
	exceptions.Panicf("simplego: node type %s not implemented", node.Type())
	return nil
}

// parameter checks the input given for the parameter node against its (possibly partially known)
// shape. The input's dtype is not checked: values are converted on output.
func (e *Executable) parameter(node *graph.Node, inputs map[string]*tensors.Tensor) *buffer {
	name := node.ParameterName()
	input, found := inputs[name]
	if !found || input == nil {
		exceptions.Panicf("missing input for parameter %q (shape %s)", name, node.Shape())
	}
	want := node.Shape()
	got := input.Shape()
	if err := got.CheckDims(want.Dimensions...); err != nil {
		shapes.PanicShapeError(name, want, got, "input shape doesn't match parameter: %v", err)
	}
	return bufferFromTensor(input)
}
