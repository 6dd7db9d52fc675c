// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/shapes"
)

// Update sets the value of a shared variable to Value after each execution.
type Update struct {
	Variable *SharedVariable
	Value    *Node
}

// Program designates which nodes of a Graph are computed by an execution, and which shared
// variables are updated. It is the unit compiled by a backend.
type Program struct {
	Graph   *Graph
	Outputs []*Node
	Updates []Update
}

// NewProgram creates a Program, validating that outputs and updates belong to g, and that
// the update values are compatible with their variables' shapes.
func NewProgram(g *Graph, outputs []*Node, updates []Update) *Program {
	for _, out := range outputs {
		if out == nil || out.graph != g {
			exceptions.Panicf("NewProgram(%q): output %s not part of the graph", g.name, out)
		}
	}
	seen := make(map[*SharedVariable]bool, len(updates))
	for _, u := range updates {
		if u.Value == nil || u.Value.graph != g {
			exceptions.Panicf("NewProgram(%q): update of %s not part of the graph", g.name, u.Variable)
		}
		if seen[u.Variable] {
			exceptions.Panicf("NewProgram(%q): variable %q updated twice", g.name, u.Variable.Name())
		}
		seen[u.Variable] = true
		if !u.Value.Shape().Compatible(u.Variable.Shape()) {
			shapes.PanicShapeError(u.Variable.Name(), u.Variable.Shape(), u.Value.Shape(),
				"update value incompatible with the variable shape")
		}
	}
	return &Program{Graph: g, Outputs: outputs, Updates: updates}
}

// Roots returns the nodes that need to be evaluated: outputs followed by update values.
func (p *Program) Roots() []*Node {
	roots := make([]*Node, 0, len(p.Outputs)+len(p.Updates))
	roots = append(roots, p.Outputs...)
	for _, u := range p.Updates {
		roots = append(roots, u.Value)
	}
	return roots
}

// RequiredParameters returns the parameters that the outputs and updates depend on, in
// graph order.
func (p *Program) RequiredParameters() []*Node {
	used := make([]bool, p.Graph.NumNodes())
	var visit func(n *Node)
	visit = func(n *Node) {
		if used[n.id] {
			return
		}
		used[n.id] = true
		for _, input := range n.inputs {
			visit(input)
		}
	}
	for _, root := range p.Roots() {
		visit(root)
	}
	var params []*Node
	for _, param := range p.Graph.parameterOrder {
		if used[param.id] {
			params = append(params, param)
		}
	}
	return params
}
