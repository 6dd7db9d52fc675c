// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"maps"
	"slices"
	"strings"
)

// H is a set of hyperparameters, by name.
type H map[string]any

// Node is a declarative, named unit of network architecture. Node names must be unique within a tree.
//
// Besides the methods below, nodes implement any of the optional capabilities:
//
//   - ArchitectureChildrener: the node has children (possibly created from its hyperparameters).
//   - StateIniter: the node declares how data flows between itself and its children.
//   - OutputComputer: the node creates variables (outputs, parameters) in the computation phase.
//   - HyperparameterGetter: the node provides hyperparameters dynamically, to itself and its descendants.
//   - UpdateDeltasProvider: the node contributes update expressions (e.g. optimizers).
//
// Nodes must be pure functions of their hyperparameters and inputs: networks built from the same tree
// (e.g. with different hyperparameter overrides) call them again.
type Node interface {
	// Name of the node, unique within the tree.
	Name() string

	// HyperparameterNames returns the names of the hyperparameters the node accepts.
	HyperparameterNames() []string

	// Hyperparameters returns the node's own stored hyperparameters.
	Hyperparameters() H
}

// ArchitectureChildrener is implemented by nodes with children.
type ArchitectureChildrener interface {
	// ArchitectureChildren returns the node's children. It's called once per build.
	ArchitectureChildren() []Node
}

// StateIniter is implemented by nodes that declare their own data flow.
//
// Nodes that don't implement it get the default: the node reads its "default" input (as set by its parent);
// nodes with children forward their input to each child and take the output of the last one.
type StateIniter interface {
	InitState(net *Network, state *InitState)
}

// OutputComputer is implemented by nodes that create variables, given their resolved inputs by key.
// The node's output is the variable created with key "default", unless the node takes the output of one
// of its children.
type OutputComputer interface {
	ComputeOutput(net *Network, inputs map[string]*VariableWrapper)
}

// HyperparameterGetter is implemented by nodes that provide hyperparameters dynamically. It is consulted,
// after the stored hyperparameters, for the node itself and its descendants.
type HyperparameterGetter interface {
	GetHyperparameter(net *Network, name string) (value any, found bool)
}

// UpdateDeltasProvider is implemented by nodes that contribute update expressions, e.g. optimizers.
// It is called after all outputs have been computed.
type UpdateDeltasProvider interface {
	NewUpdateDeltas(net *Network) *UpdateDeltas
}

// AnyHyperparameterAccepter is implemented by nodes that accept any hyperparameter, typically to make them
// available to their descendants.
type AnyHyperparameterAccepter interface {
	AcceptsAnyHyperparameter() bool
}

// NodeImpl implements the basic methods of Node, and is meant to be embedded by node implementations.
type NodeImpl struct {
	name            string
	hyperparameters H
}

// NewNodeImpl creates a NodeImpl with the given name and stored hyperparameters. Unknown hyperparameters
// are reported as a ConstructionError when the network is built.
func NewNodeImpl(name string, hyperparameters H) NodeImpl {
	return NodeImpl{name: name, hyperparameters: maps.Clone(hyperparameters)}
}

// Name implements Node.
func (n *NodeImpl) Name() string { return n.name }

// Hyperparameters implements Node.
func (n *NodeImpl) Hyperparameters() H { return n.hyperparameters }

// validateHyperparameters checks that all stored hyperparameters are accepted by the node.
func validateHyperparameters(node Node) {
	if accepter, ok := node.(AnyHyperparameterAccepter); ok && accepter.AcceptsAnyHyperparameter() {
		return
	}
	accepted := node.HyperparameterNames()
	var unknown []string
	for key := range node.Hyperparameters() {
		if !slices.Contains(accepted, key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		panicConstructionf(node.Name(), "unknown hyperparameters [%s] (accepted: [%s])",
			strings.Join(unknown, ", "), strings.Join(accepted, ", "))
	}
}

// ref points to a variable of a node by its key. An empty key means "default".
type ref struct {
	node string
	key  string
}

func (r ref) String() string { return r.node + ":" + r.key }

// DefaultKey is the key of a node's main input and output.
const DefaultKey = "default"

// InitState is used by nodes in the init-state phase to declare the data flow of their subtree.
// Dependencies are references, resolved in the computation phase.
type InitState struct {
	net  *Network
	node Node
}

// ForwardInput makes the node's "default" input also the "default" input of child.
func (s *InitState) ForwardInput(child Node) {
	s.net.checkChild(s.node, child)
	if input, found := s.net.state(s.node.Name()).inputs[DefaultKey]; found {
		s.net.state(child.Name()).inputs[DefaultKey] = input
	}
}

// TakeOutput makes the "default" output of child the "default" output of the node.
func (s *InitState) TakeOutput(child Node) {
	s.net.checkChild(s.node, child)
	s.net.state(s.node.Name()).outputAliases[DefaultKey] = ref{node: child.Name(), key: DefaultKey}
}

// Chain makes the "default" output of from the "default" input of to. Both must be children of the node.
func (s *InitState) Chain(from, to Node) {
	s.net.checkChild(s.node, from)
	s.net.checkChild(s.node, to)
	s.net.state(to.Name()).inputs[DefaultKey] = ref{node: from.Name(), key: DefaultKey}
}

// AddInput adds the input key to the node, reading from the given node, which can be any node in the tree.
// from can be a node name, for its "default" output, or "<node>:<key>" for a specific variable.
func (s *InitState) AddInput(key string, from string) {
	nodeName, varKey, found := strings.Cut(from, ":")
	if !found {
		varKey = DefaultKey
	}
	s.net.state(s.node.Name()).inputs[key] = ref{node: nodeName, key: varKey}
}

// Node returns the node whose state is being initialized.
func (s *InitState) Node() Node { return s.node }
