// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// Constructor creates a node of some type, given its name, stored hyperparameters and children (only
// for node types that take children).
type Constructor func(name string, hyperparameters H, children []Node) (Node, error)

// Registry maps node type names (e.g. "dense") to their constructors. It is used to build node trees from
// declarative descriptions.
//
// A Registry is populated explicitly by its owner and then can be shared read-only: it's not safe to
// register new types concurrently with lookups.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register the constructor for the node type. It fails if the type is already registered.
func (r *Registry) Register(typeName string, constructor Constructor) error {
	if typeName == "" {
		return errors.New("registering node type with empty name")
	}
	if _, found := r.constructors[typeName]; found {
		return errors.Errorf("node type %q already registered", typeName)
	}
	r.constructors[typeName] = constructor
	return nil
}

// MustRegister is like Register, but it panics on error.
func (r *Registry) MustRegister(typeName string, constructor Constructor) *Registry {
	if err := r.Register(typeName, constructor); err != nil {
		panic(err)
	}
	return r
}

// Has returns whether the node type is registered.
func (r *Registry) Has(typeName string) bool {
	_, found := r.constructors[typeName]
	return found
}

// Types returns the sorted registered node type names.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.constructors))
}

// Clone returns a copy of the registry, which can be extended without changing the original.
func (r *Registry) Clone() *Registry {
	return &Registry{constructors: maps.Clone(r.constructors)}
}

// New creates a node of the given type. Unknown types return a *ConstructionError.
func (r *Registry) New(typeName, name string, hyperparameters H, children []Node) (Node, error) {
	constructor, found := r.constructors[typeName]
	if !found {
		return nil, errors.WithStack(&ConstructionError{Node: name, Reason: "unknown node type " + typeName})
	}
	node, err := constructor(name, hyperparameters, children)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating node %q of type %q", name, typeName)
	}
	return node, nil
}
