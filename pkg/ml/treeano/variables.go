// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/support/sets"
)

// Standard variable tags.
const (
	TagInput          = "input"
	TagOutput         = "output"
	TagParameter      = "parameter"
	TagWeight         = "weight"
	TagBias           = "bias"
	TagState          = "state"
	TagHyperparameter = "hyperparameter"
	TagMonitor        = "monitor"
)

// Initializer creates the initial value of a shared variable.
//
// Initializers are tried in order, and the first one that applies to the variable (by its shape, tags or
// name) is used.
type Initializer interface {
	// Applies returns whether the initializer can initialize the variable.
	Applies(vw *VariableWrapper) bool

	// Initialize returns the initial value for the variable. vw.Shape() is always fully known.
	Initialize(vw *VariableWrapper, rng *rand.Rand) *tensors.Tensor
}

// VariableSpec describes a variable to be created with Network.CreateVariable.
type VariableSpec struct {
	// Name, if set, is the absolute name of the variable, used instead of "<node>:<key>". Shared variables
	// created with the same absolute name by different nodes are the same variable (weight tying).
	Name string

	// Shape of the variable. For non-shared variables it defaults to the shape of Value.
	// Shared variables must have a fully known shape.
	Shape shapes.Shape

	// Tags of the variable, e.g. TagParameter and TagWeight.
	Tags []string

	// Shared marks a persistent variable, whose value is kept in the network's SharedStore.
	Shared bool

	// Inits are tried in order to initialize a shared variable that doesn't exist yet in the store.
	// If none applies, the variable is initialized with zeros.
	Inits []Initializer

	// Value is the symbolic value of a non-shared variable, e.g. the output of a node.
	// For input variables, leave it nil and add the TagInput tag: a graph parameter is created.
	Value *graph.Node
}

// VariableWrapper represents one named symbolic tensor of a network: an input, a node output, a parameter
// or any other intermediary value.
type VariableWrapper struct {
	name   string
	key    string
	owner  string
	shape  shapes.Shape
	tags   sets.Set[string]
	shared *graph.SharedVariable
	inits  []Initializer
	node   *graph.Node
}

// Name is the unique name of the variable within the network, usually "<node>:<key>".
func (vw *VariableWrapper) Name() string { return vw.name }

// Key is the name of the variable relative to its owner node, e.g. "default" or "W".
func (vw *VariableWrapper) Key() string { return vw.key }

// Owner returns the name of the node that created the variable.
func (vw *VariableWrapper) Owner() string { return vw.owner }

// Shape of the variable, possibly with unknown dimensions.
func (vw *VariableWrapper) Shape() shapes.Shape { return vw.shape }

// Tags of the variable, sorted.
func (vw *VariableWrapper) Tags() []string { return sets.Sorted(vw.tags) }

// HasTag returns whether the variable has the given tag.
func (vw *VariableWrapper) HasTag(tag string) bool { return vw.tags.Has(tag) }

// IsShared returns whether this is a persistent variable.
func (vw *VariableWrapper) IsShared() bool { return vw.shared != nil }

// Inits returns the initializers the variable was created with.
func (vw *VariableWrapper) Inits() []Initializer { return vw.inits }

// Node returns the symbolic value of the variable in the network's graph.
func (vw *VariableWrapper) Node() *graph.Node { return vw.node }

// SharedVariable returns the underlying persistent variable, or nil if the variable is not shared.
func (vw *VariableWrapper) SharedVariable() *graph.SharedVariable { return vw.shared }

// Value returns the current value of a shared variable, or nil for non-shared variables.
func (vw *VariableWrapper) Value() *tensors.Tensor {
	if vw.shared == nil {
		return nil
	}
	return vw.shared.Value()
}

// SetValue sets the value of a shared variable.
func (vw *VariableWrapper) SetValue(value *tensors.Tensor) error {
	if vw.shared == nil {
		return &ConstructionError{Node: vw.owner, Reason: fmt.Sprintf("variable %q is not shared, its value can't be set", vw.name)}
	}
	return vw.shared.SetValue(value)
}

// String implements fmt.Stringer.
func (vw *VariableWrapper) String() string {
	var shared string
	if vw.IsShared() {
		shared = ", shared"
	}
	return fmt.Sprintf("VariableWrapper(%s: %s, tags=[%s]%s)", vw.name, vw.shape, strings.Join(vw.Tags(), " "), shared)
}

// SharedStore holds the values of shared variables by name. It outlives networks: all networks built
// with the same store (e.g.: a network and its versions with overridden hyperparameters) share their
// variables' values.
type SharedStore struct {
	variables map[string]*graph.SharedVariable
}

// NewSharedStore creates an empty store.
func NewSharedStore() *SharedStore {
	return &SharedStore{variables: make(map[string]*graph.SharedVariable)}
}

// Get returns the shared variable with the given name, or nil if it doesn't exist.
func (s *SharedStore) Get(name string) *graph.SharedVariable { return s.variables[name] }

// Names returns the sorted names of the variables in the store.
func (s *SharedStore) Names() []string {
	names := make([]string, 0, len(s.variables))
	for name := range s.variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of variables stored.
func (s *SharedStore) Len() int { return len(s.variables) }

// Values returns a copy of all the values in the store, by variable name.
func (s *SharedStore) Values() map[string]*tensors.Tensor {
	values := make(map[string]*tensors.Tensor, len(s.variables))
	for name, v := range s.variables {
		values[name] = v.Value().Clone()
	}
	return values
}

// Load sets the values of existing variables, e.g. from a previous Values call. Values for variables
// that don't exist yet are stored and used instead of the initializers when they are created.
func (s *SharedStore) Load(values map[string]*tensors.Tensor) error {
	for name, value := range values {
		if v, found := s.variables[name]; found {
			if err := v.SetValue(value); err != nil {
				return err
			}
			continue
		}
		s.variables[name] = graph.NewSharedVariable(name, value.Clone())
	}
	return nil
}

func (s *SharedStore) remove(names ...string) {
	for _, name := range names {
		delete(s.variables, name)
	}
}

// getOrCreate returns the shared variable with the given name, creating it with init if it doesn't exist.
// The boolean indicates whether it was created.
func (s *SharedStore) getOrCreate(name string, shape shapes.Shape, init func() *tensors.Tensor) (*graph.SharedVariable, bool) {
	if v, found := s.variables[name]; found {
		if !v.Shape().Equal(shape) {
			shapes.PanicShapeError(name, v.Shape(), shape, "shared variable re-created with a different shape")
		}
		return v, false
	}
	v := graph.NewSharedVariable(name, init())
	s.variables[name] = v
	return v, true
}
