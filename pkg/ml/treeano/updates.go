// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/pkg/errors"
)

// MergePolicy defines how an update delta combines with another delta for the same variable.
type MergePolicy int

const (
	// Exclusive deltas can't be merged with any other delta for the same variable.
	Exclusive MergePolicy = iota

	// Additive deltas are summed with other additive deltas for the same variable.
	Additive
)

// String implements fmt.Stringer.
func (p MergePolicy) String() string {
	switch p {
	case Exclusive:
		return "Exclusive"
	case Additive:
		return "Additive"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

type updateDelta struct {
	variable *VariableWrapper
	delta    *graph.Node
	policy   MergePolicy
}

// UpdateDeltas maps shared variables to update expressions: after each call that includes updates, the
// delta is added to the variable's value.
//
// UpdateDeltas are keyed by variable identity. Merge never modifies its operands.
type UpdateDeltas struct {
	deltas map[*VariableWrapper]*updateDelta
}

// NewUpdateDeltas creates an empty UpdateDeltas.
func NewUpdateDeltas() *UpdateDeltas {
	return &UpdateDeltas{deltas: make(map[*VariableWrapper]*updateDelta)}
}

// Set the delta for the variable, with the given merge policy (Exclusive if not given). It replaces any
// previous delta for the same variable in this UpdateDeltas. It returns itself, so calls can be chained.
func (u *UpdateDeltas) Set(variable *VariableWrapper, delta *graph.Node, policy ...MergePolicy) *UpdateDeltas {
	if !variable.IsShared() {
		panicConstructionf(variable.Owner(), "update delta for variable %q, which is not shared", variable.Name())
	}
	if !delta.Shape().Compatible(variable.Shape()) {
		shapes.PanicShapeError(variable.Name(), variable.Shape(), delta.Shape(), "update delta with incompatible shape")
	}
	p := Exclusive
	if len(policy) > 0 {
		p = policy[0]
	}
	u.deltas[variable] = &updateDelta{variable: variable, delta: delta, policy: p}
	return u
}

// Get returns the delta for the variable, or nil if not set.
func (u *UpdateDeltas) Get(variable *VariableWrapper) *graph.Node {
	if d, found := u.deltas[variable]; found {
		return d.delta
	}
	return nil
}

// Policy returns the merge policy of the delta for the variable.
func (u *UpdateDeltas) Policy(variable *VariableWrapper) MergePolicy {
	if d, found := u.deltas[variable]; found {
		return d.policy
	}
	return Exclusive
}

// Len returns the number of variables with deltas.
func (u *UpdateDeltas) Len() int { return len(u.deltas) }

// Variables returns the variables with deltas, sorted by name.
func (u *UpdateDeltas) Variables() []*VariableWrapper {
	variables := make([]*VariableWrapper, 0, len(u.deltas))
	for v := range u.deltas {
		variables = append(variables, v)
	}
	slices.SortFunc(variables, func(a, b *VariableWrapper) int { return strings.Compare(a.Name(), b.Name()) })
	return variables
}

func (u *UpdateDeltas) clone() *UpdateDeltas {
	result := NewUpdateDeltas()
	for v, d := range u.deltas {
		dCopy := *d
		result.deltas[v] = &dCopy
	}
	return result
}

// Merge returns a new UpdateDeltas with the deltas of both u and other.
//
// Deltas of variables present in both are summed if both are Additive, otherwise it returns a
// *MergeConflictError. Merge is commutative and associative, up to the order of the sums.
func (u *UpdateDeltas) Merge(other *UpdateDeltas) (*UpdateDeltas, error) {
	result := u.clone()
	if other == nil {
		return result, nil
	}
	for _, v := range other.Variables() {
		right := other.deltas[v]
		left, found := result.deltas[v]
		if !found {
			dCopy := *right
			result.deltas[v] = &dCopy
			continue
		}
		if left.policy != Additive || right.policy != Additive {
			return nil, errors.WithStack(&MergeConflictError{Variable: v.Name(), Left: left.policy, Right: right.policy})
		}
		left.delta = graph.Add(left.delta, right.delta)
	}
	return result, nil
}

// MergeOverwrite returns a new UpdateDeltas with the deltas of both u and other, where other's deltas
// replace u's for variables present in both.
func (u *UpdateDeltas) MergeOverwrite(other *UpdateDeltas) *UpdateDeltas {
	result := u.clone()
	if other == nil {
		return result
	}
	for v, d := range other.deltas {
		dCopy := *d
		result.deltas[v] = &dCopy
	}
	return result
}

// String implements fmt.Stringer.
func (u *UpdateDeltas) String() string {
	parts := make([]string, 0, len(u.deltas))
	for _, v := range u.Variables() {
		d := u.deltas[v]
		parts = append(parts, fmt.Sprintf("%s(%s)", v.Name(), d.policy))
	}
	return "UpdateDeltas{" + strings.Join(parts, ", ") + "}"
}
