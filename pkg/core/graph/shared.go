// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SharedVariable is a named tensor whose value persists across executions of compiled programs.
// Its shape is always fully known.
//
// Programs read it through Graph.Shared, and may update it through Program.Updates.
type SharedVariable struct {
	name  string
	value *tensors.Tensor
}

// NewSharedVariable creates a shared variable with the given initial value.
func NewSharedVariable(name string, value *tensors.Tensor) *SharedVariable {
	if value == nil {
		exceptions.Panicf("NewSharedVariable(%q): nil initial value", name)
	}
	return &SharedVariable{name: name, value: value}
}

// Name of the variable.
func (v *SharedVariable) Name() string { return v.name }

// Shape of the variable.
func (v *SharedVariable) Shape() shapes.Shape { return v.value.Shape() }

// Value returns the current value.
func (v *SharedVariable) Value() *tensors.Tensor { return v.value }

// SetValue replaces the current value. The new value must have the same shape.
func (v *SharedVariable) SetValue(value *tensors.Tensor) error {
	if !value.Shape().Equal(v.value.Shape()) {
		return errors.WithStack(&shapes.ShapeError{
			Name:     v.name,
			Expected: v.value.Shape().String(),
			Actual:   value.Shape().String(),
			Reason:   "shared variable value set with a different shape",
		})
	}
	v.value = value
	return nil
}

// String implements fmt.Stringer.
func (v *SharedVariable) String() string {
	return "SharedVariable(" + v.name + ": " + v.value.Shape().String() + ")"
}
