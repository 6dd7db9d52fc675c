// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"fmt"
	"strings"

	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ConstructionError reports a malformed node tree: duplicate names, unknown hyperparameters, data
// dependency cycles, missing outputs or a network built twice.
type ConstructionError struct {
	Node   string
	Reason string
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	if e.Node == "" {
		return "construction error: " + e.Reason
	}
	return fmt.Sprintf("construction error in node %q: %s", e.Node, e.Reason)
}

// ResolutionError reports a required hyperparameter that could not be found for a node.
type ResolutionError struct {
	Node    string
	Aliases []string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("node %q: hyperparameter %s not found in overrides, node or ancestors, and no default given",
		e.Node, strings.Join(e.Aliases, "/"))
}

// ShapeError reports a shape inference contradiction. It is the same type used by the graph package,
// so errors.As works for either.
type ShapeError = shapes.ShapeError

// MergeConflictError reports two update deltas targeting the same variable, without both being additive.
type MergeConflictError struct {
	Variable string
	Left     MergePolicy
	Right    MergePolicy
}

// Error implements the error interface.
func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("update deltas conflict on variable %q (policies %s and %s)", e.Variable, e.Left, e.Right)
}

// panicConstructionf panics with a *ConstructionError for the given node.
func panicConstructionf(node string, format string, args ...any) {
	panic(errors.WithStack(&ConstructionError{Node: node, Reason: fmt.Sprintf(format, args...)}))
}
