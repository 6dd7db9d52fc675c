// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"maps"

	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/jagill/treeano/pkg/ml/treeano"
)

type overrideHyperparameters struct {
	overrides treeano.H
}

// OverrideHyperparameters overrides the hyperparameters for the inner calls. Keys can be scoped to a node
// with treeano.ScopedKey. Overrides of inner handlers win over the ones of outer handlers.
func OverrideHyperparameters(overrides treeano.H) canopy.HyperparameterTransformer {
	return &overrideHyperparameters{overrides: maps.Clone(overrides)}
}

// Name implements canopy.Handler.
func (h *overrideHyperparameters) Name() string {
	return fmt.Sprintf("OverrideHyperparameters(%s)", treeano.FormatOverrides(h.overrides))
}

// TransformHyperparameters implements canopy.HyperparameterTransformer.
func (h *overrideHyperparameters) TransformHyperparameters(_ *canopy.State, _ treeano.H) treeano.H {
	return h.overrides
}

type scheduleHyperparameter struct {
	name     string
	schedule func(callIndex int) any
}

// ScheduleHyperparameter overrides the hyperparameter name with the value returned by schedule for the
// index of the call (starting from 0). E.g. a learning rate decay:
//
//	handlers.ScheduleHyperparameter("learning_rate", func(callIndex int) any {
//		return 0.1 * math.Pow(0.99, float64(callIndex/100))
//	})
//
// Each distinct value creates (and caches) a network for its overrides, so schedules should take few
// distinct values.
func ScheduleHyperparameter(name string, schedule func(callIndex int) any) canopy.HyperparameterTransformer {
	return &scheduleHyperparameter{name: name, schedule: schedule}
}

// Name implements canopy.Handler.
func (h *scheduleHyperparameter) Name() string {
	return fmt.Sprintf("ScheduleHyperparameter(%q)", h.name)
}

// TransformHyperparameters implements canopy.HyperparameterTransformer.
func (h *scheduleHyperparameter) TransformHyperparameters(state *canopy.State, _ treeano.H) treeano.H {
	return treeano.H{h.name: h.schedule(state.CallIndex())}
}
