// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loop runs a canopy.Function repeatedly (e.g. a training function), calling hooks at the start,
// after each step and at the end of the run.
//
// By itself it doesn't do much, but one can attach functionality to it: progress bars (see
// commandline.AttachProgressBar), evaluation, checkpointing, early stopping, etc.
package loop

import (
	"io"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// InputsFn returns the inputs of the next step, keyed by the function's external input names. It returns
// io.EOF when there are no more inputs.
type InputsFn func(loop *Loop) (canopy.Values, error)

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, outputs canopy.Values) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, outputs canopy.Values) error

// StopFn tells EvaluateUntil whether to stop after a step.
type StopFn func(loop *Loop, outputs canopy.Values) bool

// DefaultCostOutput is the default value of Loop.CostOutput.
const DefaultCostOutput = "cost"

// Loop runs a function for a number of steps, and calls the registered hooks.
//
// The public attributes are meant for reading only, except CostOutput and SharedData.
type Loop struct {
	// Function called at each step.
	Function *canopy.Function

	// LoopStep currently being executed. It starts at 0 and it is not reset between runs.
	LoopStep int

	// StartStep is the value of LoopStep at the start of the current run.
	StartStep int

	// EndStep is one-past the last step to be executed in the current run. For EvaluateUntil it is the
	// maximum, the run may stop before.
	EndStep int

	// CostOutput is the (external) name of the output checked for NaN or infinite values after each step. It
	// is ignored if the function has no such output. Defaults to DefaultCostOutput.
	CostOutput string

	// SharedData allows for cross-tools to publish and consume information.
	SharedData map[string]any

	// StepDurations of the current run.
	StepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// New creates a loop for the function.
func New(fn *canopy.Function) *Loop {
	return &Loop{
		Function:   fn,
		CostOutput: DefaultCostOutput,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// OnStart adds a hook called at the start of each run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook called after each step, with its outputs.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook called at the end of each run, with the outputs of the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (loop *Loop) start(endStep int) error {
	loop.StartStep = loop.LoopStep
	loop.EndStep = endStep
	loop.StepDurations = make([]time.Duration, 0, max(endStep-loop.StartStep, 0))
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step calls the function once and the OnStep hooks, and checks the cost.
func (loop *Loop) step(inputs canopy.Values) (canopy.Values, error) {
	startTime := time.Now()
	outputs, err := loop.Function.Call(inputs)
	loop.StepDurations = append(loop.StepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, outputs); err != nil {
			return nil, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	if cost, found := outputs[loop.CostOutput]; found && cost.HasNaN() {
		return nil, errors.Errorf("output %q is NaN or infinite (%v), loop interrupted", loop.CostOutput, cost)
	}
	return outputs, nil
}

func (loop *Loop) end(outputs canopy.Values) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, outputs); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps calls the function for the given number of steps, with the inputs returned by inputsFn. It
// returns the outputs of the last step.
//
// It fails if inputsFn returns io.EOF before the end.
func (loop *Loop) RunSteps(inputsFn InputsFn, steps int) (outputs canopy.Values, err error) {
	if steps <= 0 {
		return nil, nil
	}
	if err = loop.start(loop.LoopStep + steps); err != nil {
		return nil, err
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		inputs, err := inputsFn(loop)
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf("inputs ended after %d steps (requested %d steps)",
					loop.LoopStep-loop.StartStep, steps)
			}
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading inputs", steps)
		}
		outputs, err = loop.step(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed step (LoopStep=%d)", steps, loop.LoopStep)
		}
	}
	if err = loop.end(outputs); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return outputs, nil
}

// EvaluateUntil calls the function with the inputs returned by inputsFn until stopFn returns true, inputsFn
// returns io.EOF, or maxSteps steps are run. stopFn may be nil. It returns the outputs of the last step.
func (loop *Loop) EvaluateUntil(inputsFn InputsFn, maxSteps int, stopFn StopFn) (outputs canopy.Values, err error) {
	if maxSteps <= 0 {
		return nil, nil
	}
	if err = loop.start(loop.LoopStep + maxSteps); err != nil {
		return nil, err
	}
	for loop.LoopStep < loop.EndStep {
		inputs, err := inputsFn(loop)
		if err == io.EOF {
			klog.V(1).Infof("loop: inputs ended after %d steps", loop.LoopStep-loop.StartStep)
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.EvaluateUntil: failed reading inputs (LoopStep=%d)", loop.LoopStep)
		}
		outputs, err = loop.step(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.EvaluateUntil: failed step (LoopStep=%d)", loop.LoopStep)
		}
		loop.LoopStep++
		if stopFn != nil && stopFn(loop, outputs) {
			klog.V(1).Infof("loop: stopped after %d steps", loop.LoopStep-loop.StartStep)
			break
		}
	}
	if err = loop.end(outputs); err != nil {
		return nil, errors.WithMessagef(err, "Loop.EvaluateUntil: failed end (LoopStep=%d)", loop.LoopStep)
	}
	return outputs, nil
}

// MedianStepDuration returns the median duration of the steps of the current run, or 1ms if no step was run.
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	durations := slices.Clone(loop.StepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// Repeat returns an InputsFn that always returns the same inputs.
func Repeat(inputs canopy.Values) InputsFn {
	return func(*Loop) (canopy.Values, error) { return inputs, nil }
}

// Batches returns an InputsFn that returns the batches in order, and then io.EOF.
func Batches(batches ...canopy.Values) InputsFn {
	next := 0
	return func(*Loop) (canopy.Values, error) {
		if next >= len(batches) {
			return nil, io.EOF
		}
		next++
		return batches[next-1], nil
	}
}

type hookWithName[F any] struct {
	name string
	fn   F
}

type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook with the given priority. Hooks with the same priority are run in the order they were added.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All iterates over the hooks in order of priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		for _, priority := range slices.Sorted(maps.Keys(h.hooks)) {
			for _, hook := range h.hooks[priority] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
