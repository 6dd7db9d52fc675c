// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package canopy wraps calls to a built treeano.Network with handlers: composable behaviors that
// transform the inputs, the outputs or the hyperparameters of a call, or wrap the call itself (e.g.
// splitting the inputs in batches).
//
// Handlers are given as an ordered list, and the first one is the outermost: it sees the inputs first and
// the outputs last. Within the chain, inputs and outputs are keyed by their names in the network (variable
// or node names). HandledFn maps them from and to the external names used by the caller.
//
// Example:
//
//	predict, err := canopy.HandledFn(net,
//		[]canopy.Handler{
//			handlers.OverrideHyperparameters(treeano.H{"deterministic": true}),
//			handlers.ChunkVariables(128, "x"),
//		},
//		map[string]string{"images": "x"},
//		map[string]string{"probabilities": "model"})
//	outputs, err := predict.Call(map[string]*tensors.Tensor{"images": images})
package canopy

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Values maps names to concrete values, for the inputs and outputs of a call.
type Values = map[string]*tensors.Tensor

// CallFn is the call a handler wraps: everything inside it in the chain, down to the network call.
type CallFn func(state *State, inputs Values) (Values, error)

// Handler is implemented by all handlers. A handler also implements one or more of the capabilities
// InputTransformer, HyperparameterTransformer, CallWrapper and OutputTransformer.
type Handler interface {
	// Name of the handler, used in error messages and logs.
	Name() string
}

// InputTransformer is a Handler that transforms the inputs before passing them inward.
type InputTransformer interface {
	Handler
	TransformInputs(state *State, inputs Values) (Values, error)
}

// HyperparameterTransformer is a Handler that overrides hyperparameters for the inner call.
//
// TransformHyperparameters receives the overrides currently active and returns the overrides to add on top
// of them: inner handlers are applied later, so they win over outer handlers for the same key. The
// overrides are removed when the inner call returns, including when it fails.
type HyperparameterTransformer interface {
	Handler
	TransformHyperparameters(state *State, active treeano.H) treeano.H
}

// CallWrapper is a Handler that controls the inner call: it may call next any number of times, with any
// inputs.
type CallWrapper interface {
	Handler
	WrapCall(state *State, inputs Values, next CallFn) (Values, error)
}

// OutputTransformer is a Handler that transforms the outputs returned by the inner call. It also gets the
// inputs the handler received, before any InputTransformer of the same handler.
type OutputTransformer interface {
	Handler
	TransformOutputs(state *State, inputs, outputs Values) (Values, error)
}

// State of one call through a chain of handlers, shared by all handlers.
type State struct {
	fn        *Function
	callIndex int
	overrides []treeano.H
}

// NewState creates the state of a call to the function fn (which may be nil, when chains are used directly).
func NewState(fn *Function, callIndex int) *State {
	return &State{fn: fn, callIndex: callIndex}
}

// Function returns the function being called, or nil.
func (s *State) Function() *Function { return s.fn }

// CallIndex is the number of previous calls to the function.
func (s *State) CallIndex() int { return s.callIndex }

// Overrides returns the hyperparameter overrides currently active, merged: later overrides win. It returns
// nil if there are none.
func (s *State) Overrides() treeano.H {
	if len(s.overrides) == 0 {
		return nil
	}
	merged := make(treeano.H)
	for _, scope := range s.overrides {
		maps.Copy(merged, scope)
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// PushOverrides makes the overrides active until the returned function is called.
func (s *State) PushOverrides(overrides treeano.H) (pop func()) {
	depth := len(s.overrides)
	s.overrides = append(s.overrides, maps.Clone(overrides))
	return func() { s.overrides = s.overrides[:depth] }
}

// Chain is an ordered list of handlers composed around an inner call.
type Chain struct {
	handlers []Handler
	call     CallFn
}

// NewChain composes the handlers around inner: handlers[0] is the outermost.
func NewChain(inner CallFn, handlers ...Handler) *Chain {
	call := inner
	for ii := len(handlers) - 1; ii >= 0; ii-- {
		call = wrap(handlers[ii], call)
	}
	return &Chain{handlers: slices.Clone(handlers), call: call}
}

// Handlers returns the handlers of the chain, outermost first.
func (c *Chain) Handlers() []Handler { return c.handlers }

// Call runs the chain.
func (c *Chain) Call(state *State, inputs Values) (Values, error) {
	return c.call(state, inputs)
}

// wrap returns the call of the handler around next.
func wrap(handler Handler, next CallFn) CallFn {
	return func(state *State, inputs Values) (outputs Values, err error) {
		received := inputs
		if t, ok := handler.(InputTransformer); ok {
			inputs, err = t.TransformInputs(state, inputs)
			if err != nil {
				return nil, errors.WithMessagef(err, "handler %q transforming inputs", handler.Name())
			}
		}
		if t, ok := handler.(HyperparameterTransformer); ok {
			pop := state.PushOverrides(t.TransformHyperparameters(state, state.Overrides()))
			defer pop()
		}
		if w, ok := handler.(CallWrapper); ok {
			outputs, err = w.WrapCall(state, inputs, next)
		} else {
			outputs, err = next(state, inputs)
		}
		if err != nil {
			return nil, err
		}
		if t, ok := handler.(OutputTransformer); ok {
			outputs, err = t.TransformOutputs(state, received, outputs)
			if err != nil {
				return nil, errors.WithMessagef(err, "handler %q transforming outputs", handler.Name())
			}
		}
		return outputs, nil
	}
}

// Function is a network call wrapped with handlers, created with HandledFn.
//
// Calls are serialized: the handlers' state is per function.
type Function struct {
	name           string
	net            *treeano.Network
	chain          *Chain
	inputs         map[string]string
	outputs        map[string]string
	outputNames    []string
	includeUpdates bool
	baseOverrides  treeano.H

	mu       sync.Mutex
	numCalls int
}

// Option configures a Function created with HandledFn.
type Option func(fn *Function)

// WithName sets the name of the function, used in logs and metrics. It defaults to the name of the network's
// root node.
func WithName(name string) Option {
	return func(fn *Function) { fn.name = name }
}

// WithUpdates makes the calls apply the network's update deltas, e.g. for a training function.
func WithUpdates() Option {
	return func(fn *Function) { fn.includeUpdates = true }
}

// WithOverrides sets hyperparameter overrides active in all calls, below the handlers' overrides.
func WithOverrides(overrides treeano.H) Option {
	return func(fn *Function) { fn.baseOverrides = maps.Clone(overrides) }
}

// HandledFn wraps calls to the built network with the handlers (the first one is the outermost).
//
// inputs and outputs map the external names used by Function.Call to the names in the network, variable
// full names (e.g. "x:default") or node names (e.g. "model", for its output).
func HandledFn(net *treeano.Network, handlers []Handler, inputs, outputs map[string]string, options ...Option) (*Function, error) {
	if !net.IsBuilt() {
		return nil, errors.Errorf("canopy.HandledFn: network %q not built", net.Root().Name())
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("canopy.HandledFn: no outputs requested from network %q", net.Root().Name())
	}
	fn := &Function{
		name:    net.Root().Name(),
		net:     net,
		inputs:  maps.Clone(inputs),
		outputs: maps.Clone(outputs),
	}
	for _, option := range options {
		option(fn)
	}
	for external, internal := range fn.inputs {
		if _, err := net.ResolveVariable(internal); err != nil {
			return nil, errors.WithMessagef(err, "canopy.HandledFn %q: input %q", fn.name, external)
		}
	}
	names := make(map[string]bool)
	for external, internal := range fn.outputs {
		if _, err := net.ResolveVariable(internal); err != nil {
			return nil, errors.WithMessagef(err, "canopy.HandledFn %q: output %q", fn.name, external)
		}
		names[internal] = true
	}
	fn.outputNames = slices.Sorted(maps.Keys(names))
	fn.chain = NewChain(fn.callNetwork, handlers...)
	klog.V(1).Infof("canopy: function %q with %d handlers, inputs %v, outputs %v", fn.name, len(handlers), fn.inputs, fn.outputs)
	return fn, nil
}

// callNetwork is the innermost call of the chain.
func (fn *Function) callNetwork(state *State, inputs Values) (Values, error) {
	return fn.net.Call(state.Overrides(), inputs, fn.outputNames, fn.includeUpdates)
}

// Name of the function.
func (fn *Function) Name() string { return fn.name }

// Network returns the network called by the function.
func (fn *Function) Network() *treeano.Network { return fn.net }

// Handlers returns the handlers of the function, outermost first.
func (fn *Function) Handlers() []Handler { return fn.chain.Handlers() }

// NumCalls returns the number of calls made so far, including failed ones.
func (fn *Function) NumCalls() int {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.numCalls
}

// Call the function with inputs keyed by external names. It returns the outputs keyed by external names.
func (fn *Function) Call(inputs Values) (outputs Values, err error) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	state := NewState(fn, fn.numCalls)
	fn.numCalls++

	internalInputs := make(Values, len(inputs))
	for external, value := range inputs {
		internal, found := fn.inputs[external]
		if !found {
			return nil, errors.Errorf("function %q: unknown input %q (inputs: %v)", fn.name, external, slices.Sorted(maps.Keys(fn.inputs)))
		}
		internalInputs[internal] = value
	}
	if len(fn.baseOverrides) > 0 {
		defer state.PushOverrides(fn.baseOverrides)()
	}

	var internalOutputs Values
	var callErr error
	err = exceptions.TryCatch[error](func() {
		internalOutputs, callErr = fn.chain.Call(state, internalInputs)
	})
	if err == nil {
		err = callErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "calling function %q (call #%d)", fn.name, state.callIndex)
	}
	outputs = make(Values, len(fn.outputs))
	for external, internal := range fn.outputs {
		value, found := internalOutputs[internal]
		if !found {
			return nil, errors.Errorf("function %q: handlers dropped output %q (%q)", fn.name, external, internal)
		}
		outputs[external] = value
	}
	return outputs, nil
}

// MustCall is like Call, but it panics on error.
func (fn *Function) MustCall(inputs Values) Values {
	outputs, err := fn.Call(inputs)
	if err != nil {
		klog.Errorf("canopy: %+v", err)
		panic(err)
	}
	return outputs
}
