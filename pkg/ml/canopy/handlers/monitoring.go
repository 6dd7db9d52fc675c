// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const metricsNamespace = "treeano"

// CallMetrics holds the Prometheus metrics of the calls timed with TimeCall.
type CallMetrics struct {
	// CallsTotal counts calls by function and status ("ok" or "error").
	CallsTotal *prometheus.CounterVec

	// CallDurationSeconds measures the duration of the calls by function and status.
	CallDurationSeconds *prometheus.HistogramVec
}

// NewCallMetrics creates the call metrics and registers them with registerer. If they were already
// registered there, the registered collectors are reused.
func NewCallMetrics(registerer prometheus.Registerer) (*CallMetrics, error) {
	m := &CallMetrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Total number of calls of handled functions",
		}, []string{"function", "status"}),
		CallDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of the calls of handled functions",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
		}, []string{"function", "status"}),
	}
	if err := registerer.Register(m.CallsTotal); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, errors.Wrap(err, "registering treeano_calls_total")
		}
		m.CallsTotal = already.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registerer.Register(m.CallDurationSeconds); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, errors.Wrap(err, "registering treeano_call_duration_seconds")
		}
		m.CallDurationSeconds = already.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

type timeCall struct {
	metrics *CallMetrics
}

// TimeCall records the number and duration of the inner calls in Prometheus metrics registered with
// registerer (see CallMetrics), labeled by the function name. It panics if the metrics can't be registered.
func TimeCall(registerer prometheus.Registerer) canopy.CallWrapper {
	metrics, err := NewCallMetrics(registerer)
	if err != nil {
		panic(err)
	}
	return &timeCall{metrics: metrics}
}

// Name implements canopy.Handler.
func (h *timeCall) Name() string { return "TimeCall" }

// WrapCall implements canopy.CallWrapper.
func (h *timeCall) WrapCall(state *canopy.State, inputs canopy.Values, next canopy.CallFn) (canopy.Values, error) {
	name := "chain"
	if fn := state.Function(); fn != nil {
		name = fn.Name()
	}
	start := time.Now()
	outputs, err := next(state, inputs)
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.CallsTotal.WithLabelValues(name, status).Inc()
	h.metrics.CallDurationSeconds.WithLabelValues(name, status).Observe(elapsed.Seconds())
	klog.V(2).Infof("canopy: call #%d of %q took %s (%s)", state.CallIndex(), name, elapsed, status)
	return outputs, err
}

type callAfterEvery struct {
	n  int
	fn func(state *canopy.State, inputs, outputs canopy.Values) error
}

// CallAfterEvery calls fn with the inputs and outputs after every n calls (the calls with index n-1, 2n-1,
// ...). Errors returned by fn fail the call.
func CallAfterEvery(n int, fn func(state *canopy.State, inputs, outputs canopy.Values) error) canopy.OutputTransformer {
	return &callAfterEvery{n: max(n, 1), fn: fn}
}

// Name implements canopy.Handler.
func (h *callAfterEvery) Name() string { return fmt.Sprintf("CallAfterEvery(%d)", h.n) }

// TransformOutputs implements canopy.OutputTransformer.
func (h *callAfterEvery) TransformOutputs(state *canopy.State, inputs, outputs canopy.Values) (canopy.Values, error) {
	if (state.CallIndex()+1)%h.n == 0 {
		if err := h.fn(state, inputs, outputs); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

type outputNaNGuard struct {
	names []string
}

// OutputNaNGuard fails the call if any of the named outputs (all outputs, if no names are given) has NaN
// or infinite values.
func OutputNaNGuard(names ...string) canopy.OutputTransformer {
	return &outputNaNGuard{names: slices.Clone(names)}
}

// Name implements canopy.Handler.
func (h *outputNaNGuard) Name() string { return fmt.Sprintf("OutputNaNGuard(%v)", h.names) }

// TransformOutputs implements canopy.OutputTransformer.
func (h *outputNaNGuard) TransformOutputs(state *canopy.State, _, outputs canopy.Values) (canopy.Values, error) {
	names := h.names
	if len(names) == 0 {
		names = slices.Sorted(maps.Keys(outputs))
	}
	for _, name := range names {
		if value, found := outputs[name]; found && value.HasNaN() {
			return nil, errors.Errorf("output %q has NaN or infinite values in call #%d", name, state.CallIndex())
		}
	}
	return outputs, nil
}
