// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package handlers_test

import (
	"math"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/jagill/treeano/pkg/ml/canopy/handlers"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// rowsTensor returns a [n, 1] float32 tensor with values 0 to n-1.
func rowsTensor(n int) *tensors.Tensor {
	flat := make([]float64, n)
	for ii := range flat {
		flat[ii] = float64(ii)
	}
	return tensors.FromFlat64(shapes.Make(dtypes.Float32, n, 1), flat)
}

// fakeNetwork returns "y" = x+1, "mean" = mean of x and "w" unchanged, and records the number of rows of
// each call.
type fakeNetwork struct {
	calls     []int
	overrides []treeano.H
}

func (f *fakeNetwork) call(state *canopy.State, inputs canopy.Values) (canopy.Values, error) {
	x, found := inputs["x"]
	if !found {
		return nil, errors.New("missing input x")
	}
	f.calls = append(f.calls, x.Rows())
	f.overrides = append(f.overrides, state.Overrides())
	y := x.Clone()
	var sum float64
	for ii, v := range y.Flat64() {
		sum += v
		y.Flat64()[ii] = v + 1
	}
	outputs := canopy.Values{
		"y":    y,
		"mean": tensors.FromScalarAndDType(sum/float64(x.Size()), dtypes.Float32),
	}
	if w, found := inputs["w"]; found {
		outputs["w"] = w
	}
	return outputs, nil
}

func run(t *testing.T, f *fakeNetwork, inputs canopy.Values, hs ...canopy.Handler) canopy.Values {
	outputs, err := canopy.NewChain(f.call, hs...).Call(canopy.NewState(nil, 0), inputs)
	require.NoError(t, err)
	return outputs
}

func TestChunkVariables(t *testing.T) {
	f := &fakeNetwork{}
	w := tensors.FromValue([]float32{7, 8, 9})
	outputs := run(t, f, canopy.Values{"x": rowsTensor(10), "w": w}, handlers.ChunkVariables(4, "x"))
	assert.Equal(t, []int{4, 4, 2}, f.calls)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, outputs["y"].Flat64())
	assert.InDelta(t, 4.5, outputs["mean"].ScalarValue(), 1e-9, "scalars averaged weighted by rows")
	assert.Equal(t, dtypes.Float32, outputs["mean"].DType())
	assert.Equal(t, []float64{7, 8, 9, 7, 8, 9, 7, 8, 9}, outputs["w"].Flat64(), "non-chunked inputs are given whole to each chunk")

	// Fewer rows than the batch size: a single call.
	f = &fakeNetwork{}
	run(t, f, canopy.Values{"x": rowsTensor(3)}, handlers.ChunkVariables(4, "x"))
	assert.Equal(t, []int{3}, f.calls)

	// No chunked input present.
	f = &fakeNetwork{}
	run(t, f, canopy.Values{"x": rowsTensor(10)}, handlers.ChunkVariables(4, "z"))
	assert.Equal(t, []int{10}, f.calls)

	// Different number of rows.
	_, err := canopy.NewChain(f.call, handlers.ChunkVariables(4, "x", "w")).
		Call(canopy.NewState(nil, 0), canopy.Values{"x": rowsTensor(10), "w": rowsTensor(9)})
	var lengthErr *handlers.ChunkLengthError
	require.True(t, errors.As(err, &lengthErr))
	assert.Equal(t, map[string]int{"x": 10, "w": 9}, lengthErr.Rows)
	assert.Contains(t, err.Error(), `"w": 9, "x": 10`)

	// Only some of the chunked inputs given.
	f = &fakeNetwork{}
	_, err = canopy.NewChain(f.call, handlers.ChunkVariables(4, "x", "labels")).
		Call(canopy.NewState(nil, 0), canopy.Values{"x": rowsTensor(10)})
	require.ErrorContains(t, err, `"labels"`)
	assert.Empty(t, f.calls)

	// Scalar inputs can't be split.
	_, err = canopy.NewChain(f.call, handlers.ChunkVariables(4, "x")).
		Call(canopy.NewState(nil, 0), canopy.Values{"x": tensors.FromScalar(float32(1))})
	require.Error(t, err)

	require.Panics(t, func() { handlers.ChunkVariables(0, "x") })
}

func TestBatchPad(t *testing.T) {
	f := &fakeNetwork{}
	outputs := run(t, f, canopy.Values{"x": rowsTensor(10)}, handlers.BatchPad(4, "x"), handlers.ChunkVariables(4, "x"))
	assert.Equal(t, []int{4, 4, 4}, f.calls, "all chunks have the same size")
	assert.Equal(t, []int{10, 1}, outputs["y"].Shape().Dimensions, "padding removed")
	assert.Equal(t, 10.0, outputs["y"].Flat64()[9])

	f = &fakeNetwork{}
	run(t, f, canopy.Values{"x": rowsTensor(8)}, handlers.BatchPad(4, "x"))
	assert.Equal(t, []int{8}, f.calls)
}

func TestShuffleInputs(t *testing.T) {
	f := &fakeNetwork{}
	shuffle := handlers.ShuffleInputs(42, "x", "w")
	outputs := run(t, f, canopy.Values{"x": rowsTensor(20), "w": rowsTensor(20)}, shuffle)
	y, w := outputs["y"].Flat64(), outputs["w"].Flat64()
	for ii := range y {
		require.Equal(t, w[ii]+1, y[ii], "same permutation for all inputs")
	}
	assert.NotEqual(t, rowsTensor(20).Flat64(), w, "rows permuted")
	sorted := slices.Sorted(slices.Values(w))
	assert.Equal(t, rowsTensor(20).Flat64(), sorted)

	// Same seed, same permutation.
	again := run(t, f, canopy.Values{"x": rowsTensor(20), "w": rowsTensor(20)}, handlers.ShuffleInputs(42, "x", "w"))
	assert.Equal(t, w, again["w"].Flat64())
}

func TestOverrideHyperparameters(t *testing.T) {
	f := &fakeNetwork{}
	run(t, f, canopy.Values{"x": rowsTensor(2)},
		handlers.OverrideHyperparameters(treeano.H{"deterministic": true, "learning_rate": 0.1}),
		handlers.OverrideHyperparameters(treeano.H{"learning_rate": 0.01}))
	assert.Equal(t, []treeano.H{{"deterministic": true, "learning_rate": 0.01}}, f.overrides)

	f = &fakeNetwork{}
	schedule := handlers.ScheduleHyperparameter("learning_rate", func(callIndex int) any {
		return 1.0 / float64(callIndex+1)
	})
	chain := canopy.NewChain(f.call, schedule)
	for ii := range 3 {
		_, err := chain.Call(canopy.NewState(nil, ii), canopy.Values{"x": rowsTensor(1)})
		require.NoError(t, err)
	}
	assert.Equal(t, []treeano.H{{"learning_rate": 1.0}, {"learning_rate": 0.5}, {"learning_rate": 1.0 / 3}}, f.overrides)
}

func TestTimeCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	f := &fakeNetwork{}
	timer := handlers.TimeCall(registry)
	chain := canopy.NewChain(f.call, timer)
	for range 3 {
		_, err := chain.Call(canopy.NewState(nil, 0), canopy.Values{"x": rowsTensor(2)})
		require.NoError(t, err)
	}
	_, err := chain.Call(canopy.NewState(nil, 0), canopy.Values{})
	require.Error(t, err)

	metrics, err := handlers.NewCallMetrics(registry)
	require.NoError(t, err, "metrics already registered are reused")
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CallsTotal.WithLabelValues("chain", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CallsTotal.WithLabelValues("chain", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.CallDurationSeconds))
}

func TestCallAfterEvery(t *testing.T) {
	f := &fakeNetwork{}
	var called []int
	every := handlers.CallAfterEvery(2, func(state *canopy.State, inputs, outputs canopy.Values) error {
		require.Contains(t, inputs, "x")
		require.Contains(t, outputs, "y")
		called = append(called, state.CallIndex())
		return nil
	})
	chain := canopy.NewChain(f.call, every)
	for ii := range 5 {
		_, err := chain.Call(canopy.NewState(nil, ii), canopy.Values{"x": rowsTensor(1)})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 3}, called)

	failing := handlers.CallAfterEvery(1, func(*canopy.State, canopy.Values, canopy.Values) error {
		return errors.New("checkpoint failed")
	})
	_, err := canopy.NewChain(f.call, failing).Call(canopy.NewState(nil, 0), canopy.Values{"x": rowsTensor(1)})
	require.ErrorContains(t, err, "checkpoint failed")
}

func TestOutputNaNGuard(t *testing.T) {
	f := &fakeNetwork{}
	nan := tensors.FromFlat64(shapes.Make(dtypes.Float32, 2, 1), []float64{0, math.NaN()})
	_, err := canopy.NewChain(f.call, handlers.OutputNaNGuard()).
		Call(canopy.NewState(nil, 0), canopy.Values{"x": nan})
	require.ErrorContains(t, err, "NaN")

	// Only the named outputs are checked.
	_, err = canopy.NewChain(f.call, handlers.OutputNaNGuard("w")).
		Call(canopy.NewState(nil, 0), canopy.Values{"x": nan, "w": rowsTensor(2)})
	require.NoError(t, err)
}
