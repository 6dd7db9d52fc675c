// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loop_test

import (
	"math"
	"testing"

	_ "github.com/jagill/treeano/backends/default"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/jagill/treeano/pkg/ml/canopy/handlers"
	"github.com/jagill/treeano/pkg/ml/canopy/loop"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/jagill/treeano/pkg/ml/treeano/inits"
	"github.com/jagill/treeano/pkg/ml/treeano/nodes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// trainFunction returns a function that trains a linear regression with SGD, and its inputs.
func trainFunction(t *testing.T, learningRate float64) (*canopy.Function, canopy.Values) {
	model := nodes.Sequential("model",
		nodes.Input("x", treeano.H{"shape": []int{-1, 2}}),
		nodes.Dense("dense", treeano.H{"num_units": 1}))
	cost := nodes.TotalCost("cost", nil,
		nodes.Reference("pred", treeano.H{"reference": "model"}),
		nodes.Input("y", treeano.H{"shape": []int{-1, 1}}))
	root := nodes.Hyperparameter("hp", treeano.H{"inits": []treeano.Initializer{inits.Uniform(-0.1, 0.1)}},
		nodes.SGD("sgd", treeano.H{"learning_rate": learningRate}, model, cost))
	net, err := treeano.Build(root, treeano.WithSeed(5))
	require.NoError(t, err)

	xs := [][]float32{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, -1}, {-1, 2}}
	ys := make([][]float32, len(xs))
	for ii, x := range xs {
		ys[ii] = []float32{2*x[0] - x[1] + 1}
	}
	fn, err := canopy.HandledFn(net, []canopy.Handler{handlers.ShuffleInputs(1, "x", "y")},
		map[string]string{"x": "x", "y": "y"}, map[string]string{"cost": "cost"}, canopy.WithUpdates())
	require.NoError(t, err)
	return fn, canopy.Values{"x": tensors.FromValue(xs), "y": tensors.FromValue(ys)}
}

func TestRunSteps(t *testing.T) {
	fn, inputs := trainFunction(t, 0.1)
	l := loop.New(fn)

	var order []string
	var costs []float64
	l.OnStart("start", 0, func(l *loop.Loop) error {
		order = append(order, "start")
		assert.Equal(t, l.LoopStep, l.StartStep)
		return nil
	})
	l.OnStep("second", 1, func(*loop.Loop, canopy.Values) error {
		order = append(order, "second")
		return nil
	})
	l.OnStep("first", -1, func(_ *loop.Loop, outputs canopy.Values) error {
		order = append(order, "first")
		costs = append(costs, outputs["cost"].ScalarValue())
		return nil
	})
	l.OnEnd("end", 0, func(*loop.Loop, canopy.Values) error {
		order = append(order, "end")
		return nil
	})

	outputs, err := l.RunSteps(loop.Repeat(inputs), 100)
	require.NoError(t, err)
	assert.Equal(t, 100, l.LoopStep)
	assert.Equal(t, 0, l.StartStep)
	assert.Equal(t, 100, l.EndStep)
	assert.Len(t, costs, 100)
	assert.Len(t, l.StepDurations, 100)
	assert.Positive(t, l.MedianStepDuration())
	assert.Equal(t, []string{"start", "first", "second", "first", "second"}, order[:5])
	assert.Equal(t, "end", order[len(order)-1])
	assert.Equal(t, costs[99], outputs["cost"].ScalarValue())
	assert.Less(t, costs[99], costs[0]/10)

	// Steps continue from where the last run stopped.
	_, err = l.RunSteps(loop.Repeat(inputs), 10)
	require.NoError(t, err)
	assert.Equal(t, 100, l.StartStep)
	assert.Equal(t, 110, l.LoopStep)

	// Inputs that end too early.
	_, err = l.RunSteps(loop.Batches(inputs, inputs), 3)
	require.ErrorContains(t, err, "inputs ended after 2 steps")
}

func TestEvaluateUntil(t *testing.T) {
	fn, inputs := trainFunction(t, 0.1)
	l := loop.New(fn)
	outputs, err := l.EvaluateUntil(loop.Repeat(inputs), 1000, func(_ *loop.Loop, outputs canopy.Values) bool {
		return outputs["cost"].ScalarValue() < 0.01
	})
	require.NoError(t, err)
	assert.Less(t, outputs["cost"].ScalarValue(), 0.01)
	assert.Less(t, l.LoopStep, 1000)

	// Stops at the end of the inputs.
	l = loop.New(fn)
	_, err = l.EvaluateUntil(loop.Batches(inputs, inputs, inputs), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, l.LoopStep)

	// Stops at maxSteps.
	l = loop.New(fn)
	_, err = l.EvaluateUntil(loop.Repeat(inputs), 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, l.LoopStep)
}

func TestLoopErrors(t *testing.T) {
	fn, inputs := trainFunction(t, 0.1)
	l := loop.New(fn)
	l.OnStep("failing", 0, func(l *loop.Loop, _ canopy.Values) error {
		if l.LoopStep == 2 {
			return errors.New("hook failure")
		}
		return nil
	})
	_, err := l.RunSteps(loop.Repeat(inputs), 5)
	require.ErrorContains(t, err, `OnStep(hook "failing")`)
	require.ErrorContains(t, err, "hook failure")

	// A diverging learning rate makes the cost infinite or NaN.
	fn, inputs = trainFunction(t, 1e6)
	l = loop.New(fn)
	_, err = l.RunSteps(loop.Repeat(inputs), 100)
	require.ErrorContains(t, err, "NaN or infinite")
	assert.Less(t, l.LoopStep, 100)

	// Bad inputs.
	fn, _ = trainFunction(t, 0.1)
	l = loop.New(fn)
	_, err = l.RunSteps(loop.Repeat(canopy.Values{"x": tensors.FromValue([][]float32{{math.Pi}})}), 1)
	require.Error(t, err)
}
