// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
)

// ConvPadding returns the padding on each side of a convolution, for pad given as "valid" (no padding),
// "same" (output length equals input length with stride 1, requires an odd filter size), "full"
// (filterSize-1) or an explicit non-negative int.
func ConvPadding(pad any, filterSize int) (int, error) {
	switch p := pad.(type) {
	case string:
		switch p {
		case "valid":
			return 0, nil
		case "same":
			if filterSize%2 == 0 {
				return 0, errors.Errorf("pad \"same\" requires an odd filter size, got %d", filterSize)
			}
			return (filterSize - 1) / 2, nil
		case "full":
			return filterSize - 1, nil
		}
	case int:
		if p >= 0 {
			return p, nil
		}
	case int64:
		if p >= 0 {
			return int(p), nil
		}
	case float64:
		if p >= 0 && p == float64(int(p)) {
			return int(p), nil
		}
	}
	return 0, errors.Errorf("invalid convolution pad %v: must be \"valid\", \"same\", \"full\" or a non-negative int", pad)
}

// ConvOutputLength returns the output length of a 1D convolution for the given input length, filter
// size, stride and pad (see ConvPadding). An unknown input length (shapes.UnknownDim) yields an
// unknown output length.
func ConvOutputLength(inputLength, filterSize, stride int, pad any) (int, error) {
	if filterSize < 1 || stride < 1 {
		return 0, errors.Errorf("invalid filter size %d or stride %d", filterSize, stride)
	}
	padding, err := ConvPadding(pad, filterSize)
	if err != nil {
		return 0, err
	}
	return graph.ConvOutputLength(inputLength, filterSize, stride, padding), nil
}

// Conv1DNode is a 1D convolution over inputs shaped [batch, channels, length], with filters shaped
// [num_filters, channels, filter_size]. It has no bias.
type Conv1DNode struct {
	treeano.NodeImpl
}

// Conv1D creates a 1D convolution node. Hyperparameters:
//
//   - "num_filters": number of output channels.
//   - "filter_size": length of the filters.
//   - "conv_stride" (or "stride"): stride, default 1.
//   - "conv_pad" (or "pad"): see ConvPadding, default "valid".
//   - "inits" and "shared_weight_name", as in Dense.
func Conv1D(name string, hyperparameters treeano.H) *Conv1DNode {
	return &Conv1DNode{NodeImpl: treeano.NewNodeImpl(name, hyperparameters)}
}

// HyperparameterNames implements treeano.Node.
func (n *Conv1DNode) HyperparameterNames() []string {
	return []string{"num_filters", "filter_size", "conv_stride", "stride", "conv_pad", "pad", "inits", "shared_weight_name"}
}

// ComputeOutput implements treeano.OutputComputer.
func (n *Conv1DNode) ComputeOutput(net *treeano.Network, inputs map[string]*treeano.VariableWrapper) {
	x := treeano.Input(n, inputs, treeano.DefaultKey).Node()
	if x.Rank() != 3 {
		shapes.PanicShapeError(n.Name(), "[batch, channels, length]", x.Shape(), "Conv1D input must have rank 3")
	}
	channels := x.Shape().Dim(1)
	if channels == shapes.UnknownDim {
		shapes.PanicShapeError(n.Name(), "known number of channels", x.Shape(), "can't create filters")
	}
	numFilters := treeano.MustFindHyperparameter[int](net, n, "num_filters")
	filterSize := treeano.MustFindHyperparameter[int](net, n, "filter_size")
	stride := treeano.FindHyperparameterOr(net, n, 1, "conv_stride", "stride")
	pad := net.FindHyperparameter(n, []string{"conv_pad", "pad"}, "valid")
	outLength, err := ConvOutputLength(x.Shape().Dim(2), filterSize, stride, pad)
	if err != nil {
		panic(errors.WithMessagef(err, "node %q", n.Name()))
	}
	if outLength != shapes.UnknownDim && outLength <= 0 {
		shapes.PanicShapeError(n.Name(), "positive output length", outLength,
			"input %s too short for filter size %d and pad %v", x.Shape(), filterSize, pad)
	}
	padding, _ := ConvPadding(pad, filterSize)
	w := net.CreateVariable(n, "W", treeano.VariableSpec{
		Name:   treeano.FindHyperparameterOr(net, n, "", "shared_weight_name"),
		Shape:  shapes.Make(x.DType(), numFilters, channels, filterSize),
		Tags:   []string{treeano.TagParameter, treeano.TagWeight},
		Shared: true,
		Inits:  resolveInits(net, n),
	})
	net.CreateOutput(n, graph.Conv1D(x, w.Node(), stride, padding))
}
