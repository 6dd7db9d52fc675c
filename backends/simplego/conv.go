// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/graph"
)

// Layouts used by the 1D convolutions:
//
//	x:       [batch, inChannels, length]
//	filters: [outChannels, inChannels, filterSize]
//	output:  [batch, outChannels, outLength]
//
// Position t of the output reads x at t*stride+k-padding, for k in [0, filterSize); positions outside
// x are zero.

func execConv1D(x, filters *buffer, stride, padding int) *buffer {
	batch, inChannels, length := x.dims[0], x.dims[1], x.dims[2]
	outChannels, filterSize := filters.dims[0], filters.dims[2]
	if filters.dims[1] != inChannels {
		exceptions.Panicf("Conv1D: input channels %d don't match filters %v", inChannels, filters.dims)
	}
	outLength := graph.ConvOutputLength(length, filterSize, stride, padding)
	if outLength <= 0 {
		exceptions.Panicf("Conv1D: input length %d too short for filter size %d, padding %d", length, filterSize, padding)
	}
	out := newBuffer([]int{batch, outChannels, outLength})
	for b := range batch {
		for o := range outChannels {
			outRow := out.flat[(b*outChannels+o)*outLength : (b*outChannels+o+1)*outLength]
			for c := range inChannels {
				xRow := x.flat[(b*inChannels+c)*length : (b*inChannels+c+1)*length]
				wRow := filters.flat[(o*inChannels+c)*filterSize : (o*inChannels+c+1)*filterSize]
				for t := range outLength {
					start := t*stride - padding
					var sum float64
					for k, w := range wRow {
						if pos := start + k; pos >= 0 && pos < length {
							sum += w * xRow[pos]
						}
					}
					outRow[t] += sum
				}
			}
		}
	}
	return out
}

// execConv1DGradInput computes the gradient with respect to x, given v (shaped like the output).
// like provides the dimensions of x.
func execConv1DGradInput(v, filters, like *buffer, stride, padding int) *buffer {
	batch, inChannels, length := like.dims[0], like.dims[1], like.dims[2]
	outChannels, outLength := v.dims[1], v.dims[2]
	filterSize := filters.dims[2]
	grad := newBuffer([]int{batch, inChannels, length})
	for b := range batch {
		for o := range outChannels {
			vRow := v.flat[(b*outChannels+o)*outLength : (b*outChannels+o+1)*outLength]
			for c := range inChannels {
				gradRow := grad.flat[(b*inChannels+c)*length : (b*inChannels+c+1)*length]
				wRow := filters.flat[(o*inChannels+c)*filterSize : (o*inChannels+c+1)*filterSize]
				for t, vValue := range vRow {
					start := t*stride - padding
					for k, w := range wRow {
						if pos := start + k; pos >= 0 && pos < length {
							gradRow[pos] += w * vValue
						}
					}
				}
			}
		}
	}
	return grad
}

// execConv1DGradFilter computes the gradient with respect to the filters, given x and v (shaped like
// the output).
func execConv1DGradFilter(x, v *buffer, stride, padding, filterSize int) *buffer {
	batch, inChannels, length := x.dims[0], x.dims[1], x.dims[2]
	outChannels, outLength := v.dims[1], v.dims[2]
	grad := newBuffer([]int{outChannels, inChannels, filterSize})
	for b := range batch {
		for o := range outChannels {
			vRow := v.flat[(b*outChannels+o)*outLength : (b*outChannels+o+1)*outLength]
			for c := range inChannels {
				xRow := x.flat[(b*inChannels+c)*length : (b*inChannels+c+1)*length]
				gradRow := grad.flat[(o*inChannels+c)*filterSize : (o*inChannels+c+1)*filterSize]
				for t, vValue := range vRow {
					start := t*stride - padding
					for k := range gradRow {
						if pos := start + k; pos >= 0 && pos < length {
							gradRow[k] += vValue * xRow[pos]
						}
					}
				}
			}
		}
	}
	return grad
}
