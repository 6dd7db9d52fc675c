// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/graph"
)

// execBinary implements element-wise binary ops with suffix broadcasting: the operand with the
// smaller rank must match the trailing dimensions of the other one.
func execBinary(opType graph.NodeType, x, y *buffer) *buffer {
	big := x
	if y.rank() > x.rank() {
		big = y
	}
	small := y
	if big == y {
		small = x
	}
	offset := big.rank() - small.rank()
	if !slices.Equal(big.dims[offset:], small.dims) {
		exceptions.Panicf("%s: operand dimensions %v and %v are not broadcastable", opType, x.dims, y.dims)
	}
	out := newBuffer(slices.Clone(big.dims))
	xSize, ySize := len(x.flat), len(y.flat)
	var fn func(a, b float64) float64
	switch opType {
	case graph.NodeTypeAdd:
		fn = func(a, b float64) float64 { return a + b }
	case graph.NodeTypeSub:
		fn = func(a, b float64) float64 { return a - b }
	case graph.NodeTypeMul:
		fn = func(a, b float64) float64 { return a * b }
	case graph.NodeTypeDiv:
		fn = func(a, b float64) float64 { return a / b }
	case graph.NodeTypeMax:
		fn = math.Max
	default:
		exceptions.Panicf("execBinary: invalid op %s", opType)
	}
	for ii := range out.flat {
		out.flat[ii] = fn(x.flat[ii%xSize], y.flat[ii%ySize])
	}
	return out
}

func execUnary(opType graph.NodeType, x *buffer) *buffer {
	var fn func(a float64) float64
	switch opType {
	case graph.NodeTypeNeg:
		fn = func(a float64) float64 { return -a }
	case graph.NodeTypeExp:
		fn = math.Exp
	case graph.NodeTypeLog:
		fn = math.Log
	case graph.NodeTypeSqrt:
		fn = math.Sqrt
	case graph.NodeTypeTanh:
		fn = math.Tanh
	case graph.NodeTypeSigmoid:
		fn = func(a float64) float64 { return 1 / (1 + math.Exp(-a)) }
	case graph.NodeTypeRelu:
		fn = func(a float64) float64 { return max(a, 0) }
	case graph.NodeTypeStep:
		fn = func(a float64) float64 {
			if a > 0 {
				return 1
			}
			return 0
		}
	default:
		exceptions.Panicf("execUnary: invalid op %s", opType)
	}
	out := newBuffer(slices.Clone(x.dims))
	for ii, v := range x.flat {
		out.flat[ii] = fn(v)
	}
	return out
}

func execConvertDType(node *graph.Node, x *buffer) *buffer {
	out := newBuffer(slices.Clone(x.dims))
	dtype := node.DType()
	for ii, v := range x.flat {
		switch {
		case dtype == dtypes.Bool:
			if v != 0 {
				v = 1
			} else {
				v = 0
			}
		case dtype.IsInt():
			v = math.Trunc(v)
		}
		out.flat[ii] = v
	}
	return out
}

func execMatMul(x, y *buffer) *buffer {
	m, k, n := x.dims[0], x.dims[1], y.dims[1]
	if y.dims[0] != k {
		exceptions.Panicf("MatMul: contracting dimensions differ: %v x %v", x.dims, y.dims)
	}
	out := newBuffer([]int{m, n})
	for row := range m {
		for kk := range k {
			a := x.flat[row*k+kk]
			if a == 0 {
				continue
			}
			yRow := y.flat[kk*n : (kk+1)*n]
			outRow := out.flat[row*n : (row+1)*n]
			for col, b := range yRow {
				outRow[col] += a * b
			}
		}
	}
	return out
}

// stridesFor returns the row-major strides of dims.
func stridesFor(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// forEachIndex calls fn for each flat position of dims, with the corresponding multi-dimensional index.
// The index slice is reused between calls.
func forEachIndex(dims []int, fn func(flatIdx int, idx []int)) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	idx := make([]int, len(dims))
	for flatIdx := range size {
		fn(flatIdx, idx)
		for axis := len(dims) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < dims[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}

func execTranspose(x *buffer, permutation []int) *buffer {
	dims := make([]int, len(permutation))
	for ii, axis := range permutation {
		dims[ii] = x.dims[axis]
	}
	out := newBuffer(dims)
	xStrides := stridesFor(x.dims)
	forEachIndex(dims, func(flatIdx int, idx []int) {
		xIdx := 0
		for ii, axis := range permutation {
			xIdx += idx[ii] * xStrides[axis]
		}
		out.flat[flatIdx] = x.flat[xIdx]
	})
	return out
}

// reducedPosition maps an index of the full shape to the flat position in the shape with axes removed.
func reducedPosition(idx []int, axes []int, reducedStrides []int) int {
	pos, reducedAxis := 0, 0
	for axis, value := range idx {
		if slices.Contains(axes, axis) {
			continue
		}
		pos += value * reducedStrides[reducedAxis]
		reducedAxis++
	}
	return pos
}

func removeAxes(dims []int, axes []int) []int {
	var reduced []int
	for axis, dim := range dims {
		if !slices.Contains(axes, axis) {
			reduced = append(reduced, dim)
		}
	}
	return reduced
}

func execReduce(opType graph.NodeType, x *buffer, axes []int) *buffer {
	dims := removeAxes(x.dims, axes)
	out := newBuffer(dims)
	if opType == graph.NodeTypeReduceMax {
		for ii := range out.flat {
			out.flat[ii] = math.Inf(-1)
		}
	}
	strides := stridesFor(dims)
	forEachIndex(x.dims, func(flatIdx int, idx []int) {
		pos := reducedPosition(idx, axes, strides)
		v := x.flat[flatIdx]
		if opType == graph.NodeTypeReduceMax {
			out.flat[pos] = max(out.flat[pos], v)
		} else {
			out.flat[pos] += v
		}
	})
	if opType == graph.NodeTypeReduceMean && len(out.flat) > 0 {
		count := float64(len(x.flat) / len(out.flat))
		for ii := range out.flat {
			out.flat[ii] /= count
		}
	}
	return out
}

func execBroadcastAxes(x, like *buffer, axes []int) *buffer {
	if !slices.Equal(removeAxes(like.dims, axes), x.dims) {
		exceptions.Panicf("BroadcastAxes: operand dimensions %v don't match %v with axes %v removed", x.dims, like.dims, axes)
	}
	out := newBuffer(slices.Clone(like.dims))
	strides := stridesFor(x.dims)
	forEachIndex(like.dims, func(flatIdx int, idx []int) {
		out.flat[flatIdx] = x.flat[reducedPosition(idx, axes, strides)]
	})
	return out
}

// execReshape reshapes x to dims, where at most one dimension may be -1, inferred from the size.
func execReshape(x *buffer, dims []int) *buffer {
	dims = slices.Clone(dims)
	known, unknownAxis := 1, -1
	for axis, dim := range dims {
		if dim < 0 {
			unknownAxis = axis
		} else {
			known *= dim
		}
	}
	size := len(x.flat)
	if unknownAxis >= 0 {
		if known == 0 || size%known != 0 {
			exceptions.Panicf("Reshape: size %d (dims %v) not divisible into %v", size, x.dims, dims)
		}
		dims[unknownAxis] = size / known
		known = size
	}
	if known != size {
		exceptions.Panicf("Reshape: size %d (dims %v) doesn't match %v", size, x.dims, dims)
	}
	return &buffer{dims: dims, flat: x.flat}
}

func execOneHot(indices *buffer, depth int) *buffer {
	out := newBuffer(append(slices.Clone(indices.dims), depth))
	for ii, v := range indices.flat {
		idx := int(v)
		if idx < 0 || idx >= depth {
			exceptions.Panicf("OneHot: index %d out of range for depth %d", idx, depth)
		}
		out.flat[ii*depth+idx] = 1
	}
	return out
}
