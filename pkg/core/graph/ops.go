// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
)

// mergeDim returns the dimension compatible with both a and b, preferring known dimensions.
func mergeDim(a, b int) (int, bool) {
	switch {
	case a == shapes.UnknownDim:
		return b, true
	case b == shapes.UnknownDim || a == b:
		return a, true
	}
	return 0, false
}

func checkSameDType(opName string, x, y *Node) {
	if x.DType() != y.DType() {
		shapes.PanicShapeError(opName, x.DType(), y.DType(), "operands must have the same dtype (%s and %s)", x.shape, y.shape)
	}
}

// binaryOp creates an element-wise binary op. Operands may differ in rank, in which case the
// dimensions of the smaller one must match the trailing (suffix) dimensions of the larger one,
// and its values are broadcast over the leading axes. Scalars broadcast to any shape.
func binaryOp(nodeType NodeType, x, y *Node) *Node {
	opName := nodeType.String()
	checkSameDType(opName, x, y)
	big, small := x, y
	if y.Rank() > x.Rank() {
		big, small = y, x
	}
	dims := slices.Clone(big.shape.Dimensions)
	offset := big.Rank() - small.Rank()
	for ii, dim := range small.shape.Dimensions {
		merged, ok := mergeDim(dims[offset+ii], dim)
		if !ok {
			shapes.PanicShapeError(opName, big.shape, small.shape,
				"operand dimensions must match the trailing dimensions of the larger operand")
		}
		dims[offset+ii] = merged
	}
	return x.graph.newNode(nodeType, shapes.Make(x.DType(), dims...), x, y)
}

// Add returns x + y, with suffix broadcasting.
func Add(x, y *Node) *Node { return binaryOp(NodeTypeAdd, x, y) }

// Sub returns x - y, with suffix broadcasting.
func Sub(x, y *Node) *Node { return binaryOp(NodeTypeSub, x, y) }

// Mul returns x * y, with suffix broadcasting.
func Mul(x, y *Node) *Node { return binaryOp(NodeTypeMul, x, y) }

// Div returns x / y, with suffix broadcasting.
func Div(x, y *Node) *Node { return binaryOp(NodeTypeDiv, x, y) }

// Max returns the element-wise maximum of x and y, with suffix broadcasting.
func Max(x, y *Node) *Node { return binaryOp(NodeTypeMax, x, y) }

// AddScalar returns x + value.
func AddScalar(x *Node, value float64) *Node { return Add(x, ScalarLike(x, value)) }

// MulScalar returns x * value.
func MulScalar(x *Node, value float64) *Node { return Mul(x, ScalarLike(x, value)) }

// Square returns x*x.
func Square(x *Node) *Node { return Mul(x, x) }

// OneMinus returns 1-x.
func OneMinus(x *Node) *Node { return Sub(ScalarLike(x, 1), x) }

func unaryOp(nodeType NodeType, x *Node) *Node {
	return x.graph.newNode(nodeType, x.shape.Clone(), x)
}

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(NodeTypeNeg, x) }

// Exp returns e^x.
func Exp(x *Node) *Node { return unaryOp(NodeTypeExp, x) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return unaryOp(NodeTypeLog, x) }

// Sqrt returns the square root of x.
func Sqrt(x *Node) *Node { return unaryOp(NodeTypeSqrt, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Node) *Node { return unaryOp(NodeTypeTanh, x) }

// Sigmoid returns 1/(1+e^-x).
func Sigmoid(x *Node) *Node { return unaryOp(NodeTypeSigmoid, x) }

// Relu returns max(x, 0).
func Relu(x *Node) *Node { return unaryOp(NodeTypeRelu, x) }

// Step returns 1 where x > 0, and 0 otherwise.
func Step(x *Node) *Node { return unaryOp(NodeTypeStep, x) }

// StopGradient returns x unchanged, but no gradient flows through it.
func StopGradient(x *Node) *Node { return unaryOp(NodeTypeStopGradient, x) }

// ConvertDType converts x to the given dtype. Conversion to integer dtypes truncates.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	if x.DType() == dtype {
		return x
	}
	return x.graph.newNode(NodeTypeConvertDType, shapes.Make(dtype, x.shape.Dimensions...), x)
}

// ZerosLike returns zeros with the shape of x. If the shape of x is fully known, it is a constant.
func ZerosLike(x *Node) *Node {
	if x.shape.IsKnown() {
		return x.graph.Scalar(x.DType(), 0).broadcastConst(x.shape)
	}
	return MulScalar(StopGradient(x), 0)
}

// broadcastConst materializes a scalar constant node to the given (known) shape.
func (n *Node) broadcastConst(shape shapes.Shape) *Node {
	if shape.Rank() == 0 {
		return n
	}
	value := n.constant.ScalarValue()
	flat := make([]float64, shape.Size())
	if value != 0 {
		for ii := range flat {
			flat[ii] = value
		}
	}
	return n.graph.Const(tensors.FromFlat64(shape, flat))
}

// MatMul multiplies matrices x [m, k] and y [k, n], returning [m, n].
func MatMul(x, y *Node) *Node {
	checkSameDType("MatMul", x, y)
	if x.Rank() != 2 || y.Rank() != 2 {
		shapes.PanicShapeError("MatMul", "rank-2 operands", []int{x.Rank(), y.Rank()}, "MatMul(%s, %s)", x.shape, y.shape)
	}
	if _, ok := mergeDim(x.shape.Dim(1), y.shape.Dim(0)); !ok {
		shapes.PanicShapeError("MatMul", x.shape.Dim(1), y.shape.Dim(0), "contracting dimensions of %s and %s differ", x.shape, y.shape)
	}
	return x.graph.newNode(NodeTypeMatMul, shapes.Make(x.DType(), x.shape.Dim(0), y.shape.Dim(1)), x, y)
}

// Transpose permutes the axes of x. If no permutation is given, the axes are reversed.
func Transpose(x *Node, permutation ...int) *Node {
	rank := x.Rank()
	if len(permutation) == 0 {
		permutation = make([]int, rank)
		for ii := range permutation {
			permutation[ii] = rank - 1 - ii
		}
	}
	if len(permutation) != rank {
		exceptions.Panicf("Transpose(%s, %v): permutation must have one entry per axis", x.shape, permutation)
	}
	dims := make([]int, rank)
	seen := make([]bool, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			exceptions.Panicf("Transpose(%s, %v): invalid permutation", x.shape, permutation)
		}
		seen[axis] = true
		dims[ii] = x.shape.Dimensions[axis]
	}
	n := x.graph.newNode(NodeTypeTranspose, shapes.Make(x.DType(), dims...), x)
	n.axes = slices.Clone(permutation)
	return n
}

// normalizeAxes converts negative axes, sorts them and checks for duplicates. No axes means all axes.
func normalizeAxes(opName string, x *Node, axes []int) []int {
	rank := x.Rank()
	if len(axes) == 0 {
		axes = make([]int, rank)
		for ii := range axes {
			axes[ii] = ii
		}
		return axes
	}
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			exceptions.Panicf("%s(%s): axis %d out of range", opName, x.shape, axes[ii])
		}
		normalized[ii] = axis
	}
	slices.Sort(normalized)
	if len(slices.Compact(slices.Clone(normalized))) != len(normalized) {
		exceptions.Panicf("%s(%s): repeated axes in %v", opName, x.shape, axes)
	}
	return normalized
}

func reduceOp(nodeType NodeType, x *Node, axes []int) *Node {
	axes = normalizeAxes(nodeType.String(), x, axes)
	var dims []int
	for axis, dim := range x.shape.Dimensions {
		if !slices.Contains(axes, axis) {
			dims = append(dims, dim)
		}
	}
	n := x.graph.newNode(nodeType, shapes.Make(x.DType(), dims...), x)
	n.axes = axes
	return n
}

// ReduceSum sums x over the given axes, or over all axes if none is given.
func ReduceSum(x *Node, axes ...int) *Node { return reduceOp(NodeTypeReduceSum, x, axes) }

// ReduceMean averages x over the given axes, or over all axes if none is given.
func ReduceMean(x *Node, axes ...int) *Node { return reduceOp(NodeTypeReduceMean, x, axes) }

// ReduceMax takes the maximum of x over the given axes, or over all axes if none is given.
// It has no gradient defined: wrap it in StopGradient when used for numerical stability.
func ReduceMax(x *Node, axes ...int) *Node { return reduceOp(NodeTypeReduceMax, x, axes) }

// BroadcastAxes is the inverse of a reduction: it inserts the given axes into x, broadcasting its
// values, to obtain the shape of like. It is used to expand a reduced value back, like "keepdims".
func BroadcastAxes(x, like *Node, axes ...int) *Node {
	checkSameDType("BroadcastAxes", x, like)
	if len(axes) > 0 {
		axes = normalizeAxes("BroadcastAxes", like, axes)
	}
	if x.Rank()+len(axes) != like.Rank() {
		shapes.PanicShapeError("BroadcastAxes", like.Rank()-len(axes), x.Rank(),
			"operand %s doesn't match %s with axes %v removed", x.shape, like.shape, axes)
	}
	dims := slices.Clone(like.shape.Dimensions)
	xAxis := 0
	for axis := range dims {
		if slices.Contains(axes, axis) {
			continue
		}
		merged, ok := mergeDim(dims[axis], x.shape.Dimensions[xAxis])
		if !ok {
			shapes.PanicShapeError("BroadcastAxes", like.shape, x.shape, "axis %d mismatch", axis)
		}
		dims[axis] = merged
		xAxis++
	}
	n := x.graph.newNode(NodeTypeBroadcastAxes, shapes.Make(x.DType(), dims...), x, like)
	n.axes = axes
	return n
}

// Reshape x to the given dimensions. At most one dimension can be shapes.UnknownDim, and it is
// inferred from the total size at execution time (or at build time if x's shape is known).
func Reshape(x *Node, dimensions ...int) *Node {
	unknownAxis := -1
	knownSize := 1
	for axis, dim := range dimensions {
		if dim == shapes.UnknownDim {
			if unknownAxis >= 0 {
				exceptions.Panicf("Reshape(%s, %v): only one dimension can be unknown", x.shape, dimensions)
			}
			unknownAxis = axis
			continue
		}
		knownSize *= dim
	}
	dims := slices.Clone(dimensions)
	if x.shape.IsKnown() {
		size := x.shape.Size()
		if unknownAxis >= 0 {
			if size%knownSize != 0 {
				shapes.PanicShapeError("Reshape", dimensions, x.shape, "size %d not divisible by %d", size, knownSize)
			}
			dims[unknownAxis] = size / knownSize
		} else if size != knownSize {
			shapes.PanicShapeError("Reshape", dimensions, x.shape, "total size mismatch (%d != %d)", knownSize, size)
		}
	}
	n := x.graph.newNode(NodeTypeReshape, shapes.Make(x.DType(), dims...), x)
	n.intParams = slices.Clone(dimensions)
	return n
}

// ReshapeLike reshapes x to the shape of like, using like's dimensions at execution time.
func ReshapeLike(x, like *Node) *Node {
	return x.graph.newNode(NodeTypeReshapeLike, shapes.Make(x.DType(), like.shape.Dimensions...), x, like)
}

// Dimension returns the dimension of x's axis as a scalar of x's dtype. If the dimension is
// known at build time it is a constant, otherwise it is read at execution time.
func Dimension(x *Node, axis int) *Node {
	axis = normalizeAxes("Dimension", x, []int{axis})[0]
	if dim := x.shape.Dimensions[axis]; dim != shapes.UnknownDim {
		return x.graph.Scalar(x.DType(), float64(dim))
	}
	n := x.graph.newNode(NodeTypeDimension, shapes.Scalar(x.DType()), x)
	n.intParams = []int{axis}
	return n
}

// OneHot converts integer indices to one-hot vectors of the given depth, appended as a new
// last axis.
func OneHot(indices *Node, depth int, dtype dtypes.DType) *Node {
	if depth <= 0 {
		exceptions.Panicf("OneHot(%s, depth=%d): depth must be positive", indices.shape, depth)
	}
	dims := append(slices.Clone(indices.shape.Dimensions), depth)
	n := indices.graph.newNode(NodeTypeOneHot, shapes.Make(dtype, dims...), indices)
	n.intParams = []int{depth}
	return n
}

// RandomUniform returns random values in [0, 1) with the shape and dtype of like. Values are
// drawn again at every execution.
func RandomUniform(like *Node) *Node {
	return like.graph.newNode(NodeTypeRandomUniform, like.shape.Clone(), like)
}

// ConvOutputLength returns the output length of a 1D convolution with explicit symmetric padding
// on each side. An unknown input length yields an unknown output length.
func ConvOutputLength(inputLength, filterSize, stride, padding int) int {
	if inputLength == shapes.UnknownDim {
		return shapes.UnknownDim
	}
	return (inputLength+2*padding-filterSize)/stride + 1
}

// Conv1D convolves x [batch, inChannels, length] with filters [outChannels, inChannels, filterSize],
// with the given stride and symmetric zero padding. Output is [batch, outChannels, outLength].
func Conv1D(x, filters *Node, stride, padding int) *Node {
	checkSameDType("Conv1D", x, filters)
	if x.Rank() != 3 || filters.Rank() != 3 {
		shapes.PanicShapeError("Conv1D", "rank-3 operands", []int{x.Rank(), filters.Rank()}, "Conv1D(%s, %s)", x.shape, filters.shape)
	}
	if stride < 1 || padding < 0 {
		exceptions.Panicf("Conv1D: invalid stride=%d or padding=%d", stride, padding)
	}
	filterSize := filters.shape.Dim(2)
	if filterSize == shapes.UnknownDim {
		shapes.PanicShapeError("Conv1D", "known filter size", filters.shape, "filter size must be known")
	}
	if _, ok := mergeDim(x.shape.Dim(1), filters.shape.Dim(1)); !ok {
		shapes.PanicShapeError("Conv1D", filters.shape.Dim(1), x.shape.Dim(1), "input channels of %s don't match filters %s", x.shape, filters.shape)
	}
	outLength := ConvOutputLength(x.shape.Dim(2), filterSize, stride, padding)
	if outLength != shapes.UnknownDim && outLength <= 0 {
		shapes.PanicShapeError("Conv1D", "positive output length", outLength,
			"input %s too short for filter size %d with padding %d", x.shape, filterSize, padding)
	}
	n := x.graph.newNode(NodeTypeConv1D, shapes.Make(x.DType(), x.shape.Dim(0), filters.shape.Dim(0), outLength), x, filters)
	n.intParams = []int{stride, padding}
	return n
}

// conv1DGradInput is the gradient of Conv1D with respect to its input, shaped like x.
func conv1DGradInput(v, filters, x *Node, stride, padding int) *Node {
	n := v.graph.newNode(NodeTypeConv1DGradInput, x.shape.Clone(), v, filters, x)
	n.intParams = []int{stride, padding}
	return n
}

// conv1DGradFilter is the gradient of Conv1D with respect to its filters.
func conv1DGradFilter(x, v *Node, filterShape shapes.Shape, stride, padding int) *Node {
	n := v.graph.newNode(NodeTypeConv1DGradFilter, filterShape.Clone(), x, v)
	n.intParams = []int{stride, padding, filterShape.Dim(2)}
	return n
}
