// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of either a Tensor or the expected
// shape of a node in a computation graph. DType indicates the type of the unit element of a
// Tensor (or its representation as a node in a computation graph), e.g. Float32 or Int32.
//
// Different from concrete tensors, the shapes of symbolic variables may have axes with an
// unknown dimension, marked with UnknownDim. The typical example is the batch axis, which is
// only known when the compiled function is called:
//
//	x := shapes.Make(dtypes.Float32, shapes.UnknownDim, 28, 28)
//	fmt.Println(x)  // (Float32)[? 28 28]
//
// Shape inference of a computation propagates UnknownDim unless the operation provably fixes
// the dimension.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UnknownDim marks an axis whose dimension is only known at execution time.
const UnknownDim = -1

// Shape represents the shape of either a Tensor or the expected shape of the value
// of a symbolic variable.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given. Dimensions must be
// positive or UnknownDim.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := s.adjustAxis(axis)
	return s.Dimensions[adjustedAxis]
}

func (s Shape) adjustAxis(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjustedAxis
}

// IsKnown returns whether all dimensions are known.
func (s Shape) IsKnown() bool {
	return !slices.Contains(s.Dimensions, UnknownDim)
}

// WithDim returns a copy of the shape with the dimension of axis replaced.
func (s Shape) WithDim(axis, dim int) Shape {
	s2 := s.Clone()
	s2.Dimensions[s.adjustAxis(axis)] = dim
	return s2
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape. Unknown dimensions are printed as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
// It panics if some dimension is unknown.
func (s Shape) Size() (size int) {
	if !s.IsKnown() {
		exceptions.Panicf("Shape.Size() of shape %s with unknown dimensions", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared. UnknownDim
// only equals UnknownDim.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Compatible returns whether two shapes could describe the same value: same dtype and rank,
// and each dimension is either equal or unknown in one of them.
func (s Shape) Compatible(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for ii, dim := range s.Dimensions {
		dim2 := s2.Dimensions[ii]
		if dim != dim2 && dim != UnknownDim && dim2 != UnknownDim {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given dimensions and rank. A value of UnknownDim
// in dimensions means it can take any value and is not checked.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for ii, wantDim := range dimensions {
		if wantDim != UnknownDim && s.Dimensions[ii] != wantDim {
			return errors.Errorf("shape %s axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, ii, s.Dimensions[ii], wantDim, dimensions)
		}
	}
	return nil
}

// AssertRank panics if the shape doesn't have the given rank.
func (s Shape) AssertRank(rank int) {
	if s.Rank() != rank {
		exceptions.Panicf("shape %s has rank %d, wanted %d", s, s.Rank(), rank)
	}
}

// ConcatenateDimensions of two shapes. The resulting rank is the sum of both ranks. They must
// have the same dtype. If any of them is a scalar, the resulting shape will be a copy of the other.
func ConcatenateDimensions(s1, s2 Shape) Shape {
	if s1.DType != s2.DType {
		exceptions.Panicf("ConcatenateDimensions(%s, %s) with different dtypes", s1, s2)
	}
	dims := make([]int, 0, s1.Rank()+s2.Rank())
	dims = append(dims, s1.Dimensions...)
	dims = append(dims, s2.Dimensions...)
	return Shape{DType: s1.DType, Dimensions: dims}
}

// ParseDType converts a dtype name (e.g. "float32", "Float32", "int32") to a dtypes.DType.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, err := dtypes.DTypeString(name)
	if err == nil {
		return dtype, nil
	}
	for _, candidate := range []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64,
		dtypes.Int32, dtypes.Int64, dtypes.Bool} {
		if strings.EqualFold(candidate.String(), name) {
			return candidate, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// ShapeError reports a shape inference contradiction: mismatched ranks, dimensions or dtypes.
// Name identifies the node, variable or operation where the problem was detected.
type ShapeError struct {
	Name     string
	Expected string
	Actual   string
	Reason   string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	msg := fmt.Sprintf("shape error in %q: %s", e.Name, e.Reason)
	if e.Expected != "" || e.Actual != "" {
		msg = fmt.Sprintf("%s (expected %s, got %s)", msg, e.Expected, e.Actual)
	}
	return msg
}

// PanicShapeError panics with a *ShapeError, with a stack trace attached.
// Expected and actual values are formatted with %v.
func PanicShapeError(name string, expected, actual any, format string, args ...any) {
	panic(errors.WithStack(&ShapeError{
		Name:     name,
		Expected: fmt.Sprintf("%v", expected),
		Actual:   fmt.Sprintf("%v", actual),
		Reason:   fmt.Sprintf(format, args...),
	}))
}
