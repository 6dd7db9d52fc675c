// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a concrete value with a fully known shape, as fed to and
// returned by compiled functions.
//
// Values are stored flat, in row-major order, as float64, irrespective of the DType. The DType
// is honored when converting back to Go values (see Tensor.Value and CopyFlatData), and by the
// backends when they need to truncate or round results (e.g.: integer dtypes).
//
// The package also provides the row (axis 0) operations used by function handlers: slicing,
// concatenating, gathering and padding rows.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Number represents the Go numeric types that can be converted to and from a Tensor.
type Number interface {
	constraints.Integer | constraints.Float
}

// Tensor is a concrete multidimensional value. Its shape is always fully known.
//
// Tensors are treated as immutable by the library: operations return new tensors.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromFlat64 creates a tensor of the given shape taking ownership of flat.
// The shape must be fully known and len(flat) must match its size.
func FromFlat64(shape shapes.Shape, flat []float64) *Tensor {
	if !shape.IsKnown() {
		exceptions.Panicf("tensors.FromFlat64: shape %s has unknown dimensions", shape)
	}
	if shape.Size() != len(flat) {
		exceptions.Panicf("tensors.FromFlat64: shape %s requires %d elements, got %d", shape, shape.Size(), len(flat))
	}
	return &Tensor{shape: shape.Clone(), flat: flat}
}

// FromShape returns a zero-initialized tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	return FromFlat64(shape, make([]float64, shape.Size()))
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened
// values given in `data`. The DType is inferred from T.
func FromFlatDataAndDimensions[T Number](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypeFor(reflect.TypeFor[T]()), dimensions...)
	flat := make([]float64, len(data))
	for ii, v := range data {
		flat[ii] = float64(v)
	}
	return FromFlat64(shape, flat)
}

// FromScalar returns a scalar tensor with the given value.
func FromScalar[T Number](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromScalarAndDType returns a scalar tensor of the given dtype.
func FromScalarAndDType(value float64, dtype dtypes.DType) *Tensor {
	return FromFlat64(shapes.Scalar(dtype), []float64{value})
}

// FromValue converts a Go value, a scalar or a (multidimensional) slice of a numeric type
// (including float16.Float16), to a Tensor. It panics for ragged slices or unsupported types.
func FromValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	v := reflect.ValueOf(value)
	var dims []int
	elemType := v.Type()
	for probe := v; probe.Kind() == reflect.Slice; probe = probe.Index(0) {
		dims = append(dims, probe.Len())
		elemType = elemType.Elem()
		if probe.Len() == 0 {
			exceptions.Panicf("tensors.FromValue: empty slices are not supported (dims=%v)", dims)
		}
	}
	dtype := dtypeFor(elemType)
	shape := shapes.Make(dtype, dims...)
	flat := make([]float64, 0, shape.Size())
	var visit func(v reflect.Value, axis int)
	visit = func(v reflect.Value, axis int) {
		if axis == len(dims) {
			flat = append(flat, toFloat64(v))
			return
		}
		if v.Len() != dims[axis] {
			exceptions.Panicf("tensors.FromValue: ragged slice at axis %d: got length %d, wanted %d", axis, v.Len(), dims[axis])
		}
		for ii := range v.Len() {
			visit(v.Index(ii), axis+1)
		}
	}
	visit(v, 0)
	return FromFlat64(shape, flat)
}

var float16Type = reflect.TypeFor[float16.Float16]()

func dtypeFor(t reflect.Type) dtypes.DType {
	if t == float16Type {
		return dtypes.Float16
	}
	switch t.Kind() {
	case reflect.Float32:
		return dtypes.Float32
	case reflect.Float64:
		return dtypes.Float64
	case reflect.Int, reflect.Int64:
		return dtypes.Int64
	case reflect.Int32, reflect.Int16, reflect.Int8:
		return dtypes.Int32
	case reflect.Uint8:
		return dtypes.Uint8
	case reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return dtypes.Uint64
	case reflect.Bool:
		return dtypes.Bool
	default:
		exceptions.Panicf("tensors: unsupported Go type %s", t)
	}
	return dtypes.InvalidDType
}

func toFloat64(v reflect.Value) float64 {
	if v.Type() == float16Type {
		return float64(v.Interface().(float16.Float16).Float32())
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	default:
		exceptions.Panicf("tensors: unsupported Go type %s", v.Type())
	}
	return 0
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements in the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Rows returns the dimension of axis 0. It panics for scalars.
func (t *Tensor) Rows() int {
	if t.Rank() == 0 {
		exceptions.Panicf("tensors: Rows() of scalar tensor %s", t.shape)
	}
	return t.shape.Dimensions[0]
}

// Flat64 returns the underlying flat storage. It must be treated as read-only.
func (t *Tensor) Flat64() []float64 { return t.flat }

// ScalarValue returns the value of a scalar (or single element) tensor as float64.
func (t *Tensor) ScalarValue() float64 {
	if len(t.flat) != 1 {
		exceptions.Panicf("tensors: ScalarValue() of tensor with shape %s", t.shape)
	}
	return t.flat[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// CopyFlatData returns a copy of the flat data converted to T.
func CopyFlatData[T Number](t *Tensor) []T {
	out := make([]T, len(t.flat))
	for ii, v := range t.flat {
		out[ii] = T(v)
	}
	return out
}

// Float16Flat returns a copy of the flat data converted to float16.Float16.
func (t *Tensor) Float16Flat() []float16.Float16 {
	out := make([]float16.Float16, len(t.flat))
	for ii, v := range t.flat {
		out[ii] = float16.Fromfloat32(float32(v))
	}
	return out
}

// Value returns a (multidimensional) Go slice, or a scalar, with the tensor's values, using the
// Go type corresponding to its DType. E.g.: a Float32 tensor of shape [2 3] returns a [][]float32.
func (t *Tensor) Value() any {
	var elem func(v float64) reflect.Value
	switch t.DType() {
	case dtypes.Float32:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(float32(v)) }
	case dtypes.Float16:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(float16.Fromfloat32(float32(v))) }
	case dtypes.Int32:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(int32(v)) }
	case dtypes.Int64:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(int64(v)) }
	case dtypes.Uint8:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(uint8(v)) }
	case dtypes.Uint64:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(uint64(v)) }
	case dtypes.Bool:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(v != 0) }
	default:
		elem = func(v float64) reflect.Value { return reflect.ValueOf(v) }
	}
	if t.Rank() == 0 {
		return elem(t.flat[0]).Interface()
	}
	elemType := elem(0).Type()
	sliceTypes := make([]reflect.Type, t.Rank())
	for axis := t.Rank() - 1; axis >= 0; axis-- {
		elemType = reflect.SliceOf(elemType)
		sliceTypes[axis] = elemType
	}
	pos := 0
	var build func(axis int) reflect.Value
	build = func(axis int) reflect.Value {
		dim := t.shape.Dimensions[axis]
		s := reflect.MakeSlice(sliceTypes[axis], dim, dim)
		for ii := range dim {
			if axis == t.Rank()-1 {
				s.Index(ii).Set(elem(t.flat[pos]))
				pos++
			} else {
				s.Index(ii).Set(build(axis + 1))
			}
		}
		return s
	}
	return build(0).Interface()
}

// rowSize is the number of elements in each row (axis 0) of the tensor.
func (t *Tensor) rowSize() int {
	if t.Rows() == 0 {
		return 0
	}
	return len(t.flat) / t.Rows()
}

// SliceRows returns the rows [start, end) of the tensor as a new tensor.
func (t *Tensor) SliceRows(start, end int) *Tensor {
	rows := t.Rows()
	if start < 0 || end > rows || start >= end {
		exceptions.Panicf("tensors: SliceRows(%d, %d) invalid for tensor with %d rows", start, end, rows)
	}
	rowSize := t.rowSize()
	shape := t.shape.WithDim(0, end-start)
	return FromFlat64(shape, slices.Clone(t.flat[start*rowSize:end*rowSize]))
}

// GatherRows returns a new tensor with the rows selected by indices, in the given order.
func (t *Tensor) GatherRows(indices []int) *Tensor {
	rows, rowSize := t.Rows(), t.rowSize()
	flat := make([]float64, 0, len(indices)*rowSize)
	for _, idx := range indices {
		if idx < 0 || idx >= rows {
			exceptions.Panicf("tensors: GatherRows index %d out of range for %d rows", idx, rows)
		}
		flat = append(flat, t.flat[idx*rowSize:(idx+1)*rowSize]...)
	}
	return FromFlat64(t.shape.WithDim(0, len(indices)), flat)
}

// PadRows returns a new tensor with zero rows appended so that it has numRows rows.
// If the tensor already has numRows or more rows, it is returned unchanged.
func (t *Tensor) PadRows(numRows int) *Tensor {
	rows := t.Rows()
	if rows >= numRows {
		return t
	}
	flat := make([]float64, numRows*t.rowSize())
	copy(flat, t.flat)
	return FromFlat64(t.shape.WithDim(0, numRows), flat)
}

// ConcatenateRows concatenates the tensors along axis 0. All tensors must have the same dtype
// and the same dimensions on the other axes.
func ConcatenateRows(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.ConcatenateRows requires at least one tensor")
	}
	first := parts[0]
	if first.Rank() == 0 {
		return nil, errors.Errorf("tensors.ConcatenateRows cannot concatenate scalars (shape %s)", first.shape)
	}
	totalRows, totalSize := 0, 0
	for ii, part := range parts {
		if part.DType() != first.DType() || part.Rank() != first.Rank() ||
			!slices.Equal(part.shape.Dimensions[1:], first.shape.Dimensions[1:]) {
			return nil, errors.Errorf("tensors.ConcatenateRows: tensor #%d has shape %s, incompatible with tensor #0 shape %s",
				ii, part.shape, first.shape)
		}
		totalRows += part.Rows()
		totalSize += len(part.flat)
	}
	flat := make([]float64, 0, totalSize)
	for _, part := range parts {
		flat = append(flat, part.flat...)
	}
	return FromFlat64(first.shape.WithDim(0, totalRows), flat), nil
}

// HasNaN returns whether any of the values is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// InDelta returns whether both tensors have the same shape and all values are within delta.
func (t *Tensor) InDelta(t2 *Tensor, delta float64) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-t2.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString(": ")
	_, _ = fmt.Fprintf(&sb, "%v", t.Value())
	return sb.String()
}
