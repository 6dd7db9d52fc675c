// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package handlers implements the canopy.Handler library: batching, hyperparameter overrides and
// schedules, shuffling and monitoring of calls.
//
// All handlers refer to inputs and outputs by their names in the network (e.g. "x" or "x:default"), not by
// the external names of the function.
package handlers

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/canopy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ChunkLengthError is returned when the inputs to be split in chunks have different number of rows.
type ChunkLengthError struct {
	// Rows per input name.
	Rows map[string]int
}

// Error implements error.
func (e *ChunkLengthError) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, name := range slices.Sorted(maps.Keys(e.Rows)) {
		parts = append(parts, fmt.Sprintf("%q: %d", name, e.Rows[name]))
	}
	return fmt.Sprintf("inputs to split in chunks have different number of rows: {%s}", strings.Join(parts, ", "))
}

// rowsOf returns the number of rows of each of the named inputs. Either all or none of them must be present.
func rowsOf(handler string, inputs canopy.Values, names []string) (map[string]int, error) {
	rows := make(map[string]int, len(names))
	var missing []string
	for _, name := range names {
		value, found := inputs[name]
		if !found {
			missing = append(missing, name)
			continue
		}
		if value.Rank() == 0 {
			return nil, errors.Errorf("%s: input %q is a scalar, it can't be split in rows", handler, name)
		}
		rows[name] = value.Rows()
	}
	if len(missing) > 0 && len(rows) > 0 {
		return nil, errors.Errorf("%s: inputs %q missing, while %q are given (inputs: %v)",
			handler, missing, slices.Sorted(maps.Keys(rows)), slices.Sorted(maps.Keys(inputs)))
	}
	return rows, nil
}

// commonRows returns the common number of rows, or a *ChunkLengthError.
func commonRows(rows map[string]int) (int, error) {
	n := -1
	for _, r := range rows {
		if n == -1 {
			n = r
		} else if r != n {
			return 0, errors.WithStack(&ChunkLengthError{Rows: rows})
		}
	}
	return n, nil
}

type chunkVariables struct {
	batchSize int
	names     []string
}

// ChunkVariables splits the named inputs along axis 0 in chunks of at most batchSize rows, makes one inner
// call per chunk (with the other inputs unchanged), and combines the outputs: outputs with rank >= 1 are
// concatenated along axis 0, and scalar outputs are averaged weighted by the number of rows of each chunk.
//
// The named inputs must all have the same number of rows, otherwise the call fails with a
// *ChunkLengthError. Giving only some of them is an error. If none of them is present, or they have no
// rows, the inner call is made once.
//
// It panics if batchSize is not positive.
func ChunkVariables(batchSize int, names ...string) canopy.CallWrapper {
	if batchSize <= 0 {
		exceptions.Panicf("handlers.ChunkVariables: batchSize must be > 0, got %d", batchSize)
	}
	return &chunkVariables{batchSize: batchSize, names: slices.Clone(names)}
}

// Name implements canopy.Handler.
func (h *chunkVariables) Name() string {
	return fmt.Sprintf("ChunkVariables(%d, %v)", h.batchSize, h.names)
}

// WrapCall implements canopy.CallWrapper.
func (h *chunkVariables) WrapCall(state *canopy.State, inputs canopy.Values, next canopy.CallFn) (canopy.Values, error) {
	rows, err := rowsOf(h.Name(), inputs, h.names)
	if err != nil {
		return nil, err
	}
	numRows, err := commonRows(rows)
	if err != nil {
		return nil, err
	}
	if numRows <= 0 {
		return next(state, inputs)
	}

	var results []canopy.Values
	var sizes []int
	for start := 0; start < numRows; start += h.batchSize {
		end := min(start+h.batchSize, numRows)
		chunk := maps.Clone(inputs)
		for name := range rows {
			chunk[name] = inputs[name].SliceRows(start, end)
		}
		outputs, err := next(state, chunk)
		if err != nil {
			return nil, errors.WithMessagef(err, "chunk of rows [%d:%d]", start, end)
		}
		results = append(results, outputs)
		sizes = append(sizes, end-start)
	}
	klog.V(2).Infof("%s: %d rows in %d chunks", h.Name(), numRows, len(results))
	return combineChunks(results, sizes)
}

// combineChunks concatenates (or averages, for scalars) the outputs of each chunk.
func combineChunks(results []canopy.Values, sizes []int) (canopy.Values, error) {
	if len(results) == 1 {
		return results[0], nil
	}
	total := 0
	for _, size := range sizes {
		total += size
	}
	combined := make(canopy.Values, len(results[0]))
	for name, first := range results[0] {
		parts := make([]*tensors.Tensor, len(results))
		for ii, outputs := range results {
			part, found := outputs[name]
			if !found {
				return nil, errors.Errorf("output %q missing from chunk #%d", name, ii)
			}
			parts[ii] = part
		}
		if first.Rank() == 0 {
			var sum float64
			for ii, part := range parts {
				sum += part.ScalarValue() * float64(sizes[ii])
			}
			combined[name] = tensors.FromScalarAndDType(sum/float64(total), first.DType())
			continue
		}
		value, err := tensors.ConcatenateRows(parts...)
		if err != nil {
			return nil, errors.WithMessagef(err, "combining output %q", name)
		}
		combined[name] = value
	}
	return combined, nil
}

type batchPad struct {
	batchSize int
	names     []string
}

// BatchPad pads the named inputs with zero rows so that their number of rows is a multiple of batchSize,
// and removes the padding rows from the outputs with the padded number of rows. Usually used outside of
// ChunkVariables, so that all chunks have the same shape.
//
// It panics if batchSize is not positive.
func BatchPad(batchSize int, names ...string) canopy.CallWrapper {
	if batchSize <= 0 {
		exceptions.Panicf("handlers.BatchPad: batchSize must be > 0, got %d", batchSize)
	}
	return &batchPad{batchSize: batchSize, names: slices.Clone(names)}
}

// Name implements canopy.Handler.
func (h *batchPad) Name() string {
	return fmt.Sprintf("BatchPad(%d, %v)", h.batchSize, h.names)
}

// WrapCall implements canopy.CallWrapper.
func (h *batchPad) WrapCall(state *canopy.State, inputs canopy.Values, next canopy.CallFn) (canopy.Values, error) {
	rows, err := rowsOf(h.Name(), inputs, h.names)
	if err != nil {
		return nil, err
	}
	numRows, err := commonRows(rows)
	if err != nil {
		return nil, err
	}
	remainder := numRows % h.batchSize
	if numRows <= 0 || remainder == 0 {
		return next(state, inputs)
	}
	padded := numRows + h.batchSize - remainder
	paddedInputs := maps.Clone(inputs)
	for name := range rows {
		paddedInputs[name] = inputs[name].PadRows(padded)
	}
	outputs, err := next(state, paddedInputs)
	if err != nil {
		return nil, err
	}
	trimmed := make(canopy.Values, len(outputs))
	for name, value := range outputs {
		if value.Rank() > 0 && value.Rows() == padded {
			value = value.SliceRows(0, numRows)
		}
		trimmed[name] = value
	}
	return trimmed, nil
}
