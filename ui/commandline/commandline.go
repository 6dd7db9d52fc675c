// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools for the command line: progress bars for loops, parsing of
// hyperparameter settings and reporting of outputs.
package commandline

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/ml/canopy"
)

// ReportEval calls fn with each of the named inputs and prints its outputs to w.
func ReportEval(w io.Writer, fn *canopy.Function, inputs map[string]canopy.Values) error {
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		outputs, err := fn.Call(inputs[name])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "Results of %q on %s:\n", fn.Name(), name)
		for _, output := range slices.Sorted(maps.Keys(outputs)) {
			_, _ = fmt.Fprintf(w, "\t%s: %s\n", output, FormatValue(outputs[output]))
		}
	}
	return nil
}

// FormatValue pretty-prints scalars with 4 significant digits, and other tensors with their shapes.
func FormatValue(value *tensors.Tensor) string {
	if value.Rank() == 0 {
		return fmt.Sprintf("%.4g", value.ScalarValue())
	}
	return value.Shape().String()
}
