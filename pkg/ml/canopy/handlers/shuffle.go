// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/jagill/treeano/pkg/ml/canopy"
)

type shuffleInputs struct {
	seed  uint64
	rng   *rand.Rand
	names []string
}

// ShuffleInputs permutes the rows of the named inputs, with the same permutation for all of them, before
// the inner call. A new permutation is drawn at each call, from a random number generator seeded with seed.
//
// Outputs are not permuted back: it is meant for training functions, where the order of the examples in
// a batch doesn't matter (except for the variance of the gradients).
func ShuffleInputs(seed uint64, names ...string) canopy.InputTransformer {
	return &shuffleInputs{
		seed:  seed,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		names: slices.Clone(names),
	}
}

// Name implements canopy.Handler.
func (h *shuffleInputs) Name() string {
	return fmt.Sprintf("ShuffleInputs(seed=%d, %v)", h.seed, h.names)
}

// TransformInputs implements canopy.InputTransformer.
func (h *shuffleInputs) TransformInputs(_ *canopy.State, inputs canopy.Values) (canopy.Values, error) {
	rows, err := rowsOf(h.Name(), inputs, h.names)
	if err != nil {
		return nil, err
	}
	numRows, err := commonRows(rows)
	if err != nil {
		return nil, err
	}
	if numRows <= 1 {
		return inputs, nil
	}
	permutation := h.rng.Perm(numRows)
	shuffled := maps.Clone(inputs)
	for name := range rows {
		shuffled[name] = inputs[name].GatherRows(permutation)
	}
	return shuffled, nil
}
