// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend for treeano.
//
// It interprets graph.Program nodes one at a time, storing every value as a flat []float64.
// It is meant for tests, small models and as a reference for other backends.
//
// Configuration (after "go:" in TREEANO_BACKEND) is an optional comma separated list of
// "key=value" options. Supported keys:
//
//   - seed: seed of the random number generator used by graph.RandomUniform. If not set, a
//     random seed is used.
package simplego

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/jagill/treeano/backends"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in TREEANO_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// Backend implements the backends.Backend interface.
type Backend struct {
	seed    uint64
	hasSeed bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new SimpleGo Backend with the given configuration.
func New(config string) (backends.Backend, error) {
	b := &Backend{}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "seed":
			seed, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "backend %q: invalid seed %q", BackendName, value)
			}
			b.seed, b.hasSeed = seed, true
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q", BackendName, key)
		}
	}
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string { return "Simple Go Portable Backend" }

// Compile implements backends.Backend.
func (b *Backend) Compile(program *graph.Program) (backends.Executable, error) {
	if program == nil || program.Graph == nil {
		return nil, errors.New("simplego: cannot compile nil program")
	}
	e := newExecutable(program)
	var rng *rand.Rand
	if b.hasSeed {
		rng = rand.New(rand.NewPCG(b.seed, 0))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	e.rng = rng
	klog.V(2).Infof("simplego: compiled %q with %d of %d nodes, %d outputs and %d updates",
		program.Graph.Name(), len(e.order), program.Graph.NumNodes(), len(program.Outputs), len(program.Updates))
	return e, nil
}
