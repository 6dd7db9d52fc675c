// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a numeric backend needs to implement to execute the
// computation graphs treeano networks are compiled to, plus a registry of the available backends.
//
// Backends register themselves during package initialization; the usual way to get one is:
//
//	import _ "github.com/jagill/treeano/backends/default"
//
//	backend := backends.MustNew()
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend compiles graph programs into executables.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Compile the program into an Executable. The program's graph must not be changed afterward.
	Compile(program *graph.Program) (Executable, error)
}

// Executable is a compiled program.
type Executable interface {
	// InputNames returns the names of the graph parameters required by the program.
	InputNames() []string

	// Execute the program with the given inputs, keyed by parameter name. Inputs not required by the
	// program are ignored. It returns the values of the program outputs, in order, and then sets the
	// values of the updated shared variables.
	//
	// All outputs and updates are computed before any shared variable is changed.
	Execute(inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "TREEANO_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment TREEANO_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>",
// or simply "<backend_name>". An empty configuration selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends for treeano -- maybe import the default ones with import _ "github.com/jagill/treeano/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendName)
	}
	klog.V(1).Infof("using backend %q (%s)", backend.Name(), backend.Description())
	return backend, nil
}
