// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nodespec reads node trees from declarative YAML documents, resolving node types with a
// treeano.Registry (usually nodes.Registry()).
//
// Each node is described by its type, name, stored hyperparameters and children:
//
//	type: hyperparameter
//	name: hp
//	hyperparameters:
//	  inits: [glorot_uniform]
//	children:
//	  - type: sequential
//	    name: model
//	    children:
//	      - {type: input, name: x, hyperparameters: {shape: [null, 784]}}
//	      - {type: dense, name: hidden, hyperparameters: {num_units: 128}}
//	      - {type: relu, name: relu}
//	      - {type: dense, name: logits, hyperparameters: {num_units: 10}}
//	      - {type: softmax, name: probabilities}
package nodespec

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Spec is the declarative description of a node and, recursively, its children.
type Spec struct {
	Type            string    `yaml:"type" validate:"required"`
	Name            string    `yaml:"name" validate:"required,nodename"`
	Hyperparameters treeano.H `yaml:"hyperparameters,omitempty"`
	Children        []*Spec   `yaml:"children,omitempty" validate:"dive,required"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nodename", validateNodeName)
}

// validateNodeName rejects the separators used in variable names ("<node>:<key>") and scoped
// hyperparameter keys ("<node>/<name>").
func validateNodeName(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), ":/")
}

// Validate checks the required fields of the spec and all its descendants.
func (s *Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrapf(err, "invalid node spec %q", s.Name)
	}
	return nil
}

// Decode a YAML document into a validated Spec.
func Decode(data []byte) (*Spec, error) {
	spec := &Spec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, errors.Wrap(err, "decoding node spec")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Encode the spec as a YAML document.
func (s *Spec) Encode() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding node spec %q", s.Name)
	}
	return data, nil
}

// Node creates the node tree described by the spec, with the node types of the registry. Unknown types
// return a *treeano.ConstructionError.
func (s *Spec) Node(registry *treeano.Registry) (treeano.Node, error) {
	children := make([]treeano.Node, len(s.Children))
	for ii, childSpec := range s.Children {
		child, err := childSpec.Node(registry)
		if err != nil {
			return nil, err
		}
		children[ii] = child
	}
	return registry.New(s.Type, s.Name, s.Hyperparameters, children)
}

// Parse decodes the YAML document and creates the node tree it describes.
func Parse(data []byte, registry *treeano.Registry) (treeano.Node, error) {
	spec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return spec.Node(registry)
}

// ParseFile is like Parse, but it reads the document from a file.
func ParseFile(path string, registry *treeano.Registry) (treeano.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading node spec from %q", path)
	}
	node, err := Parse(data, registry)
	if err != nil {
		return nil, errors.WithMessagef(err, "node spec file %q", path)
	}
	return node, nil
}
