// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nodes is a library of treeano nodes: structural nodes (Input, Sequential, Hyperparameter, ...),
// layers (Dense, Conv1D, activations, Dropout), costs and optimizers.
//
// All constructors take the node name and its stored hyperparameters, plus children for the nodes that
// have them. Use Registry to create nodes by type name, e.g. from declarative specs.
//
// Example of a small regression model trained with Adam:
//
//	model := nodes.Sequential("model",
//		nodes.Input("x", treeano.H{"shape": []int{-1, 3}}),
//		nodes.Dense("hidden", treeano.H{"num_units": 8}),
//		nodes.ReLU("relu"),
//		nodes.Dense("out", treeano.H{"num_units": 1}))
//	cost := nodes.TotalCost("cost", nil,
//		nodes.Reference("pred", treeano.H{"reference": "model"}),
//		nodes.Input("y", treeano.H{"shape": []int{-1, 1}}))
//	root := nodes.Hyperparameter("hp", treeano.H{"inits": []treeano.Initializer{inits.GlorotUniform()}},
//		nodes.Adam("adam", treeano.H{"learning_rate": 0.01}, model, cost))
package nodes

import (
	"fmt"

	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/jagill/treeano/pkg/ml/treeano/inits"
	"github.com/pkg/errors"
)

// Registry returns a new registry with all node types of this package, by their type name.
//
// It returns a fresh registry that can be extended by the caller with custom node types.
func Registry() *treeano.Registry {
	r := treeano.NewRegistry()
	leaf := func(fn func(name string, hyperparameters treeano.H) treeano.Node) treeano.Constructor {
		return func(name string, hyperparameters treeano.H, children []treeano.Node) (treeano.Node, error) {
			if len(children) > 0 {
				return nil, errors.Errorf("node %q doesn't take children, got %d", name, len(children))
			}
			return fn(name, hyperparameters), nil
		}
	}
	exactly := func(n int, fn func(name string, hyperparameters treeano.H, children []treeano.Node) treeano.Node) treeano.Constructor {
		return func(name string, hyperparameters treeano.H, children []treeano.Node) (treeano.Node, error) {
			if len(children) != n {
				return nil, errors.Errorf("node %q takes exactly %d children, got %d", name, n, len(children))
			}
			return fn(name, hyperparameters, children), nil
		}
	}
	r.MustRegister("input", leaf(func(name string, h treeano.H) treeano.Node { return Input(name, h) })).
		MustRegister("identity", leaf(func(name string, h treeano.H) treeano.Node { return Identity(name, h) })).
		MustRegister("reference", leaf(func(name string, h treeano.H) treeano.Node { return Reference(name, h) })).
		MustRegister("constant", leaf(func(name string, h treeano.H) treeano.Node { return Constant(name, h) })).
		MustRegister("sequential", func(name string, h treeano.H, children []treeano.Node) (treeano.Node, error) {
			if len(h) > 0 {
				return nil, errors.Errorf("sequential node %q takes no hyperparameters, wrap it in a hyperparameter node", name)
			}
			return Sequential(name, children...), nil
		}).
		MustRegister("container", func(name string, h treeano.H, children []treeano.Node) (treeano.Node, error) {
			if len(h) > 0 {
				return nil, errors.Errorf("container node %q takes no hyperparameters, wrap it in a hyperparameter node", name)
			}
			return Container(name, children...), nil
		}).
		MustRegister("hyperparameter", exactly(1, func(name string, h treeano.H, children []treeano.Node) treeano.Node {
			return Hyperparameter(name, h, children[0])
		})).
		MustRegister("dense", leaf(func(name string, h treeano.H) treeano.Node { return Dense(name, h) })).
		MustRegister("linear_mapping", leaf(func(name string, h treeano.H) treeano.Node { return LinearMapping(name, h) })).
		MustRegister("add_bias", leaf(func(name string, h treeano.H) treeano.Node { return AddBias(name, h) })).
		MustRegister("relu", leaf(func(name string, _ treeano.H) treeano.Node { return ReLU(name) })).
		MustRegister("sigmoid", leaf(func(name string, _ treeano.H) treeano.Node { return Sigmoid(name) })).
		MustRegister("tanh", leaf(func(name string, _ treeano.H) treeano.Node { return Tanh(name) })).
		MustRegister("softmax", leaf(func(name string, _ treeano.H) treeano.Node { return Softmax(name) })).
		MustRegister("dropout", leaf(func(name string, h treeano.H) treeano.Node { return Dropout(name, h) })).
		MustRegister("conv_1d", leaf(func(name string, h treeano.H) treeano.Node { return Conv1D(name, h) })).
		MustRegister("total_cost", exactly(2, func(name string, h treeano.H, children []treeano.Node) treeano.Node {
			return TotalCost(name, h, children[0], children[1])
		})).
		MustRegister("sgd", exactly(2, func(name string, h treeano.H, children []treeano.Node) treeano.Node {
			return SGD(name, h, children[0], children[1])
		})).
		MustRegister("adam", exactly(2, func(name string, h treeano.H, children []treeano.Node) treeano.Node {
			return Adam(name, h, children[0], children[1])
		}))
	return r
}

// resolveInits returns the initializers for the node's variables: all values of the "inits"
// hyperparameter, innermost first. Values can be a treeano.Initializer, a list of them, or initializer
// descriptions parsed with inits.Parse.
func resolveInits(net *treeano.Network, node treeano.Node) []treeano.Initializer {
	var result []treeano.Initializer
	var add func(value any)
	add = func(value any) {
		switch v := value.(type) {
		case nil:
		case treeano.Initializer:
			result = append(result, v)
		case []treeano.Initializer:
			result = append(result, v...)
		case string:
			init, err := inits.Parse(v)
			if err != nil {
				panic(errors.WithMessagef(err, "node %q: hyperparameter \"inits\"", node.Name()))
			}
			result = append(result, init)
		case []string:
			for _, s := range v {
				add(s)
			}
		case []any:
			for _, elem := range v {
				add(elem)
			}
		default:
			panic(errors.WithStack(&treeano.ConstructionError{Node: node.Name(),
				Reason: fmt.Sprintf("invalid value for hyperparameter \"inits\": (%T) %v", value, value)}))
		}
	}
	for _, value := range net.FindHyperparameters(node, "inits") {
		add(value)
	}
	return result
}
