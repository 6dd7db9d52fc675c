// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano_test

import (
	"testing"

	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/jagill/treeano/pkg/ml/treeano/nodes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getterNode provides hyperparameters through the HyperparameterGetter capability.
type getterNode struct {
	treeano.NodeImpl
	child treeano.Node
}

func (n *getterNode) HyperparameterNames() []string { return nil }

func (n *getterNode) ArchitectureChildren() []treeano.Node { return []treeano.Node{n.child} }

func (n *getterNode) GetHyperparameter(_ *treeano.Network, name string) (any, bool) {
	if name == "computed" {
		return "from getter", true
	}
	return nil, false
}

// resolveWith builds a tree where probeHP are the hyperparameters of the probe node, nested in two
// Hyperparameter nodes "outer" and "inner", and returns what find resolves for the probe.
func resolveWith(t *testing.T, outer, inner, probeHP treeano.H, overrides []treeano.H,
	find func(net *treeano.Network, node treeano.Node) any) (any, error) {
	var result any
	probe := &probeNode{NodeImpl: treeano.NewNodeImpl("probe", probeHP), compute: func(net *treeano.Network, node treeano.Node) {
		result = find(net, node)
	}}
	root := nodes.Hyperparameter("outer", outer, nodes.Hyperparameter("inner", inner, probe))
	_, err := treeano.Build(root, treeano.WithOverrides(overrides...))
	return result, err
}

func findAliases(aliases ...string) func(net *treeano.Network, node treeano.Node) any {
	return func(net *treeano.Network, node treeano.Node) any {
		return net.FindHyperparameter(node, aliases, "default")
	}
}

func TestFindHyperparameterPrecedence(t *testing.T) {
	testCases := []struct {
		name                  string
		outer, inner, probeHP treeano.H
		overrides             []treeano.H
		aliases               []string
		want                  any
	}{
		{"default", nil, nil, nil, nil, []string{"a"}, "default"},
		{"own", nil, nil, treeano.H{"a": 1}, nil, []string{"a"}, 1},
		{"ancestor", treeano.H{"a": 1}, nil, nil, nil, []string{"a"}, 1},
		{"innermost ancestor", treeano.H{"a": 1}, treeano.H{"a": 2}, nil, nil, []string{"a"}, 2},
		{"own before ancestors", treeano.H{"a": 1}, treeano.H{"a": 2}, treeano.H{"a": 3}, nil, []string{"a"}, 3},
		{"override before own", nil, nil, treeano.H{"a": 3}, []treeano.H{{"a": 4}}, []string{"a"}, 4},
		{"latest override", nil, nil, nil, []treeano.H{{"a": 4}, {"a": 5}}, []string{"a"}, 5},
		{"earlier override when the latest misses", nil, nil, nil, []treeano.H{{"a": 4}, {"b": 5}}, []string{"a"}, 4},
		{"scoped override", nil, nil, nil,
			[]treeano.H{{"a": 4, treeano.ScopedKey("inner", "a"): 6}}, []string{"a"}, 6},
		{"innermost scoped override", nil, nil, nil,
			[]treeano.H{{treeano.ScopedKey("outer", "a"): 6, treeano.ScopedKey("probe", "a"): 7}}, []string{"a"}, 7},
		{"override scoped elsewhere", nil, nil, treeano.H{"a": 1},
			[]treeano.H{{treeano.ScopedKey("other", "a"): 6}}, []string{"a"}, 1},
		{"own specific alias before ancestor's generic", treeano.H{"generic": 1}, nil, treeano.H{"specific": 2}, nil,
			[]string{"specific", "generic"}, 2},
		{"ancestor's specific alias before own generic", treeano.H{"specific": 1}, nil, treeano.H{"generic": 2}, nil,
			[]string{"specific", "generic"}, 1},
		{"own specific alias before overridden generic", nil, nil, treeano.H{"specific": 2},
			[]treeano.H{{"generic": 3}}, []string{"specific", "generic"}, 2},
		{"generic alias", nil, treeano.H{"generic": 1}, nil, nil, []string{"specific", "generic"}, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveWith(t, tc.outer, tc.inner, tc.probeHP, tc.overrides, findAliases(tc.aliases...))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHyperparameterGetter(t *testing.T) {
	var got any
	probe := &probeNode{NodeImpl: treeano.NewNodeImpl("probe", nil), compute: func(net *treeano.Network, node treeano.Node) {
		got = net.FindHyperparameter(node, []string{"computed"})
	}}
	_, err := treeano.Build(&getterNode{NodeImpl: treeano.NewNodeImpl("getter", nil), child: probe})
	require.NoError(t, err)
	assert.Equal(t, "from getter", got)

	// Stored values of a closer node take precedence.
	_, err = treeano.Build(&getterNode{NodeImpl: treeano.NewNodeImpl("getter", nil),
		child: nodes.Hyperparameter("hp", treeano.H{"computed": "stored"}, probe)})
	require.NoError(t, err)
	assert.Equal(t, "stored", got)
}

func TestMissingHyperparameter(t *testing.T) {
	_, err := resolveWith(t, treeano.H{"b": 1}, nil, nil, nil, func(net *treeano.Network, node treeano.Node) any {
		return net.FindHyperparameter(node, []string{"a", "aa"})
	})
	require.Error(t, err)
	var resolutionErr *treeano.ResolutionError
	require.True(t, errors.As(err, &resolutionErr))
	assert.Equal(t, "probe", resolutionErr.Node)
	assert.Equal(t, []string{"a", "aa"}, resolutionErr.Aliases)

	got, err := resolveWith(t, nil, nil, nil, nil, func(net *treeano.Network, node treeano.Node) any {
		_, found := net.LookupHyperparameter(node, "a")
		return found
	})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestFindHyperparameters(t *testing.T) {
	got, err := resolveWith(t, treeano.H{"inits": "outer"}, treeano.H{"inits": "inner"}, nil,
		[]treeano.H{{"inits": "override"}}, func(net *treeano.Network, node treeano.Node) any {
			return net.FindHyperparameters(node, "inits")
		})
	require.NoError(t, err)
	assert.Equal(t, []any{"override", "inner", "outer"}, got)
}

func TestFindHyperparameterOr(t *testing.T) {
	hp := treeano.H{
		"int":     3,
		"float":   0.5,
		"nil":     nil,
		"slice":   []any{1, 2.0, int64(3)},
		"name":    "relu",
		"enabled": true,
	}
	got, err := resolveWith(t, hp, nil, nil, nil, func(net *treeano.Network, node treeano.Node) any {
		return []any{
			treeano.FindHyperparameterOr(net, node, 0.0, "int"),
			treeano.FindHyperparameterOr(net, node, 0, "float"),
			treeano.FindHyperparameterOr(net, node, 7, "nil"),
			treeano.FindHyperparameterOr(net, node, 7, "missing"),
			treeano.FindHyperparameterOr[[]int](net, node, nil, "slice"),
			treeano.MustFindHyperparameter[string](net, node, "name"),
			treeano.FindHyperparameterOr(net, node, false, "enabled"),
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []any{3.0, 0, 7, 7, []int{1, 2, 3}, "relu", true}, got)

	// Numbers are not converted to strings.
	_, err = resolveWith(t, treeano.H{"name": 65}, nil, nil, nil, func(net *treeano.Network, node treeano.Node) any {
		return treeano.MustFindHyperparameter[string](net, node, "name")
	})
	require.ErrorContains(t, err, "cannot be converted")
}

func TestFormatOverrides(t *testing.T) {
	assert.Equal(t, "", treeano.FormatOverrides(nil))
	assert.Equal(t, `a="x";b=2;dense/c=true`,
		treeano.FormatOverrides(treeano.H{"b": 2, "dense/c": true, "a": "x"}))
	assert.Equal(t, "dense/num_units", treeano.ScopedKey("dense", "num_units"))
}
