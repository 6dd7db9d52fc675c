// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"encoding"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ScopedKey returns the override key that sets the hyperparameter name only for the node nodeName and its
// descendants, e.g. "dense1/num_units".
func ScopedKey(nodeName, name string) string { return nodeName + "/" + name }

// lookupOverride searches an override scope for the hyperparameter name, as seen by the node: keys scoped
// to the node or its ancestors (innermost first) take precedence over unscoped keys.
func (net *Network) lookupOverride(scope H, node Node, name string) (any, bool) {
	for _, ancestor := range net.scopeChain(node) {
		if value, found := scope[ScopedKey(ancestor.Name(), name)]; found {
			return value, true
		}
	}
	value, found := scope[name]
	return value, found
}

// lookupNode searches the node's own hyperparameters, first the stored ones, then its
// HyperparameterGetter capability.
func (net *Network) lookupNode(node Node, name string) (any, bool) {
	if value, found := node.Hyperparameters()[name]; found {
		return value, true
	}
	if getter, ok := node.(HyperparameterGetter); ok {
		return getter.GetHyperparameter(net, name)
	}
	return nil, false
}

// findAlias searches the hyperparameter name: first in the network-level override scopes (most recent
// first), then in the node itself and its ancestors (innermost first).
func (net *Network) findAlias(node Node, name string) (any, bool) {
	for ii := len(net.overrides) - 1; ii >= 0; ii-- {
		if value, found := net.lookupOverride(net.overrides[ii], node, name); found {
			return value, true
		}
	}
	for _, scope := range net.scopeChain(node) {
		if value, found := net.lookupNode(scope, name); found {
			return value, true
		}
	}
	return nil, false
}

// FindHyperparameter resolves a hyperparameter for the node, given its aliases in order of preference.
//
// For each alias in order, it searches the network-level overrides (most recent first), then the node's own
// hyperparameters, then its ancestors' (innermost first). The first alias found anywhere wins: a node's own
// value for "conv_stride" takes precedence over an override of "stride", even though overrides are
// otherwise searched first.
//
// If no alias is found, it returns defaultValue if given, or it panics with a *ResolutionError.
// Use it from within node methods called during Build, which converts the panic into an error.
func (net *Network) FindHyperparameter(node Node, aliases []string, defaultValue ...any) any {
	for _, alias := range aliases {
		if value, found := net.findAlias(node, alias); found {
			return value
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	panic(errors.WithStack(&ResolutionError{Node: node.Name(), Aliases: slices.Clone(aliases)}))
}

// LookupHyperparameter is like FindHyperparameter, but it returns whether the hyperparameter was found,
// instead of using a default.
func (net *Network) LookupHyperparameter(node Node, aliases ...string) (any, bool) {
	for _, alias := range aliases {
		if value, found := net.findAlias(node, alias); found {
			return value, true
		}
	}
	return nil, false
}

// FindHyperparameters returns all values for the hyperparameter aliases, in resolution order:
// for each alias, the overrides first (most recent first), then the node and its ancestors.
// It's used for hyperparameters that concatenate, like "inits".
func (net *Network) FindHyperparameters(node Node, aliases ...string) []any {
	var values []any
	for _, alias := range aliases {
		for ii := len(net.overrides) - 1; ii >= 0; ii-- {
			if value, found := net.lookupOverride(net.overrides[ii], node, alias); found {
				values = append(values, value)
			}
		}
		for _, scope := range net.scopeChain(node) {
			if value, found := net.lookupNode(scope, alias); found {
				values = append(values, value)
			}
		}
	}
	return values
}

// FindHyperparameterOr resolves the hyperparameter (see Network.FindHyperparameter) and converts it to T,
// or returns defaultValue if it is not found or set to nil.
//
// If the value is not a T, it tries to convert it (so an int is transparently converted to a float64),
// and it panics if that fails.
func FindHyperparameterOr[T any](net *Network, node Node, defaultValue T, aliases ...string) T {
	valueAny, found := net.LookupHyperparameter(node, aliases...)
	if !found || valueAny == nil {
		return defaultValue
	}
	return convertHyperparameter[T](node, aliases, valueAny)
}

// MustFindHyperparameter resolves the hyperparameter (see Network.FindHyperparameter) and converts it
// to T. It panics with a *ResolutionError if not found.
func MustFindHyperparameter[T any](net *Network, node Node, aliases ...string) T {
	return convertHyperparameter[T](node, aliases, net.FindHyperparameter(node, aliases))
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

func convertHyperparameter[T any](node Node, aliases []string, valueAny any) T {
	if value, ok := valueAny.(T); ok {
		return value
	}
	typeOfT := reflect.TypeOf((*T)(nil)).Elem()
	converted, err := convertValue(reflect.ValueOf(valueAny), typeOfT)
	if err != nil {
		exceptions.Panicf("node %q: hyperparameter %s=(%T) %#v cannot be converted to %s: %v",
			node.Name(), strings.Join(aliases, "/"), valueAny, valueAny, typeOfT, err)
	}
	return converted.Interface().(T)
}

// convertValue converts v to the given type, including element-wise conversion of slices, which
// is needed for values decoded from YAML or JSON ([]any).
func convertValue(v reflect.Value, toType reflect.Type) (reflect.Value, error) {
	if !v.IsValid() {
		return reflect.Zero(toType), nil
	}
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	ptr := reflect.New(toType)
	if ptr.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := ptr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			return reflect.Value{}, err
		}
		return ptr.Elem(), nil
	}
	if toType.Kind() == reflect.Slice && v.Kind() == reflect.Slice && !v.Type().AssignableTo(toType) {
		result := reflect.MakeSlice(toType, v.Len(), v.Len())
		for ii := range v.Len() {
			elem, err := convertValue(v.Index(ii), toType.Elem())
			if err != nil {
				return reflect.Value{}, errors.WithMessagef(err, "element #%d", ii)
			}
			result.Index(ii).Set(elem)
		}
		return result, nil
	}
	if toType.Kind() == reflect.String && v.Kind() != reflect.String {
		// reflect converts integers to strings as runes.
		return reflect.Value{}, errors.Errorf("can't convert %s to string", v.Type())
	}
	if !v.CanConvert(toType) {
		return reflect.Value{}, errors.Errorf("can't convert %s to %s", v.Type(), toType)
	}
	return v.Convert(toType), nil
}

// FormatOverrides returns a canonical representation of overrides, used to identify derived networks.
func FormatOverrides(overrides H) string {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for ii, key := range keys {
		parts[ii] = fmt.Sprintf("%s=%#v", key, overrides[key])
	}
	return strings.Join(parts, ";")
}
