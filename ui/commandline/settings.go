// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/pkg/errors"
)

// ParseSettings parses hyperparameter overrides from settings, typically the value of a flag set by the
// user. The settings are a list of "name=value" separated by ";", e.g.:
//
//	"dropout_probability=0;dense/num_units=10;inits=[\"glorot_normal\"]"
//
// A name can be scoped to a node, as "<node>/<name>" (see treeano.ScopedKey).
//
// Values are parsed as JSON when possible: numbers (with "_" allowed as a digits separator, as in Go),
// booleans, lists and objects. Integral numbers become int. Comma separated lists ("1,3,7") become []any,
// with each element parsed the same way. Anything else is taken as a string.
//
// An entry "file:<path>" reads settings from the file, one or more per line (separated by ";"). Empty lines
// and lines starting with "#" are ignored.
//
// Later settings of the same name win.
func ParseSettings(settings string) (treeano.H, error) {
	overrides := make(treeano.H)
	if err := parseSettings(overrides, settings); err != nil {
		return nil, err
	}
	return overrides, nil
}

func parseSettings(overrides treeano.H, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		if filePath, found := strings.CutPrefix(setting, "file:"); found {
			if err := parseSettingsFile(overrides, filePath); err != nil {
				return err
			}
			continue
		}
		name, valueStr, found := strings.Cut(setting, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return errors.Errorf("can't parse setting %q: each setting requires the format \"<name>=<value>\"", setting)
		}
		if strings.Count(name, "/") > 1 || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
			return errors.Errorf("can't parse setting %q: name should be \"<name>\" or \"<node>/<name>\"", setting)
		}
		overrides[name] = parseValue(strings.TrimSpace(valueStr))
	}
	return nil
}

func parseSettingsFile(overrides treeano.H, filePath string) error {
	if rest, found := strings.CutPrefix(filePath, "~/"); found {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrapf(err, "failed to find home directory for settings file %q", filePath)
		}
		filePath = filepath.Join(home, rest)
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parseSettings(overrides, line); err != nil {
			return errors.WithMessagef(err, "settings file %q", filePath)
		}
	}
	return nil
}

// parseValue parses a JSON value, or a comma separated list of them, falling back to the string itself.
func parseValue(valueStr string) any {
	if value, ok := parseJSON(valueStr); ok {
		return value
	}
	if strings.Contains(valueStr, ",") {
		parts := strings.Split(valueStr, ",")
		values := make([]any, len(parts))
		for ii, part := range parts {
			part = strings.TrimSpace(part)
			if value, ok := parseJSON(part); ok {
				values[ii] = value
			} else {
				values[ii] = part
			}
		}
		return values
	}
	return valueStr
}

func parseJSON(valueStr string) (any, bool) {
	if valueStr == "" {
		return nil, false
	}
	if first := valueStr[0]; first == '-' || (first >= '0' && first <= '9') {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		return nil, false
	}
	return normalizeJSON(value), true
}

// normalizeJSON converts integral float64 values to int, recursively.
func normalizeJSON(value any) any {
	switch v := value.(type) {
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case []any:
		for ii, elem := range v {
			v[ii] = normalizeJSON(elem)
		}
	case map[string]any:
		for key, elem := range v {
			v[key] = normalizeJSON(elem)
		}
	}
	return value
}

// SprintSettings pretty-prints the overrides, one per line, sorted by name.
func SprintSettings(overrides treeano.H) string {
	parts := make([]string, 0, len(overrides))
	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		value := overrides[name]
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}
