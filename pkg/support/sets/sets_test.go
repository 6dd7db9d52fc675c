// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	assert.Len(t, s, 0)

	s.Insert("weight", "parameter")
	assert.True(t, s.HasAll("weight", "parameter"))
	assert.True(t, s.HasAll())
	assert.False(t, s.HasAll("weight", "bias"))
	assert.False(t, s.Has("bias"))
	assert.Equal(t, []string{"parameter", "weight"}, Sorted(s))

	tags := MakeWith("bias", "parameter", "bias")
	assert.Len(t, tags, 2)
	assert.ElementsMatch(t, []string{"bias", "parameter"}, tags.Keys())
}
