// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRulesDiffReaffirmsDroppedRules(t *testing.T) {
	// A register whose rule disappears between rows must be re-affirmed
	// as holding its own value, whatever the architecture calls it.
	prev := map[string]string{
		".cfa": "sp 32 +",
		".ra":  ".cfa -8 + ^",
		"x19":  ".cfa -16 + ^",
		"x29":  ".cfa -32 + ^",
	}
	cur := map[string]string{
		".cfa": "sp 0 +",
		".ra":  ".cfa -8 + ^",
		"x29":  ".cfa -32 + ^",
	}
	diff := ruleSet(rulesDiff(prev, cur))
	assert.Equal(t, map[string]string{
		".cfa": "sp 0 +",
		"x19":  "x19",
	}, diff)

	// Same for $-prefixed names.
	diff = ruleSet(rulesDiff(
		map[string]string{".cfa": "$rsp 16 +", ".ra": ".cfa -8 + ^", "$rbx": ".cfa -16 + ^"},
		map[string]string{".cfa": "$rsp 8 +", ".ra": ".cfa -8 + ^"},
	))
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 8 +",
		"$rbx": "$rbx",
	}, diff)

	// .cfa and .ra are never re-affirmed; a state without them was
	// already unrepresentable.
	diff = ruleSet(rulesDiff(
		map[string]string{".cfa": "sp 0 +", ".ra": "lr"},
		map[string]string{},
	))
	assert.Empty(t, diff)
}
