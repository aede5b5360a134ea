// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebugID = "0DEE547DA1F822AFB2E5B0F1B9F1D8E90"

func TestMergeMismatch(t *testing.T) {
	a := NewModule("Linux", "x86_64")
	a.DebugID = testDebugID
	b := NewModule("Linux", "x86_64")
	b.DebugID = "00000000000000000000000000000000A"
	_, err := Merge(a, b)
	assert.Error(t, err)
}

func TestMergeStrippedWithDebug(t *testing.T) {
	stripped := NewModule("Linux", "x86_64")
	stripped.DebugID = testDebugID
	stripped.DebugFile = "libfoo.so.1"
	stripped.CodeID = "aabbccdd"
	stripped.Stripped = true
	stripped.AddPublics([]Public{
		{Addr: 0x1000, Name: "exported"},
		{Addr: 0x3000, Name: "only_in_stripped"},
	})

	debug := NewModule("Linux", "x86_64")
	debug.DebugID = testDebugID
	debug.DebugFile = "libfoo.so"
	f := debug.FileID("/src/foo.c")
	debug.AddFunction(Function{
		Range: Range{0x1000, 0x40},
		Name:  "exported",
		Lines: []Line{{Addr: 0x1000, Size: 0x40, Line: 3, File: f}},
	})
	debug.AddCFI(CFIEntry{Init: CFIRecord{Addr: 0x1000, Size: 0x40,
		Rules: []CFIRule{{Reg: ".cfa", Expr: "$rsp 8 +"}}}})

	// Argument order must not matter.
	m, err := Merge(stripped, debug)
	require.NoError(t, err)
	m.Finalize()

	assert.Equal(t, "libfoo.so", m.DebugFile)
	assert.Equal(t, "aabbccdd", m.CodeID)
	assert.False(t, m.Stripped)
	require.Len(t, m.Funcs, 1)
	assert.Equal(t, "exported", m.Funcs[0].Name)
	assert.Len(t, m.Funcs[0].Lines, 1)
	// The public at the function address folded into the function,
	// the other one survived.
	require.Len(t, m.Publics, 1)
	assert.Equal(t, "only_in_stripped", m.Publics[0].Name)
	assert.Len(t, m.CFI, 1)
}

func TestMergeRemapsTables(t *testing.T) {
	a := NewModule("Linux", "x86_64")
	a.DebugID = testDebugID
	fa := a.FileID("/src/a.c")
	oa := a.OriginID("inl_a")
	a.AddFunction(Function{
		Range:   Range{0x1000, 0x10},
		Name:    "fa",
		Lines:   []Line{{Addr: 0x1000, Size: 0x10, Line: 1, File: fa}},
		Inlines: []InlineSite{{Origin: oa, CallFile: fa, CallLine: 1, Ranges: []Range{{0x1004, 4}}}},
	})

	b := NewModule("Linux", "x86_64")
	b.DebugID = testDebugID
	fb := b.FileID("/src/b.c")
	ob := b.OriginID("inl_b")
	b.AddFunction(Function{
		Range:   Range{0x2000, 0x10},
		Name:    "fb",
		Lines:   []Line{{Addr: 0x2000, Size: 0x10, Line: 2, File: fb}},
		Inlines: []InlineSite{{Origin: ob, CallFile: fb, CallLine: 2, Ranges: []Range{{0x2004, 4}}}},
	})
	// Tie on functions: left side wins, b's tables get remapped.
	m, err := Merge(a, b)
	require.NoError(t, err)
	m.Finalize()

	assert.Equal(t, []string{"/src/a.c", "/src/b.c"}, m.Files())
	assert.Equal(t, []string{"inl_a", "inl_b"}, m.Origins())
	require.Len(t, m.Funcs, 2)
	fnb := m.Funcs[1]
	assert.Equal(t, FileID(1), fnb.Lines[0].File)
	assert.Equal(t, OriginID(1), fnb.Inlines[0].Origin)
	assert.Equal(t, FileID(1), fnb.Inlines[0].CallFile)
}

func TestMergeDuplicateCFI(t *testing.T) {
	a := NewModule("Linux", "x86_64")
	a.DebugID = testDebugID
	b := NewModule("Linux", "x86_64")
	b.DebugID = testDebugID
	rules := []CFIRule{{Reg: ".cfa", Expr: "$rsp 8 +"}}
	a.AddCFI(CFIEntry{Init: CFIRecord{Addr: 0x1000, Size: 0x10, Rules: rules}})
	b.AddCFI(CFIEntry{Init: CFIRecord{Addr: 0x1000, Size: 0x10, Rules: rules}})
	b.AddCFI(CFIEntry{Init: CFIRecord{Addr: 0x2000, Size: 0x10, Rules: rules}})

	m, err := Merge(a, b)
	require.NoError(t, err)
	m.Finalize()
	require.Len(t, m.CFI, 2)
	assert.Equal(t, uint64(0x1000), m.CFI[0].Init.Addr)
	assert.Equal(t, uint64(0x2000), m.CFI[1].Init.Addr)
}
