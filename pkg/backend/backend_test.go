// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakpad-tools/dumpsyms/pkg/pdb"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

func TestBreakpadID(t *testing.T) {
	id := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
	assert.Equal(t, "0403020106050807090A0B0C0D0E0F100", breakpadID(id))
	// Short ids are zero-padded to 16 bytes.
	assert.Equal(t, "04030201000000000000000000000000"+"0",
		breakpadID([]byte{0x01, 0x02, 0x03, 0x04}))
}

func TestWindowsDebugID(t *testing.T) {
	guid := uuid.MustParse("11223344-5566-7788-99aa-bbccddeeff01")
	assert.Equal(t, "112233445566778899AABBCCDDEEFF012", windowsDebugID(guid, 2))
	assert.Equal(t, "112233445566778899AABBCCDDEEFF01a", windowsDebugID(guid, 10))
}

func TestArchNames(t *testing.T) {
	assert.Equal(t, "x86_64", elfArch(elf.EM_X86_64))
	assert.Equal(t, "arm64", elfArch(elf.EM_AARCH64))
	assert.Equal(t, "riscv64", elfArch(elf.EM_RISCV))
	assert.Equal(t, "x86_64", machoArch(macho.CpuAmd64))
	assert.Equal(t, "arm64", machoArch(macho.CpuArm64))
	assert.Equal(t, "x86", peArch(pe.IMAGE_FILE_MACHINE_I386))
	assert.Equal(t, "arm64", peArch(pe.IMAGE_FILE_MACHINE_ARM64))
	assert.Equal(t, "x86_64", pdbArch(pdb.MachineAMD64))
	assert.Equal(t, "x86", pdbArch(pdb.MachineI386))
}

func TestIsMachOMagic(t *testing.T) {
	for _, magic := range [][]byte{
		{0xca, 0xfe, 0xba, 0xbe},
		{0xcf, 0xfa, 0xed, 0xfe},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xfe, 0xed, 0xfa, 0xce},
	} {
		assert.True(t, isMachOMagic(magic), "%x", magic)
	}
	assert.False(t, isMachOMagic([]byte{0x7f, 'E', 'L', 'F'}))
	assert.False(t, isMachOMagic([]byte{'M', 'Z', 0x90, 0x00}))
}

func TestMachoSymbolName(t *testing.T) {
	assert.Equal(t, "main", machoSymbolName("_main"))
	assert.Equal(t, "already", machoSymbolName("already"))
	assert.Equal(t, "ns::fn()", machoSymbolName("__ZN2ns2fnEv"))
}

func TestWinPublicName(t *testing.T) {
	tests := []struct {
		raw    string
		name   string
		params int
	}{
		{"_cdecl_fn", "cdecl_fn", 0},
		{"_stdcall_fn@12", "stdcall_fn", 12},
		{"@fastcall_fn@12", "fastcall_fn", 4},
		{"plain", "plain", 0},
		{"_ZN2ns2fnEv", "ns::fn()", 0},
		{"??0Foo@@QAE@XZ", "??0Foo@@QAE@XZ", 0},
	}
	for _, test := range tests {
		name, params := winPublicName(test.raw)
		assert.Equal(t, test.name, name, test.raw)
		assert.Equal(t, test.params, params, test.raw)
	}
}

func TestSkipPublic(t *testing.T) {
	assert.True(t, skipPublic("??_C@_0BA@string_literal@"))
	assert.True(t, skipPublic("__real@3ff0000000000000"))
	assert.False(t, skipPublic("main"))
	assert.False(t, skipPublic("?func@@YAXXZ"))
}

func TestLineBefore(t *testing.T) {
	lines := []pdb.LineRecord{
		{RVA: 0x100, Line: 1, File: "a.c"},
		{RVA: 0x110, Line: 2, File: "a.c"},
		{RVA: 0x120, Line: 3, File: "a.c"},
	}
	rec, ok := lineBefore(lines, 0x118)
	require.True(t, ok)
	assert.Equal(t, uint32(2), rec.Line)
	rec, ok = lineBefore(lines, 0x110)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.Line)
	rec, ok = lineBefore(lines, 0x100)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.Line)
	_, ok = lineBefore(nil, 0x100)
	assert.False(t, ok)
}

func stabEntry(strx uint32, typ uint8, desc uint16, value uint32) []byte {
	buf := make([]byte, stabEntrySize)
	binary.LittleEndian.PutUint32(buf, strx)
	buf[4] = typ
	binary.LittleEndian.PutUint16(buf[6:], desc)
	binary.LittleEndian.PutUint32(buf[8:], value)
	return buf
}

func TestParseStabs(t *testing.T) {
	stabstr := []byte("\x00main.c\x00main:F(0,1)\x00sub:f(0,1)\x00")
	var stab []byte
	for _, e := range [][]byte{
		stabEntry(1, stabSO, 0, 0x1000),   // main.c
		stabEntry(8, stabFun, 0, 0x1100),  // main
		stabEntry(0, stabLine, 10, 0x0),   // line 10 at +0
		stabEntry(0, stabLine, 11, 0x4),   // line 11 at +4
		stabEntry(0, stabFun, 0, 0x20),    // terminator: size 0x20
		stabEntry(20, stabFun, 0, 0x1200), // sub
		stabEntry(0, stabLine, 30, 0x0),
		stabEntry(0, stabSO, 0, 0x1280), // end of unit closes sub
	} {
		stab = append(stab, e...)
	}
	mod := symfile.NewModule("Linux", "x86_64")
	require.NoError(t, parseStabs(stab, stabstr, 0x1000, mod))
	require.Len(t, mod.Funcs, 2)

	main := mod.Funcs[0]
	assert.Equal(t, "main", main.Name)
	assert.Equal(t, symfile.Range{Base: 0x100, Size: 0x20}, main.Range)
	require.Len(t, main.Lines, 2)
	wantLines := []symfile.Line{
		{Addr: 0x100, Line: 10, File: main.Lines[0].File},
		{Addr: 0x104, Line: 11, File: main.Lines[0].File},
	}
	if diff := cmp.Diff(wantLines, main.Lines); diff != "" {
		t.Errorf("main lines mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "main.c", mod.FilePath(main.Lines[0].File))

	sub := mod.Funcs[1]
	assert.Equal(t, "sub", sub.Name)
	assert.Equal(t, symfile.Range{Base: 0x200, Size: 0x80}, sub.Range)
	require.Len(t, sub.Lines, 1)
	assert.Equal(t, 30, sub.Lines[0].Line)
}

func TestParseStabsBadSize(t *testing.T) {
	mod := symfile.NewModule("Linux", "x86")
	assert.Error(t, parseStabs(make([]byte, 13), nil, 0, mod))
}
