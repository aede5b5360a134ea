// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

func ruleSet(rules []symfile.CFIRule) map[string]string {
	m := make(map[string]string, len(rules))
	for _, r := range rules {
		m[r.Reg] = r.Expr
	}
	return m
}

// A typical GCC x86_64 CIE: "zR" augmentation, pcrel|sdata4 FDE
// encoding, CFA at rsp+8 with the return address at CFA-8.
var testCIE = []byte{
	0x14, 0x00, 0x00, 0x00, // length
	0x00, 0x00, 0x00, 0x00, // CIE id
	0x01,             // version
	0x7a, 0x52, 0x00, // augmentation "zR"
	0x01,       // code alignment 1
	0x78,       // data alignment -8
	0x10,       // return address register 16 (rip)
	0x01,       // augmentation data length
	0x1b,       // FDE encoding: pcrel | sdata4
	0x0c, 0x07, 0x08, // def_cfa rsp+8
	0x90, 0x01, // offset rip at cfa-8
	0x00, 0x00, // padding
}

func buildEHFrame(t *testing.T, sectionAddr, funcAddr, funcSize uint64, instr []byte) []byte {
	data := append([]byte(nil), testCIE...)
	content := 4 + 4 + 4 + 1 + len(instr) // id + initloc + range + auglen + instr
	pad := (4 - content%4) % 4
	var fde []byte
	fde = binary.LittleEndian.AppendUint32(fde, uint32(content+pad))
	idPos := len(data) + len(fde)
	fde = binary.LittleEndian.AppendUint32(fde, uint32(idPos)) // distance back to CIE at 0
	pcPos := sectionAddr + uint64(len(data)+len(fde))
	require.LessOrEqual(t, pcPos, funcAddr)
	fde = binary.LittleEndian.AppendUint32(fde, uint32(funcAddr-pcPos))
	fde = binary.LittleEndian.AppendUint32(fde, uint32(funcSize))
	fde = append(fde, 0x00) // augmentation data length
	fde = append(fde, instr...)
	fde = append(fde, make([]byte, pad)...)
	return append(data, fde...)
}

func TestParseEHFrame(t *testing.T) {
	// The standard push rbp / mov rbp,rsp prologue.
	instr := []byte{
		0x44,             // advance 4
		0x0e, 0x10,       // def_cfa_offset 16
		0x86, 0x02,       // offset rbp at cfa-16
		0x43,             // advance 3
		0x0d, 0x06,       // def_cfa_register rbp
	}
	data := buildEHFrame(t, 0x10000, 0x11000, 0x20, instr)
	entries, err := ParseEHFrame("x86_64", data, 0x10000, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, uint64(0x11000), e.Init.Addr)
	assert.Equal(t, uint64(0x20), e.Init.Size)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 8 +",
		".ra":  ".cfa -8 + ^",
	}, ruleSet(e.Init.Rules))

	require.Len(t, e.Deltas, 2)
	assert.Equal(t, uint64(0x11004), e.Deltas[0].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 16 +",
		"$rbp": ".cfa -16 + ^",
	}, ruleSet(e.Deltas[0].Rules))
	assert.Equal(t, uint64(0x11007), e.Deltas[1].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rbp 16 +",
	}, ruleSet(e.Deltas[1].Rules))
}

func TestParseEHFrameBias(t *testing.T) {
	data := buildEHFrame(t, 0x10000, 0x11000, 0x20, nil)
	entries, err := ParseEHFrame("x86_64", data, 0x10000, 0x10000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x1000), entries[0].Init.Addr)
	assert.Empty(t, entries[0].Deltas)
}

func TestParseEHFrameRememberRestore(t *testing.T) {
	instr := []byte{
		0x41,       // advance 1
		0x0a,       // remember_state
		0x0e, 0x20, // def_cfa_offset 32
		0x41,       // advance 1
		0x0b,       // restore_state
		0x41,       // advance 1
	}
	data := buildEHFrame(t, 0x10000, 0x11000, 0x20, instr)
	entries, err := ParseEHFrame("x86_64", data, 0x10000, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	require.Len(t, e.Deltas, 2)
	assert.Equal(t, "$rsp 32 +", ruleSet(e.Deltas[0].Rules)[".cfa"])
	assert.Equal(t, "$rsp 8 +", ruleSet(e.Deltas[1].Rules)[".cfa"])
}

func TestParseEHFrameExpressionAborts(t *testing.T) {
	// def_cfa_expression makes the frame unrepresentable: no entry.
	instr := []byte{
		0x0f, 0x01, 0x9c, // def_cfa_expression, 1-byte block
	}
	data := buildEHFrame(t, 0x10000, 0x11000, 0x20, instr)
	entries, err := ParseEHFrame("x86_64", data, 0x10000, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseEHFrameRegisterExpressionDropsRule(t *testing.T) {
	// An expression rule for a callee-saved register only loses that
	// register, not the whole function.
	instr := []byte{
		0x10, 0x03, 0x01, 0x9c, // expression for rbx, 1-byte block
	}
	data := buildEHFrame(t, 0x10000, 0x11000, 0x20, instr)
	entries, err := ParseEHFrame("x86_64", data, 0x10000, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rules := ruleSet(entries[0].Init.Rules)
	assert.NotContains(t, rules, "$rbx")
	assert.Contains(t, rules, ".cfa")
}

func TestParseDebugFrame(t *testing.T) {
	// .debug_frame v4 CIE with raw 8-byte addresses.
	var data []byte
	var c []byte
	c = append(c, 0xff, 0xff, 0xff, 0xff) // CIE marker
	c = append(c, 0x04)                   // version 4
	c = append(c, 0x00)                   // empty augmentation
	c = append(c, 0x08, 0x00)             // address size 8, segment 0
	c = append(c, 0x01)                   // code alignment
	c = append(c, 0x78)                   // data alignment -8
	c = append(c, 0x10)                   // return address register 16
	c = append(c, 0x0c, 0x07, 0x08)       // def_cfa rsp+8
	c = append(c, 0x90, 0x01)             // offset rip at cfa-8
	for len(c)%4 != 0 {
		c = append(c, 0x00)
	}
	data = binary.LittleEndian.AppendUint32(data, uint32(len(c)))
	data = append(data, c...)

	var f []byte
	f = binary.LittleEndian.AppendUint32(f, 0) // CIE offset
	f = binary.LittleEndian.AppendUint64(f, 0x4000)
	f = binary.LittleEndian.AppendUint64(f, 0x80)
	for len(f)%4 != 0 {
		f = append(f, 0x00)
	}
	data = binary.LittleEndian.AppendUint32(data, uint32(len(f)))
	data = append(data, f...)

	entries, err := ParseDebugFrame("x86_64", data, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x4000), entries[0].Init.Addr)
	assert.Equal(t, uint64(0x80), entries[0].Init.Size)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 8 +",
		".ra":  ".cfa -8 + ^",
	}, ruleSet(entries[0].Init.Rules))
}

func TestParseEHFrameUnknownArch(t *testing.T) {
	_, err := ParseEHFrame("sparc", nil, 0, 0)
	assert.Error(t, err)
}
