// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pdb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 512

// buildMSF assembles a minimal MSF 7.0 container holding the given
// streams.
func buildMSF(t *testing.T, streams [][]byte) []byte {
	t.Helper()
	var pages [][]byte
	// Pages 0-2: superblock and the two free page maps.
	pages = append(pages, make([]byte, testPageSize), make([]byte, testPageSize), make([]byte, testPageSize))
	addPages := func(data []byte) []uint32 {
		var nums []uint32
		for off := 0; off < len(data); off += testPageSize {
			page := make([]byte, testPageSize)
			copy(page, data[off:])
			nums = append(nums, uint32(len(pages)))
			pages = append(pages, page)
		}
		return nums
	}
	var dir []byte
	dir = binary.LittleEndian.AppendUint32(dir, uint32(len(streams)))
	for _, s := range streams {
		dir = binary.LittleEndian.AppendUint32(dir, uint32(len(s)))
	}
	for _, s := range streams {
		for _, n := range addPages(s) {
			dir = binary.LittleEndian.AppendUint32(dir, n)
		}
	}
	dirPages := addPages(dir)
	var dirMap []byte
	for _, n := range dirPages {
		dirMap = binary.LittleEndian.AppendUint32(dirMap, n)
	}
	dirMapPages := addPages(dirMap)
	require.Len(t, dirMapPages, 1)

	super := pages[0]
	copy(super, msfMagic)
	hdr := super[len(msfMagic):]
	binary.LittleEndian.PutUint32(hdr[0:], testPageSize)
	binary.LittleEndian.PutUint32(hdr[4:], 1) // active free page map
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(pages)))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(dir)))
	binary.LittleEndian.PutUint32(hdr[20:], dirMapPages[0])

	var file []byte
	for _, p := range pages {
		file = append(file, p...)
	}
	return file
}

func buildInfoStream(age uint32, guid [16]byte, namesStream uint32) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, 20000404) // VC70
	b = binary.LittleEndian.AppendUint32(b, 0x11223344)
	b = binary.LittleEndian.AppendUint32(b, age)
	b = append(b, guid[:]...)
	names := []byte("/names\x00")
	b = binary.LittleEndian.AppendUint32(b, uint32(len(names)))
	b = append(b, names...)
	b = binary.LittleEndian.AppendUint32(b, 1) // entry count
	b = binary.LittleEndian.AppendUint32(b, 1) // capacity
	b = binary.LittleEndian.AppendUint32(b, 1) // present words
	b = binary.LittleEndian.AppendUint32(b, 1)
	b = binary.LittleEndian.AppendUint32(b, 0) // deleted words
	b = binary.LittleEndian.AppendUint32(b, 0) // name offset
	b = binary.LittleEndian.AppendUint32(b, namesStream)
	return b
}

func buildDBIStream(machine uint16) []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(b[0:], 0xffffffff) // signature -1
	binary.LittleEndian.PutUint32(b[4:], 19990903)   // V70
	binary.LittleEndian.PutUint16(b[20:], 0xffff)    // symbol record stream
	binary.LittleEndian.PutUint16(b[58:], machine)
	return b
}

func buildTypeStream() []byte {
	b := make([]byte, 56)
	binary.LittleEndian.PutUint32(b[0:], 20040203) // V80
	binary.LittleEndian.PutUint32(b[4:], 56)       // header size
	binary.LittleEndian.PutUint32(b[8:], 0x1000)   // index begin
	binary.LittleEndian.PutUint32(b[12:], 0x1000)  // index end
	return b
}

func TestOpen(t *testing.T) {
	guid := [16]byte{
		0x44, 0x33, 0x22, 0x11, // data1 stored little-endian
		0x66, 0x55,
		0x88, 0x77,
		0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x01,
	}
	names := []byte{0xfe, 0xef, 0xfe, 0xef, 1, 0, 0, 0, 8, 0, 0, 0}
	names = append(names, []byte("\x00foo.cpp\x00")...)
	file := buildMSF(t, [][]byte{
		nil, // stream 0: old directory
		buildInfoStream(2, guid, 5),
		buildTypeStream(),
		buildDBIStream(MachineAMD64),
		buildTypeStream(),
		names,
	})
	f, err := Open(file)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.Age)
	assert.Equal(t, uint16(MachineAMD64), f.Machine)
	assert.Equal(t, "112233445566778899AABBCCDDEEFF012", f.DebugID())
	assert.Equal(t, "foo.cpp", f.nameAt(1))
	assert.Empty(t, f.Procedures())
	assert.Empty(t, f.Publics())
}

func TestOpenNotMSF(t *testing.T) {
	_, err := Open([]byte("MZ not a pdb at all, some random file contents instead"))
	assert.Error(t, err)
}

func TestAnnotations(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []InlineRange
	}{
		{
			name: "offset then length",
			data: []byte{baChangeCodeOffset, 0x10, baChangeCodeLength, 0x08},
			want: []InlineRange{{Off: 0x10, Len: 0x08}},
		},
		{
			name: "length and offset combined",
			data: []byte{baChangeCodeLengthAndCodeOffset, 0x04, 0x08},
			want: []InlineRange{{Off: 0x08, Len: 0x04}},
		},
		{
			name: "two ranges",
			data: []byte{
				baChangeCodeOffset, 0x10, baChangeCodeLength, 0x08,
				baChangeCodeOffset, 0x20, baChangeCodeLength, 0x04,
			},
			want: []InlineRange{{Off: 0x10, Len: 0x08}, {Off: 0x30, Len: 0x04}},
		},
		{
			name: "adjacent ranges coalesce",
			data: []byte{
				baChangeCodeOffset, 0x10, baChangeCodeLength, 0x08,
				baChangeCodeOffset, 0x08, baChangeCodeLength, 0x04,
			},
			want: []InlineRange{{Off: 0x10, Len: 0x0c}},
		},
		{
			name: "line changes interleaved",
			data: []byte{
				baChangeLineOffset, 0x02,
				baChangeCodeOffsetAndLineOffset, 0x25, // line delta 2, code delta 5
				baChangeCodeLength, 0x08,
			},
			want: []InlineRange{{Off: 0x05, Len: 0x08}},
		},
		{
			name: "two byte operand",
			data: []byte{baChangeCodeOffset, 0x81, 0x00, baChangeCodeLength, 0x10},
			want: []InlineRange{{Off: 0x100, Len: 0x10}},
		},
		{
			name: "terminator stops decoding",
			data: []byte{baChangeCodeOffset, 0x10, baChangeCodeLength, 0x08, 0x00, 0xff},
			want: []InlineRange{{Off: 0x10, Len: 0x08}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, decodeAnnotations(test.data))
		})
	}
}

func TestModuleSymbols(t *testing.T) {
	f := &File{sections: []Section{{Name: ".text", RVA: 0x1000, Size: 0x5000}}}
	rec := func(kind uint16, payload []byte) []byte {
		var b []byte
		b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)+2))
		b = binary.LittleEndian.AppendUint16(b, kind)
		return append(b, payload...)
	}
	var proc []byte
	proc = binary.LittleEndian.AppendUint32(proc, 0)     // parent
	proc = binary.LittleEndian.AppendUint32(proc, 0)     // end
	proc = binary.LittleEndian.AppendUint32(proc, 0)     // next
	proc = binary.LittleEndian.AppendUint32(proc, 0x40)  // length
	proc = binary.LittleEndian.AppendUint32(proc, 0)     // debug start
	proc = binary.LittleEndian.AppendUint32(proc, 8)     // debug end
	proc = binary.LittleEndian.AppendUint32(proc, 0x1003) // type index
	proc = binary.LittleEndian.AppendUint32(proc, 0x200) // offset
	proc = binary.LittleEndian.AppendUint16(proc, 1)     // segment
	proc = append(proc, 0)                               // flags
	proc = append(proc, []byte("target\x00")...)

	var inline []byte
	inline = binary.LittleEndian.AppendUint32(inline, 0)      // parent
	inline = binary.LittleEndian.AppendUint32(inline, 0)      // end
	inline = binary.LittleEndian.AppendUint32(inline, 0x1001) // inlinee
	inline = append(inline, baChangeCodeOffset, 0x08, baChangeCodeLength, 0x04)

	var data []byte
	data = append(data, rec(symGProc32, proc)...)
	data = append(data, rec(symInlineSite, inline)...)
	data = append(data, rec(symInlineSiteEnd, nil)...)
	data = append(data, rec(symEnd, nil)...)

	procs, err := f.parseModuleSymbols(data)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "target", procs[0].Name)
	assert.Equal(t, uint32(0x1200), procs[0].RVA)
	assert.Equal(t, uint32(0x40), procs[0].Size)
	assert.Equal(t, uint32(0x1003), procs[0].TypeIndex)
	require.Len(t, procs[0].Inlines, 1)
	site := procs[0].Inlines[0]
	assert.Equal(t, uint32(0x1001), site.Inlinee)
	assert.Equal(t, 0, site.Depth)
	assert.Equal(t, []InlineRange{{Off: 8, Len: 4}}, site.Ranges)
}

func TestParameterSize(t *testing.T) {
	rec := func(kind uint16, payload []byte) []byte {
		var b []byte
		b = binary.LittleEndian.AppendUint16(b, kind)
		return append(b, payload...)
	}
	// 0x1000: arglist(i32, i64, i8); 0x1001: procedure(0x1000)
	var args []byte
	args = binary.LittleEndian.AppendUint32(args, 3)
	args = binary.LittleEndian.AppendUint32(args, 0x74) // int32
	args = binary.LittleEndian.AppendUint32(args, 0x76) // int64
	args = binary.LittleEndian.AppendUint32(args, 0x10) // char
	var procT []byte
	procT = binary.LittleEndian.AppendUint32(procT, 0x74) // return type
	procT = append(procT, 0, 0)                           // call conv, options
	procT = binary.LittleEndian.AppendUint16(procT, 3)    // parameter count
	procT = binary.LittleEndian.AppendUint32(procT, 0x1000)
	ts := &typeStream{
		begin:   0x1000,
		records: [][]byte{rec(lfArgList, args), rec(lfProcedure, procT)},
	}
	// x86: 4+8+4 = 16 bytes of stack.
	f32 := &File{Machine: MachineI386, tpiCache: ts}
	assert.Equal(t, 16, f32.ParameterSize(0x1001))
	// x86_64: every slot is 8 bytes.
	f64 := &File{Machine: MachineAMD64, tpiCache: ts}
	assert.Equal(t, 24, f64.ParameterSize(0x1001))
	// Unresolvable type.
	assert.Equal(t, 0, f64.ParameterSize(0x1234))
}

func TestInlineeName(t *testing.T) {
	var funcID []byte
	funcID = binary.LittleEndian.AppendUint32(funcID, 0) // scope
	funcID = binary.LittleEndian.AppendUint32(funcID, 0x1000)
	funcID = append(funcID, []byte("inlined_helper\x00")...)
	var idRec []byte
	idRec = binary.LittleEndian.AppendUint16(idRec, lfFuncID)
	idRec = append(idRec, funcID...)
	f := &File{ipiCache: &typeStream{begin: 0x1000, records: [][]byte{idRec}}}
	assert.Equal(t, "inlined_helper", f.InlineeName(0x1000))
	assert.Equal(t, "", f.InlineeName(0x2000))
}

func TestC13Lines(t *testing.T) {
	f := &File{sections: []Section{{Name: ".text", RVA: 0x1000, Size: 0x5000}}}
	// /names: header + "a.cpp" at offset 1.
	f.names = append([]byte{0xfe, 0xef, 0xfe, 0xef, 1, 0, 0, 0, 8, 0, 0, 0},
		[]byte("\x00a.cpp\x00")...)

	var chksms []byte
	chksms = binary.LittleEndian.AppendUint32(chksms, 1) // /names offset
	chksms = append(chksms, 0, 0, 0, 0)                  // no checksum + pad

	var lines []byte
	lines = binary.LittleEndian.AppendUint32(lines, 0x100) // contribution offset
	lines = binary.LittleEndian.AppendUint16(lines, 1)     // segment
	lines = binary.LittleEndian.AppendUint16(lines, 0)     // flags
	lines = binary.LittleEndian.AppendUint32(lines, 0x20)  // size
	lines = binary.LittleEndian.AppendUint32(lines, 0)     // file id
	lines = binary.LittleEndian.AppendUint32(lines, 2)     // line count
	lines = binary.LittleEndian.AppendUint32(lines, 12+16) // block size
	lines = binary.LittleEndian.AppendUint32(lines, 0x00)  // offset
	lines = binary.LittleEndian.AppendUint32(lines, 10)    // line 10
	lines = binary.LittleEndian.AppendUint32(lines, 0x08)
	lines = binary.LittleEndian.AppendUint32(lines, 12)

	sub := func(kind uint32, data []byte) []byte {
		var b []byte
		b = binary.LittleEndian.AppendUint32(b, kind)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
		return append(b, data...)
	}
	c13 := append(sub(debugSFileChksms, chksms), sub(debugSLines, lines)...)

	got := f.parseC13(c13)
	assert.Equal(t, []LineRecord{
		{RVA: 0x1100, Line: 10, File: "a.cpp"},
		{RVA: 0x1108, Line: 12, File: "a.cpp"},
	}, got)
}
