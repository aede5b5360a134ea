// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pdb

import (
	"fmt"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
)

// CodeView symbol record kinds this package interprets.
const (
	symEnd           = 0x0006
	symThunk32       = 0x1102
	symLProc32       = 0x110f
	symGProc32       = 0x1110
	symPub32         = 0x110e
	symProcIDEnd     = 0x114f
	symInlineSite    = 0x114d
	symInlineSiteEnd = 0x114e
	symLProc32ID     = 0x1146
	symGProc32ID     = 0x1147
)

// Procedure is one function from a module's symbol stream. Addresses
// are image-relative once the segment is resolved through the section
// table.
type Procedure struct {
	Name      string
	RVA       uint32
	Size      uint32
	DebugEnd  uint32 // prologue end, RVA
	TypeIndex uint32
	Inlines   []InlineSite
}

// InlineSite is one S_INLINESITE: the inlinee identity and the code
// ranges it expanded to, function-relative.
type InlineSite struct {
	Inlinee uint32 // IPI item id naming the inlined function
	Depth   int
	Ranges  []InlineRange
}

type InlineRange struct {
	Off uint32 // offset from function start
	Len uint32
}

// PublicSymbol is one S_PUB32 from the symbol record stream.
type PublicSymbol struct {
	Name     string
	RVA      uint32
	Function bool
}

// Procedures walks every module's symbol stream and collects
// procedure records with their inline sites. Modules whose stream is
// missing or malformed are skipped with a diagnostic.
func (f *File) Procedures() []Procedure {
	var procs []Procedure
	for i := range f.dbi.modules {
		mod := &f.dbi.modules[i]
		stream, err := f.msf.stream(mod.stream)
		if err != nil {
			continue
		}
		if uint64(mod.symSize) > uint64(len(stream)) || mod.symSize < 4 {
			continue
		}
		// Module stream: u32 signature, then symSize-4 bytes of symbols.
		syms, err := f.parseModuleSymbols(stream[4:mod.symSize])
		if err != nil {
			log.Logf(1, "module %v: %v", mod.name, err)
			continue
		}
		procs = append(procs, syms...)
	}
	return procs
}

func (f *File) parseModuleSymbols(data []byte) ([]Procedure, error) {
	var procs []Procedure
	var cur *Procedure
	depth := 0
	r := reader{data: data}
	for r.left() >= 4 {
		reclen := int(r.u16())
		if reclen < 2 || reclen > r.left() {
			return procs, fmt.Errorf("bad symbol record length %v at offset %v", reclen, r.pos-2)
		}
		rec := reader{data: r.take(reclen)}
		kind := rec.u16()
		switch kind {
		case symGProc32, symLProc32, symGProc32ID, symLProc32ID:
			rec.u32() // parent
			rec.u32() // end
			rec.u32() // next
			length := rec.u32()
			rec.u32() // debug start
			debugEnd := rec.u32()
			typeIndex := rec.u32()
			offset := rec.u32()
			segment := rec.u16()
			rec.u8() // flags
			name := rec.cstr()
			if rec.err != nil {
				return procs, rec.err
			}
			rva := f.RVA(segment, offset)
			if rva == 0 || length == 0 {
				cur = nil
				continue
			}
			procs = append(procs, Procedure{
				Name:      name,
				RVA:       rva,
				Size:      length,
				DebugEnd:  rva + debugEnd,
				TypeIndex: typeIndex,
			})
			cur = &procs[len(procs)-1]
			depth = 0
		case symInlineSite:
			rec.u32() // parent
			rec.u32() // end
			inlinee := rec.u32()
			ranges := decodeAnnotations(rec.data[rec.pos:])
			if cur != nil {
				cur.Inlines = append(cur.Inlines, InlineSite{
					Inlinee: inlinee,
					Depth:   depth,
					Ranges:  ranges,
				})
			}
			depth++
		case symInlineSiteEnd:
			if depth > 0 {
				depth--
			}
		case symEnd, symProcIDEnd:
			if depth == 0 {
				cur = nil
			}
		}
	}
	return procs, nil
}

// Publics reads all S_PUB32 records from the symbol record stream.
func (f *File) Publics() []PublicSymbol {
	stream, err := f.msf.stream(f.dbi.symRecordStream)
	if err != nil {
		return nil
	}
	var pubs []PublicSymbol
	r := reader{data: stream}
	for r.left() >= 4 {
		reclen := int(r.u16())
		if reclen < 2 || reclen > r.left() {
			break
		}
		rec := reader{data: r.take(reclen)}
		if rec.u16() != symPub32 {
			continue
		}
		flags := rec.u32()
		offset := rec.u32()
		segment := rec.u16()
		name := rec.cstr()
		if rec.err != nil {
			break
		}
		rva := f.RVA(segment, offset)
		if rva == 0 {
			continue
		}
		pubs = append(pubs, PublicSymbol{
			Name:     name,
			RVA:      rva,
			Function: flags&1 != 0, // cvpsfCode
		})
	}
	return pubs
}

// Binary annotation opcodes (CV_BA_OP_*).
const (
	baCodeOffset          = 1
	baChangeCodeOffsetBase = 2
	baChangeCodeOffset    = 3
	baChangeCodeLength    = 4
	baChangeFile          = 5
	baChangeLineOffset    = 6
	baChangeLineEndDelta  = 7
	baChangeRangeKind     = 8
	baChangeColumnStart   = 9
	baChangeColumnEndDelta = 10
	baChangeCodeOffsetAndLineOffset = 11
	baChangeCodeLengthAndCodeOffset = 12
)

// decodeAnnotations replays an inline site's compressed annotation
// program and returns the code ranges it describes, relative to the
// enclosing function's start. A new range opens at every code offset
// change that does not extend the previous range; a range closes when
// its length becomes known.
func decodeAnnotations(data []byte) []InlineRange {
	var ranges []InlineRange
	var offset uint32
	open := -1 // index of the range whose length is pending
	openAt := func(off uint32) {
		if open >= 0 && ranges[open].Len == 0 {
			// Previous range never got a length, close it at the new
			// start.
			if off > ranges[open].Off {
				ranges[open].Len = off - ranges[open].Off
			}
		}
		ranges = append(ranges, InlineRange{Off: off})
		open = len(ranges) - 1
	}
	closeAt := func(length uint32) {
		if open < 0 {
			openAt(offset)
		}
		if ranges[open].Len == 0 {
			ranges[open].Len = length
		}
		open = -1
	}
	d := annotationReader{data: data}
	for !d.done() {
		op := d.uint()
		switch op {
		case baCodeOffset, baChangeCodeOffset:
			offset += d.uint()
			openAt(offset)
		case baChangeCodeOffsetBase, baChangeFile, baChangeLineEndDelta,
			baChangeRangeKind, baChangeColumnStart:
			d.uint()
		case baChangeLineOffset:
			d.sint()
		case baChangeColumnEndDelta:
			d.sint()
		case baChangeCodeLength:
			closeAt(d.uint())
		case baChangeCodeOffsetAndLineOffset:
			operand := d.uint()
			offset += operand & 0xf
			openAt(offset)
		case baChangeCodeLengthAndCodeOffset:
			length := d.uint()
			delta := d.uint()
			offset += delta
			openAt(offset)
			closeAt(length)
		default:
			// Unknown opcode: operand size is not recoverable, stop.
			return compactRanges(ranges)
		}
	}
	return compactRanges(ranges)
}

func compactRanges(ranges []InlineRange) []InlineRange {
	kept := ranges[:0]
	for _, r := range ranges {
		if r.Len == 0 {
			continue
		}
		if n := len(kept); n > 0 && kept[n-1].Off+kept[n-1].Len == r.Off {
			kept[n-1].Len += r.Len
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// annotationReader decodes the variable-width integers of CodeView
// binary annotations.
type annotationReader struct {
	data []byte
	pos  int
	bad  bool
}

func (d *annotationReader) done() bool {
	return d.bad || d.pos >= len(d.data) || d.data[d.pos] == 0
}

func (d *annotationReader) uint() uint32 {
	if d.pos >= len(d.data) {
		d.bad = true
		return 0
	}
	b0 := d.data[d.pos]
	switch {
	case b0&0x80 == 0:
		d.pos++
		return uint32(b0)
	case b0&0xc0 == 0x80:
		if d.pos+2 > len(d.data) {
			d.bad = true
			return 0
		}
		v := uint32(b0&0x3f)<<8 | uint32(d.data[d.pos+1])
		d.pos += 2
		return v
	case b0&0xe0 == 0xc0:
		if d.pos+4 > len(d.data) {
			d.bad = true
			return 0
		}
		v := uint32(b0&0x1f)<<24 | uint32(d.data[d.pos+1])<<16 |
			uint32(d.data[d.pos+2])<<8 | uint32(d.data[d.pos+3])
		d.pos += 4
		return v
	}
	d.bad = true
	return 0
}

func (d *annotationReader) sint() int32 {
	v := d.uint()
	if v&1 != 0 {
		return -int32(v >> 1)
	}
	return int32(v >> 1)
}
