// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pdb

// C13 debug subsection kinds.
const (
	debugSLines        = 0xf2
	debugSFileChksms   = 0xf4
	debugSInlineeLines = 0xf6
)

// LineRecord attributes one image-relative address to a source line.
type LineRecord struct {
	RVA  uint32
	Line uint32
	File string
}

// Lines reads every module's C13 line subsections. Records come out
// grouped per contribution, address-sorted within each; sizes are for
// the caller to infer.
func (f *File) Lines() []LineRecord {
	var lines []LineRecord
	for i := range f.dbi.modules {
		mod := &f.dbi.modules[i]
		stream, err := f.msf.stream(mod.stream)
		if err != nil || mod.c13Size == 0 {
			continue
		}
		start := uint64(4) + uint64(mod.symSize) + uint64(mod.c11Size)
		end := start + uint64(mod.c13Size)
		if end > uint64(len(stream)) {
			continue
		}
		lines = append(lines, f.parseC13(stream[start:end])...)
	}
	return lines
}

// parseC13 needs two passes: DEBUG_S_LINES blocks name files by their
// offset into the module's DEBUG_S_FILECHKSMS subsection, which can
// come after the lines.
func (f *File) parseC13(data []byte) []LineRecord {
	fileNames := make(map[uint32]string)
	forEachSubsection(data, debugSFileChksms, func(sub []byte) {
		r := reader{data: sub}
		for !r.done() {
			entryOff := uint32(r.pos)
			nameOff := r.u32()
			chkLen := r.u8()
			r.u8() // checksum kind
			r.skip(int(chkLen))
			r.align(4)
			if r.err != nil {
				return
			}
			fileNames[entryOff] = f.nameAt(nameOff)
		}
	})
	var lines []LineRecord
	forEachSubsection(data, debugSLines, func(sub []byte) {
		r := reader{data: sub}
		conOff := r.u32()
		conSeg := r.u16()
		flags := r.u16()
		r.u32() // contribution size
		base := f.RVA(conSeg, conOff)
		if r.err != nil || base == 0 {
			return
		}
		hasColumns := flags&1 != 0
		for r.left() >= 12 {
			fileID := r.u32()
			numLines := r.u32()
			blockSize := r.u32()
			if r.err != nil || blockSize < 12 {
				return
			}
			block := reader{data: r.take(int(blockSize) - 12)}
			file := fileNames[fileID]
			for i := uint32(0); i < numLines && block.left() >= 8; i++ {
				off := block.u32()
				lineFlags := block.u32()
				lineNum := lineFlags & 0xffffff
				if lineNum == 0 || lineNum >= 0xf00000 {
					// 0xfeefee/0xf00f00 mark compiler-generated code.
					continue
				}
				lines = append(lines, LineRecord{
					RVA:  base + off,
					Line: lineNum,
					File: file,
				})
			}
			if hasColumns {
				// Column records trail the line records inside the
				// same block and were already consumed via blockSize.
				_ = block
			}
		}
	})
	return lines
}

func forEachSubsection(data []byte, kind uint32, fn func(sub []byte)) {
	r := reader{data: data}
	for r.left() >= 8 {
		k := r.u32()
		size := r.u32()
		if r.err != nil || size > uint32(r.left()) {
			return
		}
		sub := r.take(int(size))
		r.align(4)
		// The ignore bit 0x80000000 marks subsections the linker kept
		// for reference only.
		if k == kind {
			fn(sub)
		}
	}
}
