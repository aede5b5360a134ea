// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"encoding/binary"
	"fmt"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// Compact unwind encoding modes (mach-o/compact_unwind_encoding.h).
const (
	unwindModeMask = 0x0f000000

	unwindX86_64ModeRBPFrame      = 0x01000000
	unwindX86_64ModeStackImmd     = 0x02000000
	unwindX86_64ModeStackInd      = 0x03000000
	unwindX86_64ModeDwarf         = 0x04000000
	unwindX86_64RBPFrameRegisters = 0x00007fff
	unwindX86_64RBPFrameOffset    = 0x00ff0000
	unwindX86_64FramelessSize     = 0x00ff0000
	unwindX86_64FramelessCount    = 0x00001c00
	unwindX86_64FramelessPerm     = 0x000003ff

	unwindARM64ModeFrameless = 0x02000000
	unwindARM64ModeDwarf     = 0x03000000
	unwindARM64ModeFrame     = 0x04000000
	unwindARM64FramelessSize = 0x00fff000
	unwindARM64FrameXPairs   = 0x0000001f

	pageKindRegular    = 2
	pageKindCompressed = 3
)

// Registers of the 3-bit fields in x86_64 frame encodings.
var compactX86Regs = []string{"", "$rbx", "$r12", "$r13", "$r14", "$r15", "$rbp"}

// ParseCompactUnwind translates a linked image's __unwind_info
// section into STACK CFI entries. Function offsets in the section are
// relative to the image base, which is what the output wants, so no
// rebasing happens here. Entries whose encoding defers to DWARF are
// skipped; the __eh_frame parse supplies those functions.
func ParseCompactUnwind(arch string, data []byte) ([]symfile.CFIEntry, error) {
	if arch != "x86_64" && arch != "arm64" {
		return nil, fmt.Errorf("no compact unwind support for %v", arch)
	}
	if len(data) < 28 {
		return nil, fmt.Errorf("unwind info too short")
	}
	u32 := func(off uint32) uint32 {
		if int(off)+4 > len(data) {
			return 0
		}
		return binary.LittleEndian.Uint32(data[off:])
	}
	u16 := func(off uint32) uint32 {
		if int(off)+2 > len(data) {
			return 0
		}
		return uint32(binary.LittleEndian.Uint16(data[off:]))
	}
	if version := u32(0); version != 1 {
		return nil, fmt.Errorf("unwind info version %v", version)
	}
	commonOff := u32(4)
	commonCount := u32(8)
	indexOff := u32(20)
	indexCount := u32(24)

	common := make([]uint32, 0, commonCount)
	for i := uint32(0); i < commonCount; i++ {
		common = append(common, u32(commonOff+i*4))
	}

	// Collect (function offset, encoding) pairs from all second-level
	// pages, then size each function by its successor.
	type rawEntry struct {
		addr uint64
		enc  uint32
	}
	var raw []rawEntry
	var sentinel uint64
	for i := uint32(0); i < indexCount; i++ {
		base := indexOff + i*12
		funcOff := u32(base)
		pageOff := u32(base + 4)
		if pageOff == 0 {
			sentinel = uint64(funcOff) // end of the covered range
			continue
		}
		kind := u32(pageOff)
		entryOff := u16(pageOff + 4)
		entryCount := u16(pageOff + 6)
		switch kind {
		case pageKindRegular:
			for j := uint32(0); j < entryCount; j++ {
				off := pageOff + entryOff + j*8
				raw = append(raw, rawEntry{addr: uint64(u32(off)), enc: u32(off + 4)})
			}
		case pageKindCompressed:
			encOff := u16(pageOff + 8)
			encCount := u16(pageOff + 10)
			for j := uint32(0); j < entryCount; j++ {
				packed := u32(pageOff + entryOff + j*4)
				encIdx := packed >> 24
				var enc uint32
				if encIdx < commonCount {
					enc = common[encIdx]
				} else if encIdx-commonCount < encCount {
					enc = u32(pageOff + encOff + (encIdx-commonCount)*4)
				} else {
					continue
				}
				raw = append(raw, rawEntry{addr: uint64(funcOff + packed&0xffffff), enc: enc})
			}
		default:
			return nil, fmt.Errorf("unknown unwind page kind %v", kind)
		}
	}

	var entries []symfile.CFIEntry
	skipped := 0
	for i, re := range raw {
		end := sentinel
		if i+1 < len(raw) {
			end = raw[i+1].addr
		}
		if end <= re.addr || re.enc == 0 {
			continue
		}
		rules, ok := translateCompact(arch, re.enc)
		if !ok {
			skipped++
			continue
		}
		if rules == nil {
			continue // DWARF mode: covered by __eh_frame
		}
		entries = append(entries, symfile.CFIEntry{
			Init: symfile.CFIRecord{Addr: re.addr, Size: end - re.addr, Rules: rules},
		})
	}
	if skipped > 0 {
		log.Logf(1, "skipped %v compact unwind entries with untranslatable encodings", skipped)
	}
	return entries, nil
}

// translateCompact renders one compact encoding. A nil rule list with
// ok=true means the encoding defers to DWARF.
func translateCompact(arch string, enc uint32) ([]symfile.CFIRule, bool) {
	if arch == "arm64" {
		return translateCompactARM64(enc)
	}
	return translateCompactX86(enc)
}

func translateCompactX86(enc uint32) ([]symfile.CFIRule, bool) {
	switch enc & unwindModeMask {
	case unwindX86_64ModeDwarf:
		return nil, true
	case unwindX86_64ModeRBPFrame:
		rules := []symfile.CFIRule{
			{Reg: ".cfa", Expr: "$rbp 16 +"},
			{Reg: ".ra", Expr: ".cfa -8 + ^"},
			{Reg: "$rbp", Expr: ".cfa -16 + ^"},
		}
		regs := enc & unwindX86_64RBPFrameRegisters
		offset := int64((enc & unwindX86_64RBPFrameOffset) >> 16)
		for i := 0; i < 5; i++ {
			reg := (regs >> (3 * i)) & 0x7
			if reg == 0 || int(reg) >= len(compactX86Regs) {
				continue
			}
			// Saved below the frame pointer, slot i of the block that
			// starts offset quadwords down.
			off := -16 - 8*offset + 8*int64(i)
			rules = append(rules, symfile.CFIRule{
				Reg:  compactX86Regs[reg],
				Expr: fmt.Sprintf(".cfa %v + ^", off),
			})
		}
		return rules, true
	case unwindX86_64ModeStackImmd:
		size := int64((enc&unwindX86_64FramelessSize)>>16) * 8
		count := int((enc & unwindX86_64FramelessCount) >> 10)
		perm := int(enc & unwindX86_64FramelessPerm)
		if size == 0 {
			return nil, false
		}
		rules := []symfile.CFIRule{
			{Reg: ".cfa", Expr: fmt.Sprintf("$rsp %v +", size)},
			{Reg: ".ra", Expr: ".cfa -8 + ^"},
		}
		for i, reg := range framelessRegs(count, perm) {
			off := -8*int64(count+1) + 8*int64(i)
			rules = append(rules, symfile.CFIRule{
				Reg:  reg,
				Expr: fmt.Sprintf(".cfa %v + ^", off),
			})
		}
		return rules, true
	case unwindX86_64ModeStackInd:
		// The stack size lives in the subtract instruction itself;
		// without decoding text there is no frame to describe.
		return nil, false
	}
	return nil, false
}

// framelessRegs decodes the permutation encoding of saved registers
// in frameless x86_64 functions: a variable-base number identifying
// an ordered selection out of the six nonvolatile registers.
func framelessRegs(count, perm int) []string {
	if count == 0 || count > 6 {
		return nil
	}
	var digits [6]int
	switch count {
	case 6, 5:
		digits[0], perm = perm/120, perm%120
		digits[1], perm = perm/24, perm%24
		digits[2], perm = perm/6, perm%6
		digits[3], perm = perm/2, perm%2
		digits[4] = perm
	case 4:
		digits[0], perm = perm/60, perm%60
		digits[1], perm = perm/12, perm%12
		digits[2], perm = perm/3, perm%3
		digits[3] = perm
	case 3:
		digits[0], perm = perm/20, perm%20
		digits[1], perm = perm/4, perm%4
		digits[2] = perm
	case 2:
		digits[0], perm = perm/5, perm%5
		digits[1] = perm
	case 1:
		digits[0] = perm
	}
	pool := []string{"$rbx", "$r12", "$r13", "$r14", "$r15", "$rbp"}
	regs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		d := digits[i]
		if d >= len(pool) {
			return nil
		}
		regs = append(regs, pool[d])
		pool = append(pool[:d], pool[d+1:]...)
	}
	return regs
}

func translateCompactARM64(enc uint32) ([]symfile.CFIRule, bool) {
	switch enc & unwindModeMask {
	case unwindARM64ModeDwarf:
		return nil, true
	case unwindARM64ModeFrameless:
		size := int64((enc&unwindARM64FramelessSize)>>12) * 16
		return []symfile.CFIRule{
			{Reg: ".cfa", Expr: fmt.Sprintf("sp %v +", size)},
			{Reg: ".ra", Expr: "x30"},
		}, true
	case unwindARM64ModeFrame:
		rules := []symfile.CFIRule{
			{Reg: ".cfa", Expr: "x29 16 +"},
			{Reg: ".ra", Expr: ".cfa -8 + ^"},
			{Reg: "x29", Expr: ".cfa -16 + ^"},
		}
		// Bits 0..4 flag saved x-register pairs, stored just below the
		// frame record with the first-named register of each pair at
		// the higher address (the compiler stores "stp x20, x19").
		// D-register pairs (bits 8..11) sit below those; the output
		// format cannot name them.
		pairNames := [][2]string{
			{"x19", "x20"}, {"x21", "x22"}, {"x23", "x24"},
			{"x25", "x26"}, {"x27", "x28"},
		}
		pairs := enc & unwindARM64FrameXPairs
		off := int64(-24)
		for i := 0; i < len(pairNames); i++ {
			if pairs&(1<<i) == 0 {
				continue
			}
			rules = append(rules,
				symfile.CFIRule{Reg: pairNames[i][0], Expr: fmt.Sprintf(".cfa %v + ^", off)},
				symfile.CFIRule{Reg: pairNames[i][1], Expr: fmt.Sprintf(".cfa %v + ^", off-8)},
			)
			off -= 16
		}
		return rules, true
	}
	return nil, false
}
