// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"encoding/binary"
	"fmt"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// Windows x64 unwind operation codes.
const (
	uwopPushNonvol    = 0
	uwopAllocLarge    = 1
	uwopAllocSmall    = 2
	uwopSetFPReg      = 3
	uwopSaveNonvol    = 4
	uwopSaveNonvolFar = 5
	uwopEpilog        = 6
	uwopSpareCode     = 7
	uwopSaveXMM128    = 8
	uwopSaveXMM128Far = 9
	uwopPushMachframe = 10

	unwindFlagChained = 0x4
)

// Unwind operations number registers differently from DWARF.
var unwindRegs = []string{
	"$rax", "$rcx", "$rdx", "$rbx", "$rsp", "$rbp", "$rsi", "$rdi",
	"$r8", "$r9", "$r10", "$r11", "$r12", "$r13", "$r14", "$r15",
}

// ParsePEUnwind translates the .pdata runtime function table of an
// x64 PE image into STACK CFI entries. readAt resolves an RVA into
// image bytes; unwind info lives outside .pdata.
func ParsePEUnwind(pdata []byte, readAt func(rva uint32, n int) ([]byte, error)) ([]symfile.CFIEntry, error) {
	var entries []symfile.CFIEntry
	dropped := 0
	for pos := 0; pos+12 <= len(pdata); pos += 12 {
		begin := binary.LittleEndian.Uint32(pdata[pos:])
		end := binary.LittleEndian.Uint32(pdata[pos+4:])
		info := binary.LittleEndian.Uint32(pdata[pos+8:])
		if begin == 0 && end == 0 && info == 0 {
			continue
		}
		if end <= begin {
			dropped++
			continue
		}
		entry, err := translateUnwindInfo(begin, end-begin, info, readAt)
		if err != nil {
			dropped++
			log.Logf(2, "unwind info for %#x: %v", begin, err)
			continue
		}
		entries = append(entries, entry)
	}
	if dropped > 0 {
		log.Logf(1, "dropped %v runtime functions with untranslatable unwind info", dropped)
	}
	return entries, nil
}

// unwindFrame simulates the prologue effects described by unwind
// codes. depth is the distance from the current rsp up to the CFA
// (the caller's rsp at the call), which starts at 8 for the pushed
// return address.
type unwindFrame struct {
	depth int64
	fpCFA bool  // CFA anchored to the frame register
	fpReg int
	fpOff int64 // .cfa = fpReg + fpOff once anchored
	saved map[string]int64
}

func newUnwindFrame() *unwindFrame {
	return &unwindFrame{depth: 8, saved: make(map[string]int64)}
}

func (f *unwindFrame) rules() []symfile.CFIRule {
	rules := []symfile.CFIRule{
		{Reg: ".ra", Expr: ".cfa -8 + ^"},
	}
	if f.fpCFA {
		rules = append(rules, symfile.CFIRule{
			Reg:  ".cfa",
			Expr: fmt.Sprintf("%v %v +", unwindRegs[f.fpReg], f.fpOff),
		})
	} else {
		rules = append(rules, symfile.CFIRule{
			Reg:  ".cfa",
			Expr: fmt.Sprintf("$rsp %v +", f.depth),
		})
	}
	for reg, off := range f.saved {
		rules = append(rules, symfile.CFIRule{
			Reg:  reg,
			Expr: fmt.Sprintf(".cfa %v + ^", off),
		})
	}
	return rules
}

// step is one prologue offset where the frame changes.
type unwindStep struct {
	offset uint32
	frame  *unwindFrame
}

func (f *unwindFrame) clone() *unwindFrame {
	c := *f
	c.saved = make(map[string]int64, len(f.saved))
	for k, v := range f.saved {
		c.saved[k] = v
	}
	return &c
}

func translateUnwindInfo(begin, size, infoRVA uint32,
	readAt func(rva uint32, n int) ([]byte, error)) (symfile.CFIEntry, error) {
	frame := newUnwindFrame()
	steps, err := applyUnwindInfo(infoRVA, frame, readAt, 0)
	if err != nil {
		return symfile.CFIEntry{}, err
	}
	// For a chained chunk the parent's prologue already ran at entry;
	// its established frame arrives as a step at offset zero.
	initRules := newUnwindFrame().rules()
	if len(steps) > 0 && steps[0].offset == 0 {
		initRules = steps[0].frame.rules()
		steps = steps[1:]
	}
	entry := symfile.CFIEntry{
		Init: symfile.CFIRecord{
			Addr:  uint64(begin),
			Size:  uint64(size),
			Rules: initRules,
		},
	}
	prevMap := ruleMap(initRules)
	for i, step := range steps {
		if step.offset == 0 || uint64(step.offset) >= uint64(size) {
			continue
		}
		if i+1 < len(steps) && steps[i+1].offset == step.offset {
			continue // several ops ending at one address: last state wins
		}
		cur := ruleMap(step.frame.rules())
		diff := rulesDiff(prevMap, cur)
		if len(diff) > 0 {
			entry.Deltas = append(entry.Deltas, symfile.CFIRecord{
				Addr:  uint64(begin) + uint64(step.offset),
				Rules: diff,
			})
		}
		prevMap = cur
	}
	return entry, nil
}

func ruleMap(rules []symfile.CFIRule) map[string]string {
	m := make(map[string]string, len(rules))
	for _, r := range rules {
		m[r.Reg] = r.Expr
	}
	return m
}

// applyUnwindInfo parses one UNWIND_INFO block and mutates frame with
// its prologue operations, returning the per-offset steps. Chained
// infos recurse into the parent first: its fully-established frame is
// the ground state of the chunk, reported as a step at offset zero.
func applyUnwindInfo(infoRVA uint32, frame *unwindFrame,
	readAt func(rva uint32, n int) ([]byte, error), depth int) ([]unwindStep, error) {
	if depth > 16 {
		return nil, fmt.Errorf("unwind chain too deep")
	}
	hdr, err := readAt(infoRVA, 4)
	if err != nil {
		return nil, err
	}
	version := hdr[0] & 0x7
	flags := hdr[0] >> 3
	if version != 1 && version != 2 {
		return nil, fmt.Errorf("unwind info version %v", version)
	}
	count := int(hdr[2])
	frameReg := int(hdr[3] & 0xf)
	frameOff := int64(hdr[3]>>4) * 16

	slots := (count + 1) &^ 1
	body, err := readAt(infoRVA+4, count*2)
	if err != nil {
		return nil, err
	}

	var steps []unwindStep
	if flags&unwindFlagChained != 0 {
		chain, err := readAt(infoRVA+4+uint32(slots)*2, 12)
		if err != nil {
			return nil, err
		}
		parentInfo := binary.LittleEndian.Uint32(chain[8:])
		if _, err := applyUnwindInfo(parentInfo, frame, readAt, depth+1); err != nil {
			return nil, err
		}
		steps = append(steps, unwindStep{offset: 0, frame: frame.clone()})
	}

	// Codes are stored innermost-last-first; walk them in reverse so
	// the simulation runs in prologue order.
	type code struct {
		offset uint32
		op     int
		info   int
		data   []uint16
	}
	var codes []code
	for i := 0; i < count; {
		c := code{
			offset: uint32(body[i*2]),
			op:     int(body[i*2+1] & 0xf),
			info:   int(body[i*2+1] >> 4),
		}
		extra := 0
		switch c.op {
		case uwopAllocLarge:
			extra = 1 + c.info // info==1 means two extra slots
		case uwopSaveNonvol, uwopSaveXMM128, uwopEpilog:
			extra = 1
		case uwopSaveNonvolFar, uwopSaveXMM128Far:
			extra = 2
		case uwopSpareCode:
			extra = 2
		}
		if i+1+extra > count {
			return nil, fmt.Errorf("unwind codes truncated")
		}
		for j := 0; j < extra; j++ {
			c.data = append(c.data, binary.LittleEndian.Uint16(body[(i+1+j)*2:]))
		}
		codes = append(codes, c)
		i += 1 + extra
	}

	for i := len(codes) - 1; i >= 0; i-- {
		c := codes[i]
		switch c.op {
		case uwopPushNonvol:
			frame.depth += 8
			frame.saved[unwindRegs[c.info]] = -frame.depth
		case uwopAllocLarge:
			if c.info == 0 {
				frame.depth += int64(c.data[0]) * 8
			} else {
				frame.depth += int64(uint32(c.data[0]) | uint32(c.data[1])<<16)
			}
		case uwopAllocSmall:
			frame.depth += int64(c.info)*8 + 8
		case uwopSetFPReg:
			frame.fpCFA = true
			frame.fpReg = frameReg
			frame.fpOff = frame.depth - frameOff
		case uwopSaveNonvol:
			off := int64(c.data[0]) * 8
			frame.saved[unwindRegs[c.info]] = off - frame.depth
		case uwopSaveNonvolFar:
			off := int64(uint32(c.data[0]) | uint32(c.data[1])<<16)
			frame.saved[unwindRegs[c.info]] = off - frame.depth
		case uwopSaveXMM128, uwopSaveXMM128Far, uwopEpilog, uwopSpareCode:
			// Vector saves have no representation; epilog
			// descriptions do not affect the prologue rules.
		case uwopPushMachframe:
			return nil, fmt.Errorf("machine frame")
		default:
			return nil, fmt.Errorf("unwind op %v", c.op)
		}
		steps = append(steps, unwindStep{offset: c.offset, frame: frame.clone()})
	}
	return steps, nil
}
