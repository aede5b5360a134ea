// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/breakpad-tools/dumpsyms/pkg/demangle"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// STABS entry types of interest.
const (
	stabFun  = 0x24 // N_FUN: function (empty name closes the open one)
	stabLine = 0x44 // N_SLINE: line, value is offset from function start
	stabSO   = 0x64 // N_SO: main source file (empty name closes the unit)
	stabSOL  = 0x84 // N_SOL: include file
)

const stabEntrySize = 12

// parseStabs converts a .stab/.stabstr pair into functions with line
// records. Entry layout: u32 string offset, u8 type, u8 other,
// u16 desc, u32 value.
func parseStabs(stab, stabstr []byte, bias uint64, mod *symfile.Module) error {
	if len(stab)%stabEntrySize != 0 {
		return fmt.Errorf("stab section size %v not a multiple of %v", len(stab), stabEntrySize)
	}
	str := func(off uint32) string {
		if uint64(off) >= uint64(len(stabstr)) {
			return ""
		}
		s := stabstr[off:]
		if end := bytes.IndexByte(s, 0); end >= 0 {
			s = s[:end]
		}
		return string(s)
	}
	var (
		cur     *symfile.Function
		curFile symfile.FileID
		haveSrc bool
	)
	flush := func(end uint64) {
		if cur == nil {
			return
		}
		if cur.Size == 0 && end > cur.Base {
			cur.Size = end - cur.Base
		}
		if cur.Size > 0 {
			mod.AddFunction(*cur)
		}
		cur = nil
	}
	for pos := 0; pos+stabEntrySize <= len(stab); pos += stabEntrySize {
		strx := binary.LittleEndian.Uint32(stab[pos:])
		typ := stab[pos+4]
		desc := binary.LittleEndian.Uint16(stab[pos+6:])
		value := binary.LittleEndian.Uint32(stab[pos+8:])
		rebased := uint64(0)
		if uint64(value) > bias {
			rebased = uint64(value) - bias
		}
		switch typ {
		case stabSO:
			name := str(strx)
			flush(rebased)
			if name == "" || strings.HasSuffix(name, "/") {
				haveSrc = false
				continue
			}
			curFile = mod.FileID(name)
			haveSrc = true
		case stabSOL:
			if name := str(strx); name != "" {
				curFile = mod.FileID(name)
			}
		case stabFun:
			name := str(strx)
			if name == "" {
				// Terminator: value is the function's byte length.
				if cur != nil && value > 0 {
					cur.Size = uint64(value)
				}
				flush(0)
				continue
			}
			addr := uint64(value)
			flush(rebased)
			if !haveSrc || addr < bias || addr == bias {
				continue
			}
			// "name:F(0,1)" carries the type after the colon.
			if colon := strings.IndexByte(name, ':'); colon > 0 {
				name = name[:colon]
			}
			cur = &symfile.Function{
				Range: symfile.Range{Base: addr - bias},
				Name:  demangle.Resolve(name),
			}
		case stabLine:
			if cur == nil || desc == 0 {
				continue
			}
			cur.Lines = append(cur.Lines, symfile.Line{
				Addr: cur.Base + uint64(value),
				Line: int(desc),
				File: curFile,
			})
		}
	}
	flush(0)
	return nil
}
