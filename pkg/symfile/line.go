// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"sort"
)

// finalizeLines sorts a function's line records, infers sizes the
// producer could not know (a zero size means "up to the next row, or
// the function end"), clamps everything to the function range and
// merges adjacent rows that attribute to the same source line.
func (m *Module) finalizeLines(fn *Function) {
	if len(fn.Lines) == 0 {
		return
	}
	sort.SliceStable(fn.Lines, func(i, j int) bool {
		return fn.Lines[i].Addr < fn.Lines[j].Addr
	})
	for i := range fn.Lines {
		if fn.Lines[i].Size != 0 {
			continue
		}
		if i+1 < len(fn.Lines) {
			fn.Lines[i].Size = fn.Lines[i+1].Addr - fn.Lines[i].Addr
		} else if fn.End() > fn.Lines[i].Addr {
			fn.Lines[i].Size = fn.End() - fn.Lines[i].Addr
		}
	}
	kept := fn.Lines[:0]
	for _, ln := range fn.Lines {
		had := ln.Size
		ln = clampLine(ln, fn.Range)
		if ln.Size == 0 {
			if had != 0 {
				m.stats.droppedLines++
			}
			continue
		}
		if n := len(kept); n > 0 {
			prev := &kept[n-1]
			if prev.File == ln.File && prev.Line == ln.Line && prev.Addr+prev.Size == ln.Addr {
				prev.Size += ln.Size
				continue
			}
		}
		kept = append(kept, ln)
	}
	fn.Lines = kept
}

func clampLine(ln Line, r Range) Line {
	if ln.Addr < r.Base {
		if ln.Addr+ln.Size <= r.Base {
			return Line{}
		}
		ln.Size -= r.Base - ln.Addr
		ln.Addr = r.Base
	}
	if ln.Addr >= r.End() {
		return Line{}
	}
	if ln.Addr+ln.Size > r.End() {
		ln.Size = r.End() - ln.Addr
	}
	return ln
}
