// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"fmt"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// FPORecord is one x86 frame description from a PDB FPO stream.
// Sizes are in bytes.
type FPORecord struct {
	Start  uint32 // function RVA
	Size   uint32
	Prolog uint32 // prologue length in bytes
	Locals uint32
	Regs   uint32 // bytes of saved registers
	Params uint32
	UsesBP bool
	HasSEH bool
}

// TranslateFPO turns x86 FPO records into STACK CFI entries: the
// state at entry (return address on top of the stack), plus one delta
// at the end of the prologue once locals and registers are in place.
// Functions with structured exception handling frames are skipped;
// their frames are not expressible as plain offset rules.
func TranslateFPO(records []FPORecord) []symfile.CFIEntry {
	var entries []symfile.CFIEntry
	skipped := 0
	for _, rec := range records {
		if rec.Size == 0 {
			continue
		}
		if rec.HasSEH {
			skipped++
			continue
		}
		entry := symfile.CFIEntry{
			Init: symfile.CFIRecord{
				Addr: uint64(rec.Start),
				Size: uint64(rec.Size),
				Rules: []symfile.CFIRule{
					{Reg: ".cfa", Expr: "$esp 4 +"},
					{Reg: ".ra", Expr: ".cfa -4 + ^"},
				},
			},
		}
		if rec.Prolog > 0 && rec.Prolog < rec.Size {
			var rules []symfile.CFIRule
			if rec.UsesBP {
				rules = []symfile.CFIRule{
					{Reg: ".cfa", Expr: "$ebp 8 +"},
					{Reg: "$ebp", Expr: ".cfa -8 + ^"},
				}
			} else {
				depth := 4 + rec.Locals + rec.Regs
				rules = []symfile.CFIRule{
					{Reg: ".cfa", Expr: fmt.Sprintf("$esp %v +", depth)},
				}
			}
			entry.Deltas = append(entry.Deltas, symfile.CFIRecord{
				Addr:  uint64(rec.Start) + uint64(rec.Prolog),
				Rules: rules,
			})
		}
		entries = append(entries, entry)
	}
	if skipped > 0 {
		log.Logf(1, "skipped %v FPO records with SEH frames", skipped)
	}
	return entries
}
