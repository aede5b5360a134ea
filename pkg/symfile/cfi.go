// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"sort"
	"strings"
)

// CFIRule gives the recovery expression for one register in Breakpad
// postfix form, e.g. {".cfa", "$rsp 8 +"} or {"$rbx", ".cfa -24 + ^"}.
type CFIRule struct {
	Reg  string
	Expr string
}

// CFIRecord is one STACK CFI row. Size is only meaningful on the
// initial row of an entry.
type CFIRecord struct {
	Addr  uint64
	Size  uint64
	Rules []CFIRule
}

// CFIEntry is the unwind table of one function: the full rule set at
// its entry address plus incremental rows carrying only the rules
// that change.
type CFIEntry struct {
	Init   CFIRecord
	Deltas []CFIRecord
}

// AddCFI appends one function's unwind entry. Entries with no rules
// are ignored; producers signal "no unwind info" that way.
func (m *Module) AddCFI(e CFIEntry) {
	if len(e.Init.Rules) == 0 {
		return
	}
	m.CFI = append(m.CFI, e)
}

func sortRules(rules []CFIRule) {
	// Plain byte order puts $-registers before .cfa before .ra,
	// which is the conventional ordering of the text format.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Reg < rules[j].Reg
	})
}

func renderRules(rules []CFIRule) string {
	var b strings.Builder
	for i, r := range rules {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(r.Reg)
		b.WriteString(": ")
		b.WriteString(r.Expr)
	}
	return b.String()
}
