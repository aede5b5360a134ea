// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cfi produces STACK CFI records from the unwind data of the
// supported binary formats: DWARF call frame information (.eh_frame
// and .debug_frame), Windows x64 exception data (.pdata/.xdata), x86
// frame pointer omission records, and Mach-O compact unwind encodings.
// All producers emit the same model: per function one entry holding
// the complete rule set at the entry address plus deltas with the
// rules that change further in.
package cfi

import (
	"fmt"

	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// Register name tables indexed by DWARF register number, per
// architecture, using the names the Breakpad processor knows.
var (
	regsX86 = []string{"$eax", "$ecx", "$edx", "$ebx", "$esp", "$ebp", "$esi", "$edi", "$eip"}

	regsAMD64 = []string{
		"$rax", "$rdx", "$rcx", "$rbx", "$rsi", "$rdi", "$rbp", "$rsp",
		"$r8", "$r9", "$r10", "$r11", "$r12", "$r13", "$r14", "$r15", "$rip",
	}

	regsARM = []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	}

	regsARM64 = []string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "x29", "x30", "sp", "pc",
	}
)

func registerNames(arch string) ([]string, error) {
	switch arch {
	case "x86":
		return regsX86, nil
	case "x86_64":
		return regsAMD64, nil
	case "arm":
		return regsARM, nil
	case "arm64":
		return regsARM64, nil
	}
	return nil, fmt.Errorf("no call frame register mapping for %v", arch)
}

// Rule kinds mirror what the text format can express. Registers whose
// recovery needs a DWARF expression are dropped from the output;
// a frame whose CFA needs one is dropped entirely.
type ruleKind uint8

const (
	ruleNone   ruleKind = iota // never mentioned: ABI default
	ruleUndef                  // explicitly unrecoverable
	ruleSame                   // register keeps its value
	ruleAtCFA                  // value stored at .cfa + offset
	ruleValCFA                 // value is .cfa + offset
	ruleReg                    // value lives in another register
)

type regRule struct {
	kind ruleKind
	off  int64
	reg  uint64
}

/// frameState is the unwind rule set at one address: the CFA
// computation plus one rule per tracked register.
type frameState struct {
	cfaReg uint64
	cfaOff int64
	cfaBad bool // CFA needs an expression: frame not representable
	regs   []regRule
	raReg  uint64
}

func newFrameState(numRegs int, raReg uint64) *frameState {
	return &frameState{
		cfaBad: true,
		regs:   make([]regRule, numRegs),
		raReg:  raReg,
	}
}

func (s *frameState) clone() *frameState {
	c := *s
	c.regs = append([]regRule(nil), s.regs...)
	return &c
}

// render produces the register->expression map for this state. The
// return address register renders as .ra, the CFA as .cfa. Registers
// with no expressible rule are absent.
func (s *frameState) render(names []string) map[string]string {
	rules := make(map[string]string)
	if s.cfaBad {
		return rules
	}
	rules[".cfa"] = fmt.Sprintf("%v %v +", names[s.cfaReg], s.cfaOff)
	for reg, rule := range s.regs {
		name := names[reg]
		if uint64(reg) == s.raReg {
			name = ".ra"
		}
		switch rule.kind {
		case ruleAtCFA:
			rules[name] = fmt.Sprintf(".cfa %v + ^", rule.off)
		case ruleValCFA:
			rules[name] = fmt.Sprintf(".cfa %v +", rule.off)
		case ruleReg:
			if rule.reg < uint64(len(names)) {
				rules[name] = names[rule.reg]
			}
		case ruleNone, ruleSame:
			// A return address that was never clobbered still sits in
			// its register, but only link-register machines can say
			// that; on x86 the untouched "register" would be the pc.
			if name == ".ra" && names[reg][0] != '$' {
				rules[name] = names[reg]
			}
		}
	}
	// An entry whose return address cannot be recovered is useless.
	if _, ok := rules[".ra"]; !ok {
		return map[string]string{}
	}
	return rules
}

func rulesDiff(prev, cur map[string]string) []symfile.CFIRule {
	var out []symfile.CFIRule
	for reg, expr := range cur {
		if prev[reg] != expr {
			out = append(out, symfile.CFIRule{Reg: reg, Expr: expr})
		}
	}
	for reg := range prev {
		if _, ok := cur[reg]; ok || reg == ".cfa" || reg == ".ra" {
			continue
		}
		// The rule went away: the register holds its own value again.
		// Without the re-affirmation a consumer walking rows in order
		// would keep applying the stale rule.
		out = append(out, symfile.CFIRule{Reg: reg, Expr: reg})
	}
	return out
}

func rulesList(cur map[string]string) []symfile.CFIRule {
	out := make([]symfile.CFIRule, 0, len(cur))
	for reg, expr := range cur {
		out = append(out, symfile.CFIRule{Reg: reg, Expr: expr})
	}
	return out
}
