// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// DWARF call frame instruction opcodes. The high two bits select the
// primary opcodes that carry an operand in the low six.
const (
	cfaAdvanceLoc = 0x40
	cfaOffset     = 0x80
	cfaRestore    = 0xc0
	opcodeMask    = 0xc0
	operandMask   = 0x3f

	cfaNop              = 0x00
	cfaSetLoc           = 0x01
	cfaAdvanceLoc1      = 0x02
	cfaAdvanceLoc2      = 0x03
	cfaAdvanceLoc4      = 0x04
	cfaOffsetExtended   = 0x05
	cfaRestoreExtended  = 0x06
	cfaUndefined        = 0x07
	cfaSameValue        = 0x08
	cfaRegister         = 0x09
	cfaRememberState    = 0x0a
	cfaRestoreState     = 0x0b
	cfaDefCfa           = 0x0c
	cfaDefCfaRegister   = 0x0d
	cfaDefCfaOffset     = 0x0e
	cfaDefCfaExpression = 0x0f
	cfaExpression       = 0x10
	cfaOffsetExtendedSf = 0x11
	cfaDefCfaSf         = 0x12
	cfaDefCfaOffsetSf   = 0x13
	cfaValOffset        = 0x14
	cfaValOffsetSf      = 0x15
	cfaValExpression    = 0x16
	cfaGNUArgsSize      = 0x2e
	cfaGNUNegOffsetExt  = 0x2f
)

// Pointer encodings used by .eh_frame (LSB spec).
const (
	encOmit     = 0xff
	encFormat   = 0x0f
	encAbsPtr   = 0x00
	encULEB     = 0x01
	encUData2   = 0x02
	encUData4   = 0x03
	encUData8   = 0x04
	encSigned   = 0x08
	encAppl     = 0x70
	encPCRel    = 0x10
	encIndirect = 0x80
)

var errTruncated = errors.New("truncated call frame data")

// frameReader latches the first error and pins the position to the
// end so parse loops always terminate.
type frameReader struct {
	data []byte
	pos  int
	addr uint64 // virtual address of data[0]
	err  error
}

func (r *frameReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.pos = len(r.data)
}

func (r *frameReader) take(n int) []byte {
	if len(r.data)-r.pos < n {
		r.fail(errTruncated)
		return make([]byte, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *frameReader) u8() uint8   { return r.take(1)[0] }
func (r *frameReader) u16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *frameReader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *frameReader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *frameReader) uleb() uint64 {
	var v uint64
	for shift := 0; ; shift += 7 {
		b := r.u8()
		if shift < 64 {
			v |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return v
		}
	}
}

func (r *frameReader) sleb() int64 {
	var v uint64
	shift := 0
	for {
		b := r.u8()
		if shift < 64 {
			v |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= ^uint64(0) << shift
			}
			return int64(v)
		}
	}
}

func (r *frameReader) str() string {
	start := r.pos
	for r.pos < len(r.data) {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++
			return s
		}
		r.pos++
	}
	r.fail(errTruncated)
	return ""
}

// ptr reads an encoded pointer. ptrSize applies to the absptr format.
func (r *frameReader) ptr(enc byte, ptrSize int) uint64 {
	if enc == encOmit {
		return 0
	}
	if enc&encIndirect != 0 {
		r.fail(fmt.Errorf("indirect pointer encoding %#x", enc))
		return 0
	}
	var base uint64
	switch enc & encAppl {
	case 0:
	case encPCRel:
		base = r.addr + uint64(r.pos)
	default:
		r.fail(fmt.Errorf("unsupported pointer application %#x", enc))
		return 0
	}
	return base + r.ptrValue(enc, ptrSize)
}

// ptrValue reads just the format part of an encoded pointer, with no
// base applied; FDE address ranges are encoded this way.
func (r *frameReader) ptrValue(enc byte, ptrSize int) uint64 {
	format := enc & encFormat
	switch format &^ encSigned {
	case encAbsPtr:
		if ptrSize == 4 {
			if format&encSigned != 0 {
				return uint64(int64(int32(r.u32())))
			}
			return uint64(r.u32())
		}
		return r.u64()
	case encULEB:
		if format&encSigned != 0 {
			return uint64(r.sleb())
		}
		return r.uleb()
	case encUData2:
		if format&encSigned != 0 {
			return uint64(int64(int16(r.u16())))
		}
		return uint64(r.u16())
	case encUData4:
		if format&encSigned != 0 {
			return uint64(int64(int32(r.u32())))
		}
		return uint64(r.u32())
	case encUData8:
		return r.u64()
	}
	r.fail(fmt.Errorf("unsupported pointer format %#x", enc))
	return 0
}

type cieInfo struct {
	codeAlign uint64
	dataAlign int64
	raReg     uint64
	fdeEnc    byte
	hasAug    bool
	initial   []byte
}

// ParseEHFrame translates the .eh_frame section at virtual address
// addr into STACK CFI entries. Entry addresses are rebased by bias to
// be module-relative.
func ParseEHFrame(arch string, data []byte, addr, bias uint64) ([]symfile.CFIEntry, error) {
	return parseFrames(arch, data, addr, bias, true)
}

// ParseDebugFrame does the same for the .debug_frame section.
func ParseDebugFrame(arch string, data []byte, addr, bias uint64) ([]symfile.CFIEntry, error) {
	return parseFrames(arch, data, addr, bias, false)
}

func parseFrames(arch string, data []byte, addr, bias uint64, eh bool) ([]symfile.CFIEntry, error) {
	names, err := registerNames(arch)
	if err != nil {
		return nil, err
	}
	ptrSize := 8
	if arch == "x86" || arch == "arm" {
		ptrSize = 4
	}
	var entries []symfile.CFIEntry
	cies := make(map[int]*cieInfo)
	badCies := 0
	badFdes := 0
	r := &frameReader{data: data, addr: addr}
	for r.pos < len(data) && r.err == nil {
		start := r.pos
		length := uint64(r.u32())
		is64 := false
		if length == 0xffffffff {
			length = r.u64()
			is64 = true
		}
		if length == 0 {
			break // explicit terminator
		}
		end := r.pos + int(length)
		if length > uint64(len(data)) || end > len(data) {
			log.Logf(1, "call frame data truncated at %#x", start)
			break
		}
		idPos := r.pos
		var id uint64
		if is64 {
			id = r.u64()
		} else {
			id = uint64(r.u32())
		}
		if isCIE(id, is64, eh) {
			ci, err := parseCIE(r, end, ptrSize)
			if err != nil {
				badCies++
				log.Logf(2, "skipping CIE at %#x: %v", start, err)
			} else {
				cies[start] = ci
			}
		} else {
			ciePos := int(id)
			if eh {
				ciePos = idPos - int(id)
			}
			ci := cies[ciePos]
			if ci == nil {
				badFdes++
			} else if entry, ok := runFDE(r, end, ci, names, ptrSize, bias); ok {
				entries = append(entries, entry)
			} else {
				badFdes++
			}
		}
		if r.err != nil {
			log.Logf(1, "call frame parse stopped at %#x: %v", start, r.err)
			break
		}
		r.pos = end
	}
	if badCies > 0 || badFdes > 0 {
		log.Logf(1, "dropped %v CIEs and %v FDEs with unsupported unwind rules", badCies, badFdes)
	}
	return entries, nil
}

func isCIE(id uint64, is64, eh bool) bool {
	if eh {
		return id == 0
	}
	if is64 {
		return id == ^uint64(0)
	}
	return id == 0xffffffff
}

func parseCIE(r *frameReader, end int, ptrSize int) (*cieInfo, error) {
	version := r.u8()
	switch version {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("unsupported CIE version %v", version)
	}
	aug := r.str()
	if aug != "" && aug[0] != 'z' {
		return nil, fmt.Errorf("unsupported augmentation %q", aug)
	}
	if version == 4 {
		if addrSize := r.u8(); int(addrSize) != ptrSize {
			return nil, fmt.Errorf("unexpected address size %v", addrSize)
		}
		if segSize := r.u8(); segSize != 0 {
			return nil, fmt.Errorf("segmented CIE")
		}
	}
	ci := &cieInfo{
		codeAlign: r.uleb(),
		fdeEnc:    encAbsPtr,
	}
	ci.dataAlign = r.sleb()
	if version == 1 {
		ci.raReg = uint64(r.u8())
	} else {
		ci.raReg = r.uleb()
	}
	if aug != "" {
		ci.hasAug = true
		augLen := r.uleb()
		augEnd := r.pos + int(augLen)
		if augEnd > end {
			return nil, errTruncated
		}
		for _, c := range aug[1:] {
			switch c {
			case 'R':
				ci.fdeEnc = r.u8()
			case 'P':
				enc := r.u8()
				r.ptr(enc, ptrSize)
			case 'L':
				r.u8()
			case 'S', 'B':
				// Signal frames and pointer-auth frames unwind the
				// same way for our purposes.
			default:
				// Unknown letter: the length prefix still tells us
				// where the data ends.
			}
		}
		if r.err != nil {
			return nil, r.err
		}
		r.pos = augEnd
	}
	if ci.raReg > 128 {
		return nil, fmt.Errorf("implausible return address register %v", ci.raReg)
	}
	ci.initial = r.data[r.pos:end]
	return ci, nil
}

// row is the rule set in effect from loc to the next row.
type row struct {
	loc   uint64
	rules map[string]string
}

func runFDE(r *frameReader, end int, ci *cieInfo, names []string, ptrSize int,
	bias uint64) (symfile.CFIEntry, bool) {
	initLoc := r.ptr(ci.fdeEnc, ptrSize)
	rangeSize := r.ptrValue(ci.fdeEnc, ptrSize)
	if ci.hasAug {
		augLen := r.uleb()
		r.take(int(augLen))
	}
	if r.err != nil || r.pos > end {
		return symfile.CFIEntry{}, false
	}
	instrAddr := r.addr + uint64(r.pos)
	instr := r.data[r.pos:end]
	if initLoc < bias || rangeSize == 0 {
		return symfile.CFIEntry{}, false
	}

	vm := &frameVM{
		cie:     ci,
		names:   names,
		ptrSize: ptrSize,
		state:   newFrameState(len(names), ci.raReg),
		loc:     initLoc,
		start:   initLoc,
		limit:   initLoc + rangeSize,
	}
	if err := vm.run(ci.initial, 0); err != nil {
		return symfile.CFIEntry{}, false
	}
	vm.initial = vm.state.clone()
	if err := vm.run(instr, instrAddr); err != nil {
		return symfile.CFIEntry{}, false
	}
	rows := append(vm.rows, row{loc: vm.loc, rules: vm.state.render(names)})

	if len(rows[0].rules) == 0 {
		return symfile.CFIEntry{}, false
	}
	entry := symfile.CFIEntry{
		Init: symfile.CFIRecord{
			Addr:  initLoc - bias,
			Size:  rangeSize,
			Rules: rulesList(rows[0].rules),
		},
	}
	prev := rows[0].rules
	for _, cur := range rows[1:] {
		if cur.loc <= vm.start {
			continue
		}
		if cur.loc >= vm.limit {
			break
		}
		if len(cur.rules) == 0 {
			// The frame became unrepresentable mid-function; better
			// to stop than emit rules that lie.
			break
		}
		diff := rulesDiff(prev, cur.rules)
		if len(diff) > 0 {
			entry.Deltas = append(entry.Deltas, symfile.CFIRecord{
				Addr:  cur.loc - bias,
				Rules: diff,
			})
		}
		prev = cur.rules
	}
	return entry, true
}

// frameVM executes call frame instructions, recording a rule row at
// every location advance.
type frameVM struct {
	cie     *cieInfo
	names   []string
	ptrSize int
	state   *frameState
	initial *frameState
	stack   []*frameState
	rows    []row
	loc     uint64
	start   uint64
	limit   uint64
}

func (vm *frameVM) advance(newLoc uint64) {
	if newLoc == vm.loc {
		return
	}
	rules := vm.state.render(vm.names)
	if n := len(vm.rows); n > 0 && vm.rows[n-1].loc == vm.loc {
		vm.rows[n-1].rules = rules
	} else {
		vm.rows = append(vm.rows, row{loc: vm.loc, rules: rules})
	}
	vm.loc = newLoc
}

func (vm *frameVM) setReg(reg uint64, rule regRule) {
	if reg < uint64(len(vm.state.regs)) {
		vm.state.regs[reg] = rule
	}
	// Registers beyond the name table (vector and FP state) cannot
	// appear in the output; their rules are irrelevant.
}

func (vm *frameVM) run(instr []byte, instrAddr uint64) error {
	r := &frameReader{data: instr, addr: instrAddr}
	st := vm.state
	for r.pos < len(instr) && r.err == nil {
		op := r.u8()
		switch op & opcodeMask {
		case cfaAdvanceLoc:
			vm.advance(vm.loc + uint64(op&operandMask)*vm.cie.codeAlign)
			continue
		case cfaOffset:
			off := int64(r.uleb()) * vm.cie.dataAlign
			vm.setReg(uint64(op&operandMask), regRule{kind: ruleAtCFA, off: off})
			continue
		case cfaRestore:
			vm.restore(uint64(op & operandMask))
			continue
		}
		switch op {
		case cfaNop:
		case cfaSetLoc:
			vm.advance(r.ptr(vm.cie.fdeEnc, vm.ptrSize))
		case cfaAdvanceLoc1:
			vm.advance(vm.loc + uint64(r.u8())*vm.cie.codeAlign)
		case cfaAdvanceLoc2:
			vm.advance(vm.loc + uint64(r.u16())*vm.cie.codeAlign)
		case cfaAdvanceLoc4:
			vm.advance(vm.loc + uint64(r.u32())*vm.cie.codeAlign)
		case cfaOffsetExtended:
			reg := r.uleb()
			vm.setReg(reg, regRule{kind: ruleAtCFA, off: int64(r.uleb()) * vm.cie.dataAlign})
		case cfaRestoreExtended:
			vm.restore(r.uleb())
		case cfaUndefined:
			vm.setReg(r.uleb(), regRule{kind: ruleUndef})
		case cfaSameValue:
			vm.setReg(r.uleb(), regRule{kind: ruleSame})
		case cfaRegister:
			reg := r.uleb()
			vm.setReg(reg, regRule{kind: ruleReg, reg: r.uleb()})
		case cfaRememberState:
			vm.stack = append(vm.stack, st.clone())
		case cfaRestoreState:
			if len(vm.stack) == 0 {
				return fmt.Errorf("restore_state on empty stack")
			}
			*st = *vm.stack[len(vm.stack)-1]
			vm.stack = vm.stack[:len(vm.stack)-1]
		case cfaDefCfa:
			st.cfaReg = r.uleb()
			st.cfaOff = int64(r.uleb())
			st.cfaBad = st.cfaReg >= uint64(len(vm.names))
		case cfaDefCfaRegister:
			st.cfaReg = r.uleb()
			st.cfaBad = st.cfaBad || st.cfaReg >= uint64(len(vm.names))
		case cfaDefCfaOffset:
			st.cfaOff = int64(r.uleb())
		case cfaDefCfaSf:
			st.cfaReg = r.uleb()
			st.cfaOff = r.sleb() * vm.cie.dataAlign
			st.cfaBad = st.cfaReg >= uint64(len(vm.names))
		case cfaDefCfaOffsetSf:
			st.cfaOff = r.sleb() * vm.cie.dataAlign
		case cfaDefCfaExpression:
			st.cfaBad = true
			r.take(int(r.uleb()))
		case cfaExpression, cfaValExpression:
			reg := r.uleb()
			r.take(int(r.uleb()))
			vm.setReg(reg, regRule{kind: ruleUndef})
		case cfaOffsetExtendedSf:
			reg := r.uleb()
			vm.setReg(reg, regRule{kind: ruleAtCFA, off: r.sleb() * vm.cie.dataAlign})
		case cfaValOffset:
			reg := r.uleb()
			vm.setReg(reg, regRule{kind: ruleValCFA, off: int64(r.uleb()) * vm.cie.dataAlign})
		case cfaValOffsetSf:
			reg := r.uleb()
			vm.setReg(reg, regRule{kind: ruleValCFA, off: r.sleb() * vm.cie.dataAlign})
		case cfaGNUArgsSize:
			r.uleb()
		case cfaGNUNegOffsetExt:
			reg := r.uleb()
			vm.setReg(reg, regRule{kind: ruleAtCFA, off: -(int64(r.uleb()) * vm.cie.dataAlign)})
		default:
			return fmt.Errorf("unsupported call frame opcode %#x", op)
		}
	}
	return r.err
}

func (vm *frameVM) restore(reg uint64) {
	if vm.initial == nil {
		return
	}
	if reg < uint64(len(vm.initial.regs)) {
		vm.setReg(reg, vm.initial.regs[reg])
	}
}
