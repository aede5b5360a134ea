// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/breakpad-tools/dumpsyms/pkg/cfi"
	"github.com/breakpad-tools/dumpsyms/pkg/demangle"
	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

type elfObject struct {
	name string
	file *elf.File
}

func openELF(name string, data []byte) (*elfObject, error) {
	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}
	return &elfObject{name: name, file: file}, nil
}

func (o *elfObject) Normalize(ctx context.Context, opts Options) (*symfile.Module, error) {
	mod := symfile.NewModule("Linux", elfArch(o.file.Machine))
	mod.SetPathMap(opts.PathMap)
	mod.DebugFile = o.name

	buildID := o.buildID()
	if buildID == nil {
		buildID = o.fallbackID()
		log.Logf(1, "%v: no GNU build id note, hashed .text instead", o.name)
	}
	if buildID == nil {
		return nil, fmt.Errorf("no build id and no .text to derive one from")
	}
	mod.DebugID = breakpadID(buildID)
	mod.CodeID = hex.EncodeToString(buildID)

	bias := o.loadBias()
	haveDebug := false
	if dw, err := o.file.DWARF(); err == nil {
		if err := walkDWARF(ctx, dw, mod, bias, opts); err != nil {
			log.Logf(0, "%v: DWARF walk failed: %v", o.name, err)
		} else {
			haveDebug = true
		}
	} else if stab := o.section(".stab"); stab != nil {
		stabstr := o.section(".stabstr")
		if stabstr != nil {
			if err := parseStabs(stab, stabstr, bias, mod); err != nil {
				log.Logf(0, "%v: STABS parse failed: %v", o.name, err)
			} else {
				haveDebug = true
			}
		}
	}
	mod.Stripped = !haveDebug

	o.addSymbols(o.file, bias, mod)
	o.addMiniDebugInfo(bias, mod)
	o.addCFI(bias, mod)
	o.coverSections(bias, mod)
	return mod, nil
}

// addSymbols turns symbol table entries into functions (sized
// STT_FUNC) and publics (zero-sized). The model's richer-wins rules
// sort out overlap with DWARF-derived functions.
func (o *elfObject) addSymbols(file *elf.File, bias uint64, mod *symfile.Module) {
	var publics []symfile.Public
	for _, source := range [](func() ([]elf.Symbol, error)){file.Symbols, file.DynamicSymbols} {
		syms, err := source()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Name == "" || sym.Value < bias {
				continue
			}
			name := demangle.Resolve(sym.Name)
			if sym.Size > 0 {
				mod.AddFunction(symfile.Function{
					Range: symfile.Range{Base: sym.Value - bias, Size: sym.Size},
					Name:  name,
				})
			} else {
				publics = append(publics, symfile.Public{Addr: sym.Value - bias, Name: name})
			}
		}
	}
	mod.AddPublics(publics)
}

// addMiniDebugInfo recovers the xz-compressed supplementary symbol
// table some distributions tuck into stripped binaries.
func (o *elfObject) addMiniDebugInfo(bias uint64, mod *symfile.Module) {
	data := o.section(".gnu_debugdata")
	if data == nil {
		return
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		log.Logf(1, "%v: bad .gnu_debugdata: %v", o.name, err)
		return
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		log.Logf(1, "%v: decompressing .gnu_debugdata: %v", o.name, err)
		return
	}
	embedded, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		log.Logf(1, "%v: embedded MiniDebugInfo image: %v", o.name, err)
		return
	}
	o.addSymbols(embedded, bias, mod)
}

func (o *elfObject) addCFI(bias uint64, mod *symfile.Module) {
	for _, sec := range o.file.Sections {
		var entries []symfile.CFIEntry
		var err error
		switch sec.Name {
		case ".eh_frame":
			data := o.sectionData(sec)
			entries, err = cfi.ParseEHFrame(mod.Arch, data, sec.Addr, bias)
		case ".debug_frame":
			data := o.sectionData(sec)
			entries, err = cfi.ParseDebugFrame(mod.Arch, data, sec.Addr, bias)
		default:
			continue
		}
		if err != nil {
			log.Logf(0, "%v: %v: %v", o.name, sec.Name, err)
			continue
		}
		for _, e := range entries {
			mod.AddCFI(e)
		}
	}
}

// coverSections guarantees every executable section is claimed by
// some symbol, with the section-name placeholder convention.
func (o *elfObject) coverSections(bias uint64, mod *symfile.Module) {
	const execFlags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	for _, sec := range o.file.Sections {
		if sec.Flags&execFlags != execFlags || sec.Size == 0 || sec.Addr < bias {
			continue
		}
		mod.CoverSection(
			symfile.Range{Base: sec.Addr - bias, Size: sec.Size},
			fmt.Sprintf("<%v ELF section in %v>", sec.Name, mod.DebugFile))
	}
}

func (o *elfObject) section(name string) []byte {
	for _, sec := range o.file.Sections {
		if sec.Name == name {
			return o.sectionData(sec)
		}
	}
	return nil
}

func (o *elfObject) sectionData(sec *elf.Section) []byte {
	data, err := sec.Data()
	if err != nil {
		log.Logf(1, "%v: reading section %v: %v", o.name, sec.Name, err)
		return nil
	}
	return data
}

// loadBias is the lowest PT_LOAD virtual address; emitted addresses
// are relative to it.
func (o *elfObject) loadBias() uint64 {
	bias := uint64(0)
	found := false
	for _, prog := range o.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !found || prog.Vaddr < bias {
			bias = prog.Vaddr
			found = true
		}
	}
	return bias
}

// buildID finds the GNU build id note.
func (o *elfObject) buildID() []byte {
	for _, sec := range o.file.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data := o.sectionData(sec)
		for len(data) >= 12 {
			nameSize := binary.LittleEndian.Uint32(data)
			descSize := binary.LittleEndian.Uint32(data[4:])
			noteType := binary.LittleEndian.Uint32(data[8:])
			nameEnd := 12 + align4(nameSize)
			descEnd := nameEnd + align4(descSize)
			if uint64(descEnd) > uint64(len(data)) {
				break
			}
			// NT_GNU_BUILD_ID in a "GNU" note.
			if noteType == 3 && nameSize == 4 && string(data[12:15]) == "GNU" {
				return data[nameEnd : nameEnd+int(descSize)]
			}
			data = data[descEnd:]
		}
	}
	return nil
}

func align4(n uint32) int {
	return int((n + 3) &^ 3)
}

// fallbackID folds the first page of .text into a 16-byte identifier
// so even unstamped binaries get a stable, non-zero debug id.
func (o *elfObject) fallbackID() []byte {
	text := o.section(".text")
	if len(text) == 0 {
		return nil
	}
	if len(text) > 4096 {
		text = text[:4096]
	}
	id := make([]byte, 16)
	for i, b := range text {
		id[i%16] ^= b
	}
	return id
}

// breakpadID converts an identifier byte string into the 33-character
// module id: the first 16 bytes laid out as a little-endian GUID
// (first three fields byte-swapped), zero age.
func breakpadID(id []byte) string {
	var g [16]byte
	copy(g[:], id)
	return fmt.Sprintf("%08X%04X%04X%s0",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		strings.ToUpper(hex.EncodeToString(g[8:16])))
}

func elfArch(machine elf.Machine) string {
	switch machine {
	case elf.EM_386:
		return "x86"
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_MIPS:
		return "mips"
	case elf.EM_PPC64:
		return "ppc64"
	case elf.EM_RISCV:
		return "riscv64"
	}
	return strings.ToLower(strings.TrimPrefix(machine.String(), "EM_"))
}
