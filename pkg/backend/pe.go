// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/breakpad-tools/dumpsyms/pkg/cfi"
	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

type peObject struct {
	name string
	data []byte
	file *pe.File
}

func openPE(name string, data []byte) (*peObject, error) {
	file, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}
	return &peObject{name: name, data: data, file: file}, nil
}

// Normalize produces the PE image's contribution: module identity
// (from the CodeView debug directory, matching the paired PDB's),
// exported symbols, x86_64 unwind CFI, placeholder functions for
// exception-table ranges and executable section coverage. Line and
// inline data comes from the PDB side of the pair.
func (o *peObject) Normalize(ctx context.Context, opts Options) (*symfile.Module, error) {
	mod := symfile.NewModule("windows", peArch(o.file.Machine))
	mod.SetPathMap(opts.PathMap)
	mod.Stripped = true
	mod.CodeFile = o.name

	var timestamp, sizeOfImage uint32
	timestamp = o.file.FileHeader.TimeDateStamp
	switch oh := o.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		sizeOfImage = oh.SizeOfImage
	case *pe.OptionalHeader64:
		sizeOfImage = oh.SizeOfImage
	default:
		return nil, fmt.Errorf("PE image has no optional header")
	}
	mod.CodeID = fmt.Sprintf("%X%x", timestamp, sizeOfImage)

	guid, age, pdbName, err := o.codeViewRecord()
	if err != nil {
		return nil, err
	}
	mod.DebugID = windowsDebugID(guid, age)
	mod.DebugFile = path.Base(strings.ReplaceAll(pdbName, `\`, "/"))

	o.addExports(mod)
	o.addCFI(mod)
	o.coverSections(mod)
	return mod, nil
}

// codeViewRecord digs the RSDS record out of the debug data
// directory: the PDB GUID, age and path the image was linked against.
func (o *peObject) codeViewRecord() (uuid.UUID, uint32, string, error) {
	const (
		debugDirEntry  = 6
		typeCodeView   = 2
		debugEntrySize = 28
	)
	var dir pe.DataDirectory
	switch oh := o.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dir = oh.DataDirectory[debugDirEntry]
	case *pe.OptionalHeader64:
		dir = oh.DataDirectory[debugDirEntry]
	}
	if dir.VirtualAddress == 0 || dir.Size < debugEntrySize {
		return uuid.UUID{}, 0, "", fmt.Errorf("PE image has no debug directory")
	}
	table := o.readRVA(dir.VirtualAddress, int(dir.Size))
	for pos := 0; pos+debugEntrySize <= len(table); pos += debugEntrySize {
		if binary.LittleEndian.Uint32(table[pos+12:]) != typeCodeView {
			continue
		}
		size := binary.LittleEndian.Uint32(table[pos+16:])
		rva := binary.LittleEndian.Uint32(table[pos+20:])
		raw := o.readRVA(rva, int(size))
		if len(raw) < 24 || string(raw[:4]) != "RSDS" {
			continue
		}
		// GUID in Microsoft field order, then age and the PDB path.
		var g [16]byte
		le := raw[4:20]
		g[0], g[1], g[2], g[3] = le[3], le[2], le[1], le[0]
		g[4], g[5] = le[5], le[4]
		g[6], g[7] = le[7], le[6]
		copy(g[8:], le[8:16])
		age := binary.LittleEndian.Uint32(raw[20:])
		name := raw[24:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		return uuid.UUID(g), age, string(name), nil
	}
	return uuid.UUID{}, 0, "", fmt.Errorf("PE image has no CodeView debug record")
}

// addExports reads the export directory; exported entry points become
// publics so stripped system DLLs still symbolize.
func (o *peObject) addExports(mod *symfile.Module) {
	var dir pe.DataDirectory
	switch oh := o.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dir = oh.DataDirectory[0]
	case *pe.OptionalHeader64:
		dir = oh.DataDirectory[0]
	}
	if dir.VirtualAddress == 0 || dir.Size < 40 {
		return
	}
	table := o.readRVA(dir.VirtualAddress, 40)
	if len(table) < 40 {
		return
	}
	numNames := binary.LittleEndian.Uint32(table[24:])
	funcsRVA := binary.LittleEndian.Uint32(table[28:])
	namesRVA := binary.LittleEndian.Uint32(table[32:])
	ordsRVA := binary.LittleEndian.Uint32(table[36:])
	names := o.readRVA(namesRVA, int(numNames)*4)
	ords := o.readRVA(ordsRVA, int(numNames)*2)
	var publics []symfile.Public
	for i := 0; i+4 <= len(names) && i/2 < len(ords); i += 4 {
		nameRVA := binary.LittleEndian.Uint32(names[i:])
		ord := binary.LittleEndian.Uint16(ords[i/2:])
		addr := o.readRVA(funcsRVA+uint32(ord)*4, 4)
		if len(addr) < 4 {
			continue
		}
		target := binary.LittleEndian.Uint32(addr)
		// Forwarder entries point back into the export directory.
		if target >= dir.VirtualAddress && target < dir.VirtualAddress+dir.Size {
			continue
		}
		raw := o.readRVA(nameRVA, 512)
		if end := bytes.IndexByte(raw, 0); end >= 0 {
			raw = raw[:end]
		}
		if len(raw) == 0 {
			continue
		}
		name, params := winPublicName(string(raw))
		publics = append(publics, symfile.Public{
			Addr:      uint64(target),
			Name:      name,
			Parameter: params,
		})
	}
	mod.AddPublics(publics)
}

func (o *peObject) addCFI(mod *symfile.Module) {
	if mod.Arch != "x86_64" {
		return
	}
	pdata := o.sectionByName(".pdata")
	if pdata == nil {
		return
	}
	entries, err := cfi.ParsePEUnwind(pdata, func(rva uint32, n int) ([]byte, error) {
		data := o.readRVA(rva, n)
		if len(data) < n {
			return nil, fmt.Errorf("rva %#x+%v outside image", rva, n)
		}
		return data, nil
	})
	if err != nil {
		log.Logf(0, "%v: .pdata: %v", o.name, err)
		return
	}
	var ranges []symfile.Range
	for _, e := range entries {
		mod.AddCFI(e)
		ranges = append(ranges, symfile.Range{Base: e.Init.Addr, Size: e.Init.Size})
	}
	// Exception-listed code the PDB knows nothing about stays
	// addressable through placeholder functions.
	mod.AddPlaceholders(ranges, "<unknown>")
}

func (o *peObject) coverSections(mod *symfile.Module) {
	const memExecute = 0x20000000
	for _, sec := range o.file.Sections {
		if sec.Characteristics&memExecute == 0 || sec.VirtualSize == 0 {
			continue
		}
		mod.CoverSection(
			symfile.Range{Base: uint64(sec.VirtualAddress), Size: uint64(sec.VirtualSize)},
			fmt.Sprintf("<%v PE section in %v>", sec.Name, mod.CodeFile))
	}
}

func (o *peObject) sectionByName(name string) []byte {
	for _, sec := range o.file.Sections {
		if sec.Name == name {
			data, err := sec.Data()
			if err != nil {
				log.Logf(1, "%v: reading section %v: %v", o.name, name, err)
				return nil
			}
			if sec.VirtualSize > 0 && uint64(sec.VirtualSize) < uint64(len(data)) {
				data = data[:sec.VirtualSize]
			}
			return data
		}
	}
	return nil
}

// readRVA reads image bytes by relative virtual address, clamped to
// what the file backs.
func (o *peObject) readRVA(rva uint32, n int) []byte {
	for _, sec := range o.file.Sections {
		if rva < sec.VirtualAddress || rva >= sec.VirtualAddress+sec.VirtualSize {
			continue
		}
		off := sec.Offset + (rva - sec.VirtualAddress)
		end := uint64(off) + uint64(n)
		if max := uint64(sec.Offset) + uint64(sec.Size); end > max {
			end = max
		}
		if uint64(off) >= uint64(len(o.data)) || end > uint64(len(o.data)) {
			return nil
		}
		return o.data[off:end]
	}
	return nil
}

func windowsDebugID(guid uuid.UUID, age uint32) string {
	return fmt.Sprintf("%08X%04X%04X%s%x",
		binary.BigEndian.Uint32(guid[0:4]),
		binary.BigEndian.Uint16(guid[4:6]),
		binary.BigEndian.Uint16(guid[6:8]),
		strings.ToUpper(fmt.Sprintf("%x", guid[8:16])),
		age)
}

func peArch(machine uint16) string {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "x86"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x86_64"
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return "arm"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "arm64"
	}
	return fmt.Sprintf("unknown-%#x", machine)
}
