// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// File is an opened PDB.
type File struct {
	GUID    uuid.UUID
	Age     uint32
	Machine uint16

	msf      *msf
	dbi      dbiInfo
	sections []Section
	names    []byte // the /names string table stream
	tpiCache *typeStream
	ipiCache *typeStream
}

// Section mirrors one IMAGE_SECTION_HEADER from the paired PE,
// recorded in the PDB so segment:offset pairs can be turned into RVAs.
type Section struct {
	Name string
	RVA  uint32
	Size uint32
}

type dbiInfo struct {
	symRecordStream uint16
	machine         uint16
	modules         []moduleInfo
	// Optional debug header stream indices, 0xffff when absent.
	fpoStream     uint16
	sectionStream uint16
}

type moduleInfo struct {
	name      string
	stream    uint16
	symSize   uint32
	c11Size   uint32
	c13Size   uint32
}

// Machine values of interest (IMAGE_FILE_MACHINE_*).
const (
	MachineI386  = 0x014c
	MachineAMD64 = 0x8664
	MachineARM   = 0x01c4 // ARMNT
	MachineARM64 = 0xaa64
)

// Open parses the MSF container and the PDB info and DBI streams.
// A PDB without a GUID is rejected, it cannot identify a module.
func Open(data []byte) (*File, error) {
	m, err := openMSF(data)
	if err != nil {
		return nil, err
	}
	f := &File{msf: m}
	if err := f.parseInfo(); err != nil {
		return nil, fmt.Errorf("PDB info stream: %w", err)
	}
	if err := f.parseDBI(); err != nil {
		return nil, fmt.Errorf("DBI stream: %w", err)
	}
	f.Machine = f.dbi.machine
	if err := f.parseSections(); err != nil {
		return nil, fmt.Errorf("section header stream: %w", err)
	}
	return f, nil
}

// DebugID renders the Breakpad module identifier: the GUID as
// uppercase hex in Microsoft field order followed by the age in
// lowercase hex.
func (f *File) DebugID() string {
	g := f.GUID
	return fmt.Sprintf("%08X%04X%04X%s%x",
		binary.BigEndian.Uint32(g[0:4]),
		binary.BigEndian.Uint16(g[4:6]),
		binary.BigEndian.Uint16(g[6:8]),
		strings.ToUpper(fmt.Sprintf("%x", g[8:16])),
		f.Age)
}

// Sections returns the PE section table recorded in the PDB.
func (f *File) Sections() []Section {
	return f.sections
}

// RVA converts a segment:offset pair into an image-relative address.
// Returns 0 for out-of-range segments; segment numbers are 1-based.
func (f *File) RVA(segment uint16, offset uint32) uint32 {
	if segment == 0 || int(segment) > len(f.sections) {
		return 0
	}
	return f.sections[segment-1].RVA + offset
}

func (f *File) parseInfo() error {
	stream, err := f.msf.stream(streamPDBInfo)
	if err != nil {
		return err
	}
	r := reader{data: stream}
	r.u32() // version
	r.u32() // signature
	f.Age = r.u32()
	raw := r.take(16)
	if r.err != nil {
		return r.err
	}
	// The GUID is stored in Microsoft order: the first three fields
	// little-endian. Normalize to big-endian RFC order.
	var g [16]byte
	copy(g[:], raw)
	g[0], g[1], g[2], g[3] = raw[3], raw[2], raw[1], raw[0]
	g[4], g[5] = raw[5], raw[4]
	g[6], g[7] = raw[7], raw[6]
	f.GUID = uuid.UUID(g)
	if f.GUID == (uuid.UUID{}) {
		return fmt.Errorf("PDB has no GUID")
	}
	// Named stream map: locate /names for C13 file name lookups.
	nameBytes := r.take(int(r.u32()))
	count := r.u32()
	r.u32() // capacity
	for i, n := 0, 2; i < n; i++ {
		// present and deleted bit vectors
		words := r.u32()
		r.skip(int(words) * 4)
	}
	for i := uint32(0); i < count; i++ {
		nameOff := r.u32()
		streamNum := r.u32()
		if r.err != nil {
			return r.err
		}
		if int(nameOff) >= len(nameBytes) {
			continue
		}
		name := nameBytes[nameOff:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		if string(name) == "/names" {
			f.names, _ = f.msf.stream(uint16(streamNum))
		}
	}
	return nil
}

// nameAt resolves an offset into the /names string table.
func (f *File) nameAt(off uint32) string {
	// Stream layout: u32 signature, u32 hash version, u32 byte size,
	// then the string buffer the offsets point into.
	const hdr = 12
	if f.names == nil || int(off)+hdr >= len(f.names) {
		return ""
	}
	s := f.names[hdr+int(off):]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s)
}

func (f *File) parseDBI() error {
	stream, err := f.msf.stream(streamDBI)
	if err != nil {
		return err
	}
	r := reader{data: stream}
	if sig := r.i32(); sig != -1 {
		return fmt.Errorf("bad DBI signature %v", sig)
	}
	r.u32() // header version
	r.u32() // age
	r.u16() // global symbol stream
	r.u16() // build number
	r.u16() // public symbol stream
	r.u16() // pdb dll version
	f.dbi.symRecordStream = r.u16()
	r.u16() // pdb dll rbld
	modInfoSize := r.i32()
	secContrSize := r.i32()
	secMapSize := r.i32()
	fileInfoSize := r.i32()
	tsMapSize := r.i32()
	r.u32() // MFC type server index
	dbgHdrSize := r.i32()
	ecSize := r.i32()
	r.u16() // flags
	f.dbi.machine = r.u16()
	r.u32() // padding
	if r.err != nil {
		return r.err
	}
	mods := reader{data: r.take(int(modInfoSize))}
	for !mods.done() {
		var mi moduleInfo
		mods.u32() // unused
		mods.skip(28) // section contribution
		mods.u16() // flags
		mi.stream = mods.u16()
		mi.symSize = mods.u32()
		mi.c11Size = mods.u32()
		mi.c13Size = mods.u32()
		mods.u16() // source file count
		mods.u16() // padding
		mods.u32() // unused
		mods.u32() // source file name index
		mods.u32() // pdb file path name index
		mi.name = mods.cstr()
		mods.cstr() // object file name
		mods.align(4)
		if mods.err != nil {
			break
		}
		f.dbi.modules = append(f.dbi.modules, mi)
	}
	// The optional debug header trails all other substreams.
	r.skip(int(secContrSize) + int(secMapSize) + int(fileInfoSize) +
		int(tsMapSize) + int(ecSize))
	f.dbi.fpoStream = 0xffff
	f.dbi.sectionStream = 0xffff
	if dbgHdrSize >= 22 && r.err == nil {
		dbg := reader{data: r.take(int(dbgHdrSize))}
		f.dbi.fpoStream = dbg.u16()
		dbg.u16() // exception
		dbg.u16() // fixup
		dbg.u16() // omap to src
		dbg.u16() // omap from src
		f.dbi.sectionStream = dbg.u16()
	}
	return nil
}

func (f *File) parseSections() error {
	stream, err := f.msf.stream(f.dbi.sectionStream)
	if err != nil {
		return nil // optional; RVA lookups will fail closed
	}
	// Raw IMAGE_SECTION_HEADER array, 40 bytes each.
	for r := (reader{data: stream}); r.left() >= 40; {
		name := r.take(8)
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		virtSize := r.u32()
		rva := r.u32()
		r.skip(24)
		if r.err != nil {
			return r.err
		}
		f.sections = append(f.sections, Section{
			Name: string(name),
			RVA:  rva,
			Size: virtSize,
		})
	}
	return nil
}

// FPORecordRaw is one FPO_DATA entry from the FPO debug stream,
// describing an x86 frame: counts are in their native units (dwords
// of locals, words of parameters).
type FPORecordRaw struct {
	Start    uint32
	Size     uint32
	Locals   uint32 // dwords
	Params   uint16 // words
	Prolog   uint8
	Regs     uint8 // saved register count
	HasSEH   bool
	UsesBP   bool
}

// FPORecords reads the classic FPO stream. Absent stream is not an
// error, most x86_64 PDBs have none.
func (f *File) FPORecords() []FPORecordRaw {
	stream, err := f.msf.stream(f.dbi.fpoStream)
	if err != nil {
		return nil
	}
	var recs []FPORecordRaw
	for r := (reader{data: stream}); r.left() >= 16; {
		var rec FPORecordRaw
		rec.Start = r.u32()
		rec.Size = r.u32()
		rec.Locals = r.u32()
		rec.Params = r.u16()
		rec.Prolog = r.u8()
		bits := r.u8()
		rec.Regs = bits & 7
		rec.HasSEH = bits&8 != 0
		rec.UsesBP = bits&16 != 0
		recs = append(recs, rec)
	}
	return recs
}
