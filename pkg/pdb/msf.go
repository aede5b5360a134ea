// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package pdb decodes Microsoft PDB debug files: the MSF container,
// the PDB info and DBI streams, CodeView symbol records, C13 line
// info and the TPI/IPI type streams. It decodes just enough to
// produce symbol file records (procedures, publics, lines, inline
// sites, stack parameter sizes), not full type information.
package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// msfMagic opens every MSF 7.0 file.
var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// The MSF fixed stream indices.
const (
	streamPDBInfo = 1
	streamTPI     = 2
	streamDBI     = 3
	streamIPI     = 4
)

// msf is the multi-stream container: a paged file whose directory
// maps stream numbers to page lists. Streams are materialized eagerly,
// PDBs this package deals with are small compared to the binaries
// they describe.
type msf struct {
	pageSize uint32
	streams  [][]byte
}

func openMSF(data []byte) (*msf, error) {
	if len(data) < len(msfMagic)+24 || !bytes.Equal(data[:len(msfMagic)], msfMagic) {
		return nil, fmt.Errorf("not an MSF 7.0 file")
	}
	hdr := data[len(msfMagic):]
	pageSize := binary.LittleEndian.Uint32(hdr[0:])
	numPages := binary.LittleEndian.Uint32(hdr[8:])
	dirSize := binary.LittleEndian.Uint32(hdr[12:])
	dirMapPage := binary.LittleEndian.Uint32(hdr[20:])
	switch pageSize {
	case 512, 1024, 2048, 4096, 8192:
	default:
		return nil, fmt.Errorf("bad MSF page size %v", pageSize)
	}
	if uint64(numPages)*uint64(pageSize) > uint64(len(data)) {
		return nil, fmt.Errorf("MSF claims %v pages of %v bytes, file has %v",
			numPages, pageSize, len(data))
	}
	m := &msf{pageSize: pageSize}
	page := func(n uint32) ([]byte, error) {
		off := uint64(n) * uint64(pageSize)
		if n >= numPages || off+uint64(pageSize) > uint64(len(data)) {
			return nil, fmt.Errorf("MSF page %v out of range", n)
		}
		return data[off : off+uint64(pageSize)], nil
	}
	// The header points at a page listing the directory's pages.
	dirPages := pagesFor(dirSize, pageSize)
	dirMap, err := page(dirMapPage)
	if err != nil {
		return nil, err
	}
	if uint64(dirPages)*4 > uint64(len(dirMap)) {
		return nil, fmt.Errorf("MSF directory spans %v pages, map page holds %v entries",
			dirPages, len(dirMap)/4)
	}
	dir := make([]byte, 0, dirPages*pageSize)
	for i := uint32(0); i < dirPages; i++ {
		p, err := page(binary.LittleEndian.Uint32(dirMap[i*4:]))
		if err != nil {
			return nil, err
		}
		dir = append(dir, p...)
	}
	dir = dir[:dirSize]
	// Directory: stream count, stream sizes, then page lists.
	r := reader{data: dir}
	numStreams := r.u32()
	sizes := make([]uint32, numStreams)
	for i := range sizes {
		sizes[i] = r.u32()
	}
	m.streams = make([][]byte, numStreams)
	for i, size := range sizes {
		if size == 0xffffffff { // absent stream
			continue
		}
		stream := make([]byte, 0, size)
		for j := uint32(0); j < pagesFor(size, pageSize); j++ {
			p, err := page(r.u32())
			if err != nil {
				return nil, err
			}
			stream = append(stream, p...)
		}
		if r.err != nil {
			return nil, fmt.Errorf("truncated MSF directory: %w", r.err)
		}
		m.streams[i] = stream[:size]
	}
	return m, nil
}

func pagesFor(size, pageSize uint32) uint32 {
	return (size + pageSize - 1) / pageSize
}

func (m *msf) stream(n uint16) ([]byte, error) {
	if n == 0xffff || int(n) >= len(m.streams) || m.streams[n] == nil {
		return nil, fmt.Errorf("no MSF stream %v", n)
	}
	return m.streams[n], nil
}

// reader is a little-endian cursor over one stream. The first error
// sticks, subsequent reads return zero values.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil || r.pos+n > len(r.data) || n < 0 {
		if r.err == nil {
			r.err = fmt.Errorf("read of %v bytes at offset %v past end %v", n, r.pos, len(r.data))
		}
		return make([]byte, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) skip(n int)   { r.take(n) }
func (r *reader) u8() uint8    { return r.take(1)[0] }
func (r *reader) u16() uint16  { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32  { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) left() int    { return len(r.data) - r.pos }
func (r *reader) done() bool   { return r.err != nil || r.pos >= len(r.data) }
func (r *reader) align(n int) {
	if rem := r.pos % n; rem != 0 {
		r.skip(n - rem)
	}
}

// cstr reads a NUL-terminated string.
func (r *reader) cstr() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		r.err = fmt.Errorf("unterminated string at offset %v", r.pos)
		return ""
	}
	s := string(r.data[r.pos : r.pos+end])
	r.pos += end + 1
	return s
}
