// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pdb

import (
	"fmt"
)

// Type record kinds.
const (
	lfModifier  = 0x1001
	lfPointer   = 0x1002
	lfProcedure = 0x1008
	lfMFunction = 0x1009
	lfArgList   = 0x1201
	lfClass     = 0x1504
	lfStructure = 0x1505
	lfUnion     = 0x1506
	lfEnum      = 0x1507
	lfFuncID    = 0x1601
	lfMFuncID   = 0x1602
)

// typeStream is a parsed TPI or IPI stream: an index from type index
// to the raw record body (kind-prefixed).
type typeStream struct {
	begin   uint32
	records [][]byte
}

func (f *File) loadTypeStream(n uint16) (*typeStream, error) {
	stream, err := f.msf.stream(n)
	if err != nil {
		return nil, err
	}
	r := reader{data: stream}
	r.u32() // version
	hdrSize := r.u32()
	begin := r.u32()
	end := r.u32()
	recordBytes := r.u32()
	if r.err != nil || end < begin {
		return nil, fmt.Errorf("bad type stream header")
	}
	body := reader{data: stream}
	body.skip(int(hdrSize))
	body.data = body.data[:min(len(body.data), body.pos+int(recordBytes))]
	ts := &typeStream{begin: begin, records: make([][]byte, 0, end-begin)}
	for uint32(len(ts.records)) < end-begin && body.left() >= 4 {
		reclen := int(body.u16())
		if reclen < 2 || reclen > body.left() {
			return nil, fmt.Errorf("bad type record length %v", reclen)
		}
		ts.records = append(ts.records, body.take(reclen))
	}
	return ts, nil
}

func (ts *typeStream) record(index uint32) []byte {
	if index < ts.begin || index-ts.begin >= uint32(len(ts.records)) {
		return nil
	}
	return ts.records[index-ts.begin]
}

// ipi lazily loads the IPI stream, which names inlinees.
func (f *File) ipi() *typeStream {
	if f.ipiCache == nil {
		ts, err := f.loadTypeStream(streamIPI)
		if err != nil {
			ts = &typeStream{}
		}
		f.ipiCache = ts
	}
	return f.ipiCache
}

func (f *File) tpi() *typeStream {
	if f.tpiCache == nil {
		ts, err := f.loadTypeStream(streamTPI)
		if err != nil {
			ts = &typeStream{}
		}
		f.tpiCache = ts
	}
	return f.tpiCache
}

// InlineeName resolves an inlinee item id (LF_FUNC_ID/LF_MFUNC_ID in
// the IPI stream) to the function name.
func (f *File) InlineeName(id uint32) string {
	rec := f.ipi().record(id)
	if rec == nil {
		return ""
	}
	r := reader{data: rec}
	switch r.u16() {
	case lfFuncID:
		r.u32() // scope id
		r.u32() // type
		return r.cstr()
	case lfMFuncID:
		r.u32() // parent type
		r.u32() // type
		return r.cstr()
	}
	return ""
}

// ParameterSize computes the stack bytes a call to a procedure of the
// given type consumes: each argument's size rounded up to the
// architecture's stack slot width. Unknown types count as one slot.
// Returns 0 when the type cannot be resolved at all.
func (f *File) ParameterSize(procType uint32) int {
	ts := f.tpi()
	rec := ts.record(procType)
	if rec == nil {
		return 0
	}
	slot := 4
	if f.Machine == MachineAMD64 || f.Machine == MachineARM64 {
		slot = 8
	}
	r := reader{data: rec}
	var argList uint32
	var thisArgs int
	switch r.u16() {
	case lfProcedure:
		r.u32() // return type
		r.u8()  // calling convention
		r.u8()  // options
		r.u16() // parameter count
		argList = r.u32()
	case lfMFunction:
		r.u32() // return type
		r.u32() // class type
		thisType := r.u32()
		r.u8()  // calling convention
		r.u8()  // options
		r.u16() // parameter count
		argList = r.u32()
		if thisType != 0 {
			thisArgs = 1
		}
	default:
		return 0
	}
	if r.err != nil {
		return 0
	}
	args := ts.record(argList)
	if args == nil {
		return 0
	}
	ar := reader{data: args}
	if ar.u16() != lfArgList {
		return 0
	}
	count := int(ar.u32())
	total := thisArgs * slot
	for i := 0; i < count && ar.err == nil; i++ {
		size := ts.typeSize(ar.u32(), slot)
		if size < slot {
			size = slot
		} else if rem := size % slot; rem != 0 {
			size += slot - rem
		}
		total += size
	}
	return total
}

// typeSize gives the in-memory size of a type in bytes. ptrSize is
// used for pointers and unknown types.
func (ts *typeStream) typeSize(index uint32, ptrSize int) int {
	if index < ts.begin {
		return primitiveSize(index, ptrSize)
	}
	rec := ts.record(index)
	if rec == nil {
		return ptrSize
	}
	r := reader{data: rec}
	switch r.u16() {
	case lfPointer:
		return ptrSize
	case lfModifier:
		return ts.typeSize(r.u32(), ptrSize)
	case lfEnum:
		return 4
	case lfClass, lfStructure:
		r.u16() // element count
		r.u16() // properties
		r.u32() // field list
		r.u32() // derivation list
		r.u32() // vtable shape
		return numericLeaf(&r)
	case lfUnion:
		r.u16() // element count
		r.u16() // properties
		r.u32() // field list
		return numericLeaf(&r)
	}
	return ptrSize
}

// primitiveSize decodes the built-in CodeView type indices. The low
// byte selects the basic type, the mode bits 8-11 make it a pointer.
func primitiveSize(index uint32, ptrSize int) int {
	if index&0x700 != 0 { // pointer mode
		return ptrSize
	}
	switch index & 0xff {
	case 0x00, 0x03: // T_NOTYPE, T_VOID
		return 0
	case 0x10, 0x20, 0x68, 0x69, 0x70, 0x71, 0x1c, 0x2c: // 8-bit ints/chars
		return 1
	case 0x11, 0x21, 0x72, 0x73, 0x6a, 0x6b, 0x1d, 0x2d: // 16-bit
		return 2
	case 0x12, 0x22, 0x74, 0x75, 0x6c, 0x6d, 0x1e, 0x2e: // 32-bit
		return 4
	case 0x13, 0x23, 0x76, 0x77, 0x6e, 0x6f, 0x1f, 0x2f: // 64-bit
		return 8
	case 0x14, 0x24, 0x78, 0x79: // 128-bit
		return 16
	case 0x40: // float32
		return 4
	case 0x41: // float64
		return 8
	case 0x42: // float80
		return 10
	case 0x43, 0x4a: // float128
		return 16
	case 0x30: // bool8
		return 1
	case 0x31:
		return 2
	case 0x32:
		return 4
	case 0x33:
		return 8
	case 0x50, 0x51, 0x52: // complex
		return 8
	case 0x08: // HRESULT
		return 4
	}
	return ptrSize
}

// numericLeaf reads a CodeView numeric leaf: small values inline,
// larger ones tagged by an LF_* immediate kind.
func numericLeaf(r *reader) int {
	v := r.u16()
	if v < 0x8000 {
		return int(v)
	}
	switch v {
	case 0x8000: // LF_CHAR
		return int(int8(r.u8()))
	case 0x8001: // LF_SHORT
		return int(int16(r.u16()))
	case 0x8002: // LF_USHORT
		return int(r.u16())
	case 0x8003: // LF_LONG
		return int(r.i32())
	case 0x8004: // LF_ULONG
		return int(r.u32())
	case 0x8009: // LF_QUADWORD
		lo, hi := r.u32(), r.u32()
		return int(int64(uint64(hi)<<32 | uint64(lo)))
	case 0x800a: // LF_UQUADWORD
		lo, hi := r.u32(), r.u32()
		return int(uint64(hi)<<32 | uint64(lo))
	}
	return 0
}
