// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage is a fake PE address space: unwind info is written at
// chosen RVAs and served back through the readAt callback.
type testImage []byte

func (img testImage) readAt(rva uint32, n int) ([]byte, error) {
	if int(rva)+n > len(img) {
		return nil, fmt.Errorf("rva %#x out of image", rva)
	}
	return img[rva : int(rva)+n], nil
}

func putRuntimeFunc(pdata []byte, begin, end, info uint32) []byte {
	pdata = binary.LittleEndian.AppendUint32(pdata, begin)
	pdata = binary.LittleEndian.AppendUint32(pdata, end)
	return binary.LittleEndian.AppendUint32(pdata, info)
}

func TestParsePEUnwind(t *testing.T) {
	img := make(testImage, 0x3000)
	// push rbp; push rbx; sub rsp,32; lea rbp,[rsp] expressed as
	// unwind codes, innermost first.
	copy(img[0x2000:], []byte{
		0x01, 0x07, 0x04, 0x05, // v1, prolog 7, 4 slots, frame reg rbp off 0
		0x07, 0x03, // offset 7: set_fpreg
		0x04, 0x32, // offset 4: alloc_small 32
		0x03, 0x30, // offset 3: push rbx
		0x01, 0x50, // offset 1: push rbp
	})
	pdata := putRuntimeFunc(nil, 0x1000, 0x1050, 0x2000)

	entries, err := ParsePEUnwind(pdata, img.readAt)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, uint64(0x1000), e.Init.Addr)
	assert.Equal(t, uint64(0x50), e.Init.Size)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 8 +",
		".ra":  ".cfa -8 + ^",
	}, ruleSet(e.Init.Rules))

	require.Len(t, e.Deltas, 4)
	assert.Equal(t, uint64(0x1001), e.Deltas[0].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 16 +",
		"$rbp": ".cfa -16 + ^",
	}, ruleSet(e.Deltas[0].Rules))
	assert.Equal(t, uint64(0x1003), e.Deltas[1].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 24 +",
		"$rbx": ".cfa -24 + ^",
	}, ruleSet(e.Deltas[1].Rules))
	assert.Equal(t, uint64(0x1004), e.Deltas[2].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 56 +",
	}, ruleSet(e.Deltas[2].Rules))
	assert.Equal(t, uint64(0x1007), e.Deltas[3].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rbp 56 +",
	}, ruleSet(e.Deltas[3].Rules))
}

func TestParsePEUnwindChained(t *testing.T) {
	img := make(testImage, 0x3000)
	copy(img[0x2000:], []byte{
		0x01, 0x07, 0x04, 0x05,
		0x07, 0x03,
		0x04, 0x32,
		0x03, 0x30,
		0x01, 0x50,
	})
	// The chunk's unwind info has no codes of its own and chains to
	// the parent's RUNTIME_FUNCTION.
	copy(img[0x2020:], []byte{0x21, 0x00, 0x00, 0x00})
	chain := putRuntimeFunc(nil, 0x1000, 0x1050, 0x2000)
	copy(img[0x2024:], chain)

	pdata := putRuntimeFunc(nil, 0x1000, 0x1050, 0x2000)
	pdata = putRuntimeFunc(pdata, 0x1050, 0x1080, 0x2020)

	entries, err := ParsePEUnwind(pdata, img.readAt)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// The chunk inherits the parent's fully established frame.
	e := entries[1]
	assert.Equal(t, uint64(0x1050), e.Init.Addr)
	assert.Equal(t, uint64(0x30), e.Init.Size)
	assert.Equal(t, map[string]string{
		".cfa": "$rbp 56 +",
		".ra":  ".cfa -8 + ^",
		"$rbp": ".cfa -16 + ^",
		"$rbx": ".cfa -24 + ^",
	}, ruleSet(e.Init.Rules))
	assert.Empty(t, e.Deltas)
}

func TestParsePEUnwindSaveNonvol(t *testing.T) {
	img := make(testImage, 0x3000)
	copy(img[0x2040:], []byte{
		0x01, 0x0a, 0x04, 0x00, // v1, prolog 10, 4 slots, no frame reg
		0x0a, 0x64, 0x08, 0x00, // offset 10: save rsi at rsp+0x40
		0x08, 0x01, 0x11, 0x00, // offset 8: alloc_large 136
	})
	pdata := putRuntimeFunc(nil, 0x1100, 0x1140, 0x2040)

	entries, err := ParsePEUnwind(pdata, img.readAt)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	require.Len(t, e.Deltas, 2)
	assert.Equal(t, uint64(0x1108), e.Deltas[0].Addr)
	assert.Equal(t, map[string]string{
		".cfa": "$rsp 144 +",
	}, ruleSet(e.Deltas[0].Rules))
	assert.Equal(t, uint64(0x110a), e.Deltas[1].Addr)
	assert.Equal(t, map[string]string{
		"$rsi": ".cfa -80 + ^",
	}, ruleSet(e.Deltas[1].Rules))
}

func TestParsePEUnwindDropsMachFrame(t *testing.T) {
	img := make(testImage, 0x3000)
	copy(img[0x2060:], []byte{
		0x01, 0x00, 0x01, 0x00,
		0x00, 0x0a, // push_machframe
	})
	pdata := putRuntimeFunc(nil, 0x1200, 0x1210, 0x2060)
	pdata = putRuntimeFunc(pdata, 0, 0, 0) // zero padding entry

	entries, err := ParsePEUnwind(pdata, img.readAt)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
