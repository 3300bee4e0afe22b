package devprofile

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownDevices(t *testing.T) {
	p, ok := Lookup(0x10de, 0x1189, 0x2430)
	require.True(t, ok)
	assert.Equal(t, "Kepler GTX670", p.Name)
	assert.Equal(t, 96, p.NumChannels)

	_, ok = Lookup(0x10de, 0xdead, 0xbeef)
	assert.False(t, ok)
}

func TestHashOffset(t *testing.T) {
	p, _ := Lookup(0x10de, 0x05e6, 0x06c7) // Tesla GTX275
	addr := p.IndexRegAddr(7)

	cid, ok := p.HashOffset(addr)
	require.True(t, ok)
	assert.Equal(t, 7, cid)

	_, ok = p.HashOffset(addr + 4) // not exactly on the index register
	assert.False(t, ok)

	_, ok = p.HashOffset(p.RegBase + uint64(p.NumChannels)*p.RegStride + p.IndexRegOffset)
	assert.False(t, ok, "out-of-range channel index must not hash")
}

func wordsToTail(words...uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func TestParseTeslaMatch(t *testing.T) {
	tail := wordsToTail(OpTeslaA, 0x1000, 0x00, 7)
	res, err := FamilyTesla.ParseTail(tail)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), res.CounterGPUAddr)
	assert.Equal(t, uint64(7), res.CounterTarget)
}

func TestParseTeslaNoMatch(t *testing.T) {
	tail := wordsToTail(0xdeadbeef, 0x1000, 0x00, 7)
	_, err := FamilyTesla.ParseTail(tail)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestParseTeslaShortTail(t *testing.T) {
	_, err := FamilyTesla.ParseTail([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseKeplerMatch(t *testing.T) {
	tail := wordsToTail(0, OpKeplerA, 0x2000, 0x00, 11)
	res, err := FamilyKepler.ParseTail(tail)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), res.CounterGPUAddr)
	assert.Equal(t, uint64(11), res.CounterTarget)
}

func TestParseKeplerAddressHighBits(t *testing.T) {
	// addrHi carries bits [32:40) of the GPU address; anything above byte
	// 0 must be masked off, not folded in.
	tail := wordsToTail(0, OpKeplerB, 0xAAAA0000, 0x1FF, 3)
	res, err := FamilyKepler.ParseTail(tail)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAAAA0000)|(uint64(0xFF)<<32), res.CounterGPUAddr)
}

func TestDeterministicParsing(t *testing.T) {
	// Same input must always yield the same output.
	tail := wordsToTail(OpTeslaB, 42, 0, 99)
	r1, err1 := FamilyTesla.ParseTail(tail)
	r2, err2 := FamilyTesla.ParseTail(tail)
	assert.Equal(t, r1, r2)
	assert.Equal(t, err1, err2)
}
