package devprofile

import (
	"encoding/binary"
	"fmt"
)

// Opcode constants recognized at the command tail. Any word that
// doesn't match one of these at the expected offset is treated as a parse
// failure — the parser never guesses.
const (
	OpTeslaA  uint32 = 0x104310
	OpTeslaB  uint32 = 0x100010
	OpKeplerA uint32 = 0x200426c0
	OpKeplerB uint32 = 0x20018090
	OpKeplerC uint32 = 0x200180c0
	OpKeplerD uint32 = 0x200406c0
)

// TrailerWords is the number of trailing 32-bit words each family's parser
// inspects. Tesla's tail is [opcode, addr_lo, addr_hi, target]; Kepler's
// adds one leading word used for kernel-call counting.
const (
	TeslaTrailerWords  = 4
	KeplerTrailerWords = 5
)

// ParseResult is what a successful parse yields: the command's reference
// counter address (GPU view) and target value, plus whether this request
// is recognized as the second of a three-submission kernel call.
type ParseResult struct {
	CounterGPUAddr uint64
	CounterTarget  uint64
	PartOfCall     bool
}

// ErrNoMatch is returned (wrapped with a sentinel by the caller) when the
// trailer bytes do not match any recognized opcode pattern.
var ErrNoMatch = fmt.Errorf("devprofile: command tail matched no known opcode")

func readWordsLE(tail []byte, n int) ([]uint32, error) {
	if len(tail) < n*4 {
		return nil, fmt.Errorf("devprofile: trailer too short: need %d bytes, have %d", n*4, len(tail))
	}
	words := make([]uint32, n)
	start := len(tail) - n*4
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint32(tail[start+i*4 : start+i*4+4])
	}
	return words, nil
}

// ParseTail runs the family-appropriate parser over tail, a byte slice
// ending exactly at command_start+command_size. It never reads beyond
// the provided slice.
func (f Family) ParseTail(tail []byte) (ParseResult, error) {
	switch f {
	case FamilyTesla:
		return parseTesla(tail)
	case FamilyKepler:
		return parseKepler(tail)
	default:
		return ParseResult{}, fmt.Errorf("devprofile: unknown family %d", f)
	}
}

func parseTesla(tail []byte) (ParseResult, error) {
	w, err := readWordsLE(tail, TeslaTrailerWords)
	if err != nil {
		return ParseResult{}, err
	}
	opcode, addrLo, addrHi, target := w[0], w[1], w[2], w[3]
	if opcode != OpTeslaA && opcode != OpTeslaB {
		return ParseResult{}, ErrNoMatch
	}
	addr := uint64(addrLo) | (uint64(addrHi&0xff) << 32)
	return ParseResult{CounterGPUAddr: addr, CounterTarget: uint64(target)}, nil
}

func parseKepler(tail []byte) (ParseResult, error) {
	w, err := readWordsLE(tail, KeplerTrailerWords)
	if err != nil {
		return ParseResult{}, err
	}
	prev, opcode, addrLo, addrHi, target := w[0], w[1], w[2], w[3], w[4]
	switch opcode {
	case OpKeplerA, OpKeplerB, OpKeplerC, OpKeplerD:
	default:
		return ParseResult{}, ErrNoMatch
	}
	addr := uint64(addrLo) | (uint64(addrHi&0xff) << 32)
	return ParseResult{
		CounterGPUAddr: addr,
		CounterTarget: uint64(target),
		PartOfCall: kernelCallFlag(prev),
	}, nil
}
