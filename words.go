package memsync

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

const wordSize = 8

// wordsPerCacheLine is how many diff words fill one 64 byte cache line. A drained diff is always made of whole
// pages, so it is always made of whole cache lines too.
const wordsPerCacheLine = 64 / wordSize

// asWords views b as native endian 64 bit words without copying. ok is false when b does not start on an 8 byte
// boundary, callers must then decode with loadWord. A length that is not a multiple of 8 is a bug.
func asWords(b []byte) (words []uint64, ok bool) {
	if len(b)%wordSize != 0 {
		panic(fmt.Sprintf("buffer of %d bytes is not a whole number of %d byte words", len(b), wordSize))
	}
	if len(b) == 0 {
		return nil, true
	}
	if uintptr(unsafe.Pointer(&b[0]))%unsafe.Alignof(uint64(0)) != 0 {
		return nil, false
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/wordSize), true
}

// wordBytes views w as bytes, always possible since a word slice is always aligned.
func wordBytes(w []uint64) []byte {
	if len(w) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), len(w)*wordSize)
}

func loadWord(b []byte, i int) uint64 {
	return binary.NativeEndian.Uint64(b[i*wordSize:])
}
