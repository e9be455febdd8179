package memsync

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsWords(t *testing.T) {
	backing := []uint64{1, 2, 3, 4}
	b := wordBytes(backing)
	require.Len(t, b, 32)

	w, ok := asWords(b)
	require.True(t, ok)
	assert.Equal(t, backing, w)

	// The view shares memory
	w[1] = 0xdeadbeef
	assert.Equal(t, uint64(0xdeadbeef), binary.NativeEndian.Uint64(b[8:]))

	w, ok = asWords(nil)
	assert.True(t, ok)
	assert.Empty(t, w)

	assert.Panics(t, func() { asWords(make([]byte, 7)) })
	assert.Panics(t, func() { asWords(b[:12]) })
}

func TestAsWords_Unaligned(t *testing.T) {
	b := wordBytes(make([]uint64, 3))[1:17]
	for i := range b {
		b[i] = byte(i + 1)
	}

	w, ok := asWords(b)
	assert.False(t, ok)
	assert.Nil(t, w)

	assert.Equal(t, binary.NativeEndian.Uint64(b), loadWord(b, 0))
	assert.Equal(t, binary.NativeEndian.Uint64(b[8:]), loadWord(b, 1))
}

func TestWordBytes(t *testing.T) {
	assert.Nil(t, wordBytes(nil))

	w := []uint64{0x0102030405060708}
	assert.Equal(t, binary.NativeEndian.AppendUint64(nil, w[0]), wordBytes(w))
}
