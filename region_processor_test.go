package memsync

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(words int) (*RegionProcessor, *diffLog) {
	d := &diffLog{}
	return newRegionProcessor(make([]uint64, words), d), d
}

func TestRegionProcessor_Write(t *testing.T) {
	p, d := newTestProcessor(64)
	for i := range p.baseline {
		p.baseline[i] = uint64(i) * 0x0101010101010101
	}
	prior := wordBytes(append([]uint64(nil), p.baseline[8:16]...))

	fresh := wordBytes(make([]uint64, 8))
	fill(fresh, 0x40)

	p.SetOffset(64)
	n, err := p.Write(fresh)
	require.NoError(t, err)
	assert.Equal(t, len(fresh), n)
	assert.Equal(t, uint64(128), p.Offset())

	require.Len(t, d.words, 8)
	for i, x := range d.words {
		o := binary.NativeEndian.Uint64(prior[i*8:])
		f := binary.NativeEndian.Uint64(fresh[i*8:])
		assert.Equal(t, o^f, x)
		// Applying the diff to the old content gives the new content back
		assert.Equal(t, f, o^x)
	}

	assert.Equal(t, fresh, wordBytes(p.baseline)[64:128])
	assert.Equal(t, uint64(0), p.baseline[0])
	assert.Equal(t, uint64(16)*0x0101010101010101, p.baseline[16])
}

func TestRegionProcessor_Unaligned(t *testing.T) {
	aligned, da := newTestProcessor(16)
	unaligned, du := newTestProcessor(16)

	src := wordBytes(make([]uint64, 9))[3 : 3+64]
	fill(src, 0x11)

	aligned.SetOffset(0)
	_, err := aligned.Write(bytes.Clone(src))
	require.NoError(t, err)

	unaligned.SetOffset(0)
	_, err = unaligned.Write(src)
	require.NoError(t, err)

	assert.Equal(t, da.words, du.words)
	assert.Equal(t, aligned.baseline, unaligned.baseline)
}

func TestRegionProcessor_Chunks(t *testing.T) {
	whole, dw := newTestProcessor(32)
	split, ds := newTestProcessor(32)

	buf := wordBytes(make([]uint64, 16))
	fill(buf, 0x22)

	whole.SetOffset(64)
	_, err := whole.Write(buf)
	require.NoError(t, err)

	split.SetOffset(64)
	for _, c := range [][]byte{buf[:8], buf[8:72], buf[72:]} {
		_, err = split.Write(c)
		require.NoError(t, err)
	}

	assert.Equal(t, dw.words, ds.words)
	assert.Equal(t, whole.baseline, split.baseline)
	assert.Equal(t, uint64(192), split.Offset())
}

func TestRegionProcessor_Panics(t *testing.T) {
	p, d := newTestProcessor(8)

	assert.Panics(t, func() { p.SetOffset(4) })
	assert.Panics(t, func() { _, _ = p.Write(make([]byte, 12)) })

	p.SetOffset(32)
	assert.Panics(t, func() { _, _ = p.Write(make([]byte, 40)) })
	assert.Empty(t, d.words)
}

func TestRegionProcessor_Rollback(t *testing.T) {
	p, d := newTestProcessor(16)
	fill(wordBytes(p.baseline), 0x33)
	before := bytes.Clone(wordBytes(p.baseline))

	d.words = append(d.words, 7)
	p.SetOffset(32)
	buf := make([]byte, 48)
	fill(buf, 0x77)
	_, err := p.Write(buf)
	require.NoError(t, err)
	assert.NotEqual(t, before, wordBytes(p.baseline))

	p.rollback(1, 32)
	assert.Equal(t, before, wordBytes(p.baseline))
	assert.Equal(t, []uint64{7}, d.words)
	assert.Equal(t, uint64(32), p.Offset())
}

func TestBaselineWriter(t *testing.T) {
	base := make([]byte, 16)
	w := &baselineWriter{baseline: base}

	n, err := w.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = w.Write(make([]byte, 10))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 6, n)
	assert.Equal(t, uint64(16), w.off)
}
