package memsync

import (
	"fmt"
	"slices"
)

// RegionProcessor is the io.Writer a guest region streams dirty batches into. Each write is compared with the
// baseline word by word: the XOR goes to the diff log and the baseline takes the new content.
//
// The scanner positions it with SetOffset before every batch. Writes advance the offset, so a region may deliver a
// batch in as many pieces as it likes. The diff log lock must be held for as long as the processor is written to,
// the worker must never see half a batch.
type RegionProcessor struct {
	baseline []uint64
	offset   uint64
	diff     *diffLog
}

func newRegionProcessor(baseline []uint64, diff *diffLog) *RegionProcessor {
	return &RegionProcessor{baseline: baseline, diff: diff}
}

// SetOffset moves the processor to a baseline byte offset.
func (p *RegionProcessor) SetOffset(off uint64) {
	if off%wordSize != 0 {
		panic(fmt.Sprintf("memsync: region processor offset %#x is not word aligned", off))
	}
	p.offset = off
}

// Offset is where the next write lands in the baseline.
func (p *RegionProcessor) Offset() uint64 {
	return p.offset
}

// Write never fails and never writes partially. A buffer that is not whole words or that runs past the baseline
// is a bug in the caller and panics.
func (p *RegionProcessor) Write(buf []byte) (int, error) {
	fresh, aligned := asWords(buf)

	n := uint64(len(buf)) / wordSize
	start := p.offset / wordSize
	if start+n > uint64(len(p.baseline)) {
		panic(fmt.Sprintf("memsync: write of %d bytes at %#x runs past the %d byte baseline", len(buf), p.offset, len(p.baseline)*wordSize))
	}
	prior := p.baseline[start : start+n]

	out := slices.Grow(p.diff.words, int(n))
	if aligned {
		for i, w := range fresh {
			out = append(out, w^prior[i])
			prior[i] = w
		}
	} else {
		for i := range prior {
			w := loadWord(buf, i)
			out = append(out, w^prior[i])
			prior[i] = w
		}
	}
	p.diff.words = out

	p.offset += uint64(len(buf))
	return len(buf), nil
}

// rollback undoes every write made since the diff log held mark words and the processor sat at off
func (p *RegionProcessor) rollback(mark int, off uint64) {
	written := p.diff.words[mark:]
	prior := p.baseline[off/wordSize:]
	for i, x := range written {
		prior[i] ^= x
	}
	p.diff.words = p.diff.words[:mark]
	p.offset = off
}

// baselineWriter copies a full dump of guest memory into the baseline, front to back
type baselineWriter struct {
	baseline []byte
	off      uint64
}

func (w *baselineWriter) Write(p []byte) (int, error) {
	n := copy(w.baseline[w.off:], p)
	w.off += uint64(n)
	if n < len(p) {
		return n, fmt.Errorf("%w: dump overran the baseline at %#x", ErrCapacity, w.off)
	}
	return n, nil
}
