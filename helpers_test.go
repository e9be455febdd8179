package memsync

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"

	"github.com/slackhq/memsync/guest"
	"github.com/slackhq/memsync/test"
	"github.com/stretchr/testify/require"
)

const testPage = 4096

type fakeRegion struct {
	data     []byte
	pageSize uint64
	sw       map[uint64]bool

	// chunk splits WriteAllTo deliveries, failAfter makes it fail once that many bytes were delivered
	chunk     uint64
	failAfter int64
}

func (r *fakeRegion) Len() uint64 {
	return uint64(len(r.data))
}

func (r *fakeRegion) DirtyAt(off uint64) bool {
	return r.sw[off/r.pageSize]
}

func (r *fakeRegion) WriteAllTo(addr uint64, w io.Writer, n uint64) error {
	delivered := int64(0)
	for n > 0 {
		c := n
		if r.chunk > 0 && c > r.chunk {
			c = r.chunk
		}
		if r.failAfter >= 0 && delivered >= r.failAfter {
			return errors.New("region went away")
		}

		if _, err := w.Write(r.data[addr : addr+c]); err != nil {
			return err
		}
		delivered += int64(c)
		addr += c
		n -= c
	}
	return nil
}

type fakeMemory struct {
	regions  []*fakeRegion
	pageSize uint64
	dumpErr  error
	resets   int
	describe []guest.RegionInfo
}

func newFakeMemory(pageSize uint64, pages ...uint64) *fakeMemory {
	m := &fakeMemory{pageSize: pageSize}
	for _, p := range pages {
		m.regions = append(m.regions, &fakeRegion{
			data:      make([]byte, p*pageSize),
			pageSize:  pageSize,
			sw:        map[uint64]bool{},
			failAfter: -1,
		})
	}
	return m
}

func (m *fakeMemory) Describe() []guest.RegionInfo {
	if m.describe != nil {
		return m.describe
	}
	var off uint64
	out := make([]guest.RegionInfo, len(m.regions))
	for i, r := range m.regions {
		out[i] = guest.RegionInfo{Offset: off, Size: r.Len()}
		off += r.Len()
	}
	return out
}

func (m *fakeMemory) PageSize() uint64 {
	return m.pageSize
}

func (m *fakeMemory) Regions() []guest.Region {
	out := make([]guest.Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = r
	}
	return out
}

func (m *fakeMemory) Dump(w io.Writer) error {
	if m.dumpErr != nil {
		return m.dumpErr
	}
	for _, r := range m.regions {
		if err := r.WriteAllTo(0, w, r.Len()); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMemory) ResetDirty() {
	m.resets++
	for _, r := range m.regions {
		clear(r.sw)
	}
}

// flat returns a copy of all regions back to back
func (m *fakeMemory) flat() []byte {
	var out []byte
	for _, r := range m.regions {
		out = append(out, r.data...)
	}
	return out
}

// fakeBitmaps hands out the queued bitmaps once, like a reset-on-read hypervisor log
type fakeBitmaps struct {
	lock    sync.Mutex
	pending map[int][]uint64
	err     error
	calls   int
}

func newFakeBitmaps(m *fakeMemory) *fakeBitmaps {
	b := &fakeBitmaps{}
	b.reset(m)
	return b
}

func (b *fakeBitmaps) reset(m *fakeMemory) {
	b.pending = map[int][]uint64{}
	for i, r := range m.regions {
		b.pending[i] = make([]uint64, guest.BitmapWords(r.Len()/r.pageSize))
	}
}

func (b *fakeBitmaps) set(slot int, pages ...uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, p := range pages {
		b.pending[slot][p/64] |= 1 << (p % 64)
	}
}

func (b *fakeBitmaps) GetDirtyBitmap() (map[int][]uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}

	out := make(map[int][]uint64, len(b.pending))
	for slot, bm := range b.pending {
		out[slot] = slices.Clone(bm)
		clear(bm)
	}
	return out, nil
}

type drained struct {
	signalled uint64
	words     []uint64
	batches   []Batch
}

type recordingConsumer struct {
	lock   sync.Mutex
	drains []drained
	err    error
}

func (c *recordingConsumer) ConsumeDiff(signalled uint64, words []uint64, batches []Batch) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.drains = append(c.drains, drained{
		signalled: signalled,
		words:     slices.Clone(words),
		batches:   slices.Clone(batches),
	})
	return c.err
}

func (c *recordingConsumer) all() []drained {
	c.lock.Lock()
	defer c.lock.Unlock()
	return slices.Clone(c.drains)
}

func (c *recordingConsumer) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.drains)
}

func newTestEngine(t *testing.T, capacity uint64, consumer DiffConsumer) *SyncEngine {
	t.Helper()
	e := NewSyncEngine(test.NewLogger(), EngineConfig{
		Capacity: capacity,
		PageSize: testPage,
		Consumer: consumer,
	})
	t.Cleanup(func() {
		if !e.stopped {
			e.Shutdown()
		}
	})
	return e
}

// bootstrapped returns an engine that already holds a baseline of m
func bootstrapped(t *testing.T, m *fakeMemory, consumer DiffConsumer) (*SyncEngine, *fakeBitmaps) {
	t.Helper()
	e := newTestEngine(t, guest.TotalSize(m), consumer)
	src := newFakeBitmaps(m)
	require.NoError(t, e.Synchronize(m, src))
	require.True(t, e.HasBaseline())
	return e, src
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

func page(n uint64) uint64 {
	return n * testPage
}

func batchString(b Batch) string {
	return fmt.Sprintf("%#x+%#x", b.Offset, b.Length)
}
