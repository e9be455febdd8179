package memsync

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/slackhq/memsync/guest"
	"github.com/slackhq/memsync/util"
)

// hostPageSize is swapped out by tests
var hostPageSize = func() (int, error) {
	return os.Getpagesize(), nil
}

type scanStats struct {
	pages   uint64
	batches uint64
}

// Synchronize runs one pass. The first pass copies all of guest memory into the baseline and produces no diff.
// Every later pass walks the dirty pages of every region, diffs them against the baseline in contiguous batches
// and signals the worker.
//
// A failed pass returns a *util.ContextualError wrapping one of the Err* sentinels. It never marks the baseline
// captured and never signals the worker.
func (e *SyncEngine) Synchronize(mem guest.Memory, src guest.DirtyBitmapSource) error {
	if !e.initialized {
		return e.bootstrap(mem)
	}
	return e.incremental(mem, src)
}

// Resynchronize makes the next pass diff every page instead of only the dirty ones. Use it when dirty tracking
// may have missed writes, after re-enabling the hypervisor log for instance.
func (e *SyncEngine) Resynchronize() {
	e.resync = true
}

func (e *SyncEngine) bootstrap(mem guest.Memory) error {
	start := time.Now()

	if _, err := checkLayout(mem); err != nil {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError("Guest memory layout is unusable", nil, err)
	}

	total := guest.TotalSize(mem)
	if total > e.capacity {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError(
			"Guest memory is larger than the baseline",
			m{"guestSize": total, "capacity": e.capacity},
			ErrCapacity,
		)
	}

	w := &baselineWriter{baseline: e.Baseline()}
	if err := mem.Dump(w); err != nil {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError("Failed to capture the baseline", m{"copied": w.off}, fmt.Errorf("%w: %w", ErrBootstrap, err))
	}

	e.MarkBaselineCaptured()
	e.resync = false
	e.metrics.bootstrapPasses.Inc(1)

	e.l.WithField("size", humanize.IBytes(w.off)).
		WithField("duration", time.Since(start)).
		Info("Completed full baseline capture")

	return nil
}

func (e *SyncEngine) incremental(mem guest.Memory, src guest.DirtyBitmapSource) error {
	start := time.Now()

	layout, err := checkLayout(mem)
	if err != nil {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError("Guest memory layout is unusable", nil, err)
	}

	pageSize, err := e.resolvePageSize()
	if err != nil {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError("Failed to determine the page size", m{"configured": e.pageSize}, err)
	}

	if ps, ok := mem.(guest.PageSizer); ok && ps.PageSize() != pageSize {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError(
			"Guest tracks dirty pages at a different page size",
			m{"guestPageSize": ps.PageSize(), "pageSize": pageSize},
			fmt.Errorf("%w: guest pages are %d bytes, scanning with %d", ErrPageSize, ps.PageSize(), pageSize),
		)
	}

	bitmaps, err := src.GetDirtyBitmap()
	if err != nil {
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError("Failed to read the dirty bitmap", nil, fmt.Errorf("%w: %w", ErrDirtyBitmap, err))
	}

	// The hypervisor log is gone from here on, anything that fails must make the next pass a full one
	full := e.resync
	regions := mem.Regions()

	for slot, r := range regions {
		if err := checkRegion(slot, r, layout[slot], bitmaps, pageSize, full); err != nil {
			e.resync = true
			e.metrics.failedPasses.Inc(1)
			return util.NewContextualError("Dirty bitmap does not cover guest memory", m{"slot": slot}, err)
		}
	}

	if layout[len(layout)-1].Offset+layout[len(layout)-1].Size > e.capacity {
		e.resync = true
		e.metrics.failedPasses.Inc(1)
		return util.NewContextualError("Guest memory is larger than the baseline", m{"capacity": e.capacity}, ErrCapacity)
	}

	proc := newRegionProcessor(e.baseline, e.diff)
	var st scanStats

	// The worker may still hold an older signal, keep it out until the whole pass is in the log. SignalWork never
	// blocks so signalling under the lock is fine.
	e.diff.lock.Lock()
	for slot, r := range regions {
		if err := e.scanRegion(proc, layout[slot].Offset, r, bitmaps[slot], pageSize, full, &st); err != nil {
			e.diff.lock.Unlock()
			e.resync = true
			e.metrics.failedPasses.Inc(1)
			return util.NewContextualError("Failed to diff dirty pages", m{"slot": slot}, fmt.Errorf("%w: %w", ErrRegionWrite, err))
		}
	}
	e.resync = false

	size := uint64(len(e.diff.words))
	e.SignalWork(size)
	e.diff.lock.Unlock()

	elapsed := time.Since(start)
	e.metrics.incrementalPasses.Inc(1)
	if full {
		e.metrics.resyncPasses.Inc(1)
	}
	e.metrics.dirtyPages.Inc(int64(st.pages))
	e.metrics.batches.Inc(int64(st.batches))
	e.metrics.diffWords.Inc(int64(st.pages * pageSize / wordSize))
	e.metrics.scanTime.Update(elapsed)

	e.l.WithField("duration", elapsed).
		WithField("pages", st.pages).
		WithField("batches", st.batches).
		WithField("full", full).
		Debug("Completed memory XORs and update-copy on dirty pages")

	return nil
}

// scanRegion coalesces the dirty pages of one region into maximal runs and pushes each run through proc. The diff
// log lock is held by the caller.
func (e *SyncEngine) scanRegion(proc *RegionProcessor, base uint64, r guest.Region, bitmap []uint64, pageSize uint64, full bool, st *scanStats) error {
	pages := r.Len() / pageSize

	var batchStart, batchLen uint64
	for page := uint64(0); page < pages; page++ {
		off := page * pageSize
		if full || guest.BitSet(bitmap, page) || r.DirtyAt(off) {
			if batchLen == 0 {
				batchStart = off
			}
			batchLen += pageSize
			continue
		}

		if batchLen > 0 {
			if err := e.closeBatch(proc, base, r, batchStart, batchLen, pageSize, st); err != nil {
				return err
			}
			batchLen = 0
		}
	}

	// A run that reaches the end of the region closes there
	if batchLen > 0 {
		return e.closeBatch(proc, base, r, batchStart, batchLen, pageSize, st)
	}

	return nil
}

func (e *SyncEngine) closeBatch(proc *RegionProcessor, base uint64, r guest.Region, start, length, pageSize uint64, st *scanStats) error {
	off := base + start
	if off%pageSize != 0 {
		panic(fmt.Sprintf("memsync: dirty batch at %#x is not aligned to the %d byte page size", off, pageSize))
	}

	// Completed batches of a failed pass stay in the log, a partial one is undone so words and batches agree
	mark := len(e.diff.words)
	proc.SetOffset(off)
	if err := r.WriteAllTo(start, proc, length); err != nil {
		proc.rollback(mark, off)
		return fmt.Errorf("batch %#x+%#x: %w", off, length, err)
	}
	if proc.Offset() != off+length {
		delivered := proc.Offset() - off
		proc.rollback(mark, off)
		return fmt.Errorf("batch %#x+%#x: region delivered %d bytes: %w", off, length, delivered, io.ErrShortWrite)
	}

	e.diff.batches = append(e.diff.batches, Batch{Offset: off, Length: length})

	st.batches++
	st.pages += length / pageSize
	return nil
}

func (e *SyncEngine) resolvePageSize() (uint64, error) {
	ps := e.pageSize
	if ps == 0 {
		var err error
		ps, err = hostPageSize()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPageSize, err)
		}
	}

	// Whole pages must always be whole cache lines of diff words
	if ps < 64 || ps&(ps-1) != 0 {
		return 0, fmt.Errorf("%w: %d is not a power of two of at least 64 bytes", ErrPageSize, ps)
	}

	return uint64(ps), nil
}

// checkLayout makes sure the regions sit back to back from offset zero, which is what a full dump produces
func checkLayout(mem guest.Memory) ([]guest.RegionInfo, error) {
	layout := mem.Describe()
	regions := mem.Regions()

	if len(layout) == 0 || len(layout) != len(regions) {
		return nil, fmt.Errorf("%w: %d regions described, %d present", ErrLayout, len(layout), len(regions))
	}

	var next uint64
	for i, ri := range layout {
		if ri.Offset != next {
			return nil, fmt.Errorf("%w: region %d starts at %#x, expected %#x", ErrLayout, i, ri.Offset, next)
		}
		if ri.Size != regions[i].Len() {
			return nil, fmt.Errorf("%w: region %d is described as %d bytes but holds %d", ErrLayout, i, ri.Size, regions[i].Len())
		}
		next += ri.Size
	}

	return layout, nil
}

func checkRegion(slot int, r guest.Region, ri guest.RegionInfo, bitmaps map[int][]uint64, pageSize uint64, full bool) error {
	if r.Len()%pageSize != 0 || ri.Offset%pageSize != 0 {
		return fmt.Errorf("%w: region %d (%#x+%#x) is not page aligned", ErrPageSize, slot, ri.Offset, r.Len())
	}

	if full {
		return nil
	}

	bm, ok := bitmaps[slot]
	if !ok {
		return fmt.Errorf("%w %d", ErrMissingBitmap, slot)
	}

	pages := r.Len() / pageSize
	if len(bm) < guest.BitmapWords(pages) {
		return fmt.Errorf("%w %d: bitmap covers %d pages, region has %d", ErrMissingBitmap, slot, len(bm)*64, pages)
	}

	return nil
}
