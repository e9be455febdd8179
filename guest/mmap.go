//go:build unix

package guest

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var ErrOutOfRange = errors.New("access outside of guest memory")

// MmapMemory is guest memory backed by private anonymous mappings, one per region.
type MmapMemory struct {
	regions  []*MmapRegion
	pageSize uint64
	size     uint64
}

// MmapRegion is one mapping of an MmapMemory.
type MmapRegion struct {
	slot     int
	offset   uint64
	data     []byte
	pageSize uint64

	// chunk caps the size of a single Write issued by WriteAllTo, 0 means no cap
	chunk uint64

	// hw is the hypervisor style write log, drained by GetDirtyBitmap
	hw []atomic.Uint64
	// sw is the VMM write log, cleared by ResetDirty
	sw []atomic.Uint64
}

// NewMmapMemory maps one region per entry in sizes. Every size must be a non zero multiple of pageSize.
func NewMmapMemory(pageSize uint64, sizes ...uint64) (_ *MmapMemory, err error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", pageSize)
	}
	if len(sizes) == 0 {
		return nil, errors.New("guest memory needs at least one region")
	}

	m := &MmapMemory{pageSize: pageSize}

	// Unmap whatever we managed to map when something fails
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	for slot, size := range sizes {
		if size == 0 || size%pageSize != 0 {
			return nil, fmt.Errorf("region %d size %d is not a non zero multiple of the page size %d", slot, size, pageSize)
		}

		data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, fmt.Errorf("mmap of region %d failed: %w", slot, err)
		}

		pages := size / pageSize
		m.regions = append(m.regions, &MmapRegion{
			slot:     slot,
			offset:   m.size,
			data:     data,
			pageSize: pageSize,
			hw:       make([]atomic.Uint64, BitmapWords(pages)),
			sw:       make([]atomic.Uint64, BitmapWords(pages)),
		})
		m.size += size
	}

	return m, nil
}

// SetChunkSize caps how many bytes a region hands to a writer in one call.
func (m *MmapMemory) SetChunkSize(n uint64) {
	for _, r := range m.regions {
		r.chunk = n
	}
}

func (m *MmapMemory) PageSize() uint64 {
	return m.pageSize
}

// Size is the total guest memory size in bytes.
func (m *MmapMemory) Size() uint64 {
	return m.size
}

func (m *MmapMemory) Describe() []RegionInfo {
	out := make([]RegionInfo, len(m.regions))
	for i, r := range m.regions {
		out[i] = RegionInfo{Offset: r.offset, Size: r.Len()}
	}
	return out
}

func (m *MmapMemory) Regions() []Region {
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = r
	}
	return out
}

// Region returns the region for a memory slot, or nil.
func (m *MmapMemory) Region(slot int) *MmapRegion {
	if slot < 0 || slot >= len(m.regions) {
		return nil
	}
	return m.regions[slot]
}

func (m *MmapMemory) Dump(w io.Writer) error {
	for _, r := range m.regions {
		if err := r.WriteAllTo(0, w, r.Len()); err != nil {
			return fmt.Errorf("dump of region %d failed: %w", r.slot, err)
		}
	}
	return nil
}

// GetDirtyBitmap returns and clears the guest write log of every slot.
func (m *MmapMemory) GetDirtyBitmap() (map[int][]uint64, error) {
	out := make(map[int][]uint64, len(m.regions))
	for _, r := range m.regions {
		bm := make([]uint64, len(r.hw))
		for i := range r.hw {
			bm[i] = r.hw[i].Swap(0)
		}
		out[r.slot] = bm
	}
	return out, nil
}

// ResetDirty clears the VMM write log of every region.
func (m *MmapMemory) ResetDirty() {
	for _, r := range m.regions {
		for i := range r.sw {
			r.sw[i].Store(0)
		}
	}
}

// WriteAt writes p at the guest layout offset off as the guest would, the pages end up in the hypervisor log.
func (m *MmapMemory) WriteAt(p []byte, off int64) (int, error) {
	return m.writeAt(p, off, false)
}

// DeviceWriteAt writes p at the guest layout offset off as the VMM would, the pages end up in the region bitmap.
func (m *MmapMemory) DeviceWriteAt(p []byte, off int64) (int, error) {
	return m.writeAt(p, off, true)
}

func (m *MmapMemory) writeAt(p []byte, off int64, device bool) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > m.size {
		return 0, ErrOutOfRange
	}

	n := 0
	for n < len(p) {
		r, rel := m.locate(uint64(off) + uint64(n))
		c := copy(r.data[rel:], p[n:])
		r.mark(rel, uint64(c), device)
		n += c
	}
	return n, nil
}

// ReadAt reads from the guest layout offset off.
func (m *MmapMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > m.size {
		return 0, ErrOutOfRange
	}

	n := 0
	for n < len(p) {
		r, rel := m.locate(uint64(off) + uint64(n))
		n += copy(p[n:], r.data[rel:])
	}
	return n, nil
}

// locate maps a guest layout offset, which must be in range, to its region
func (m *MmapMemory) locate(off uint64) (*MmapRegion, uint64) {
	for _, r := range m.regions {
		if off >= r.offset && off < r.offset+r.Len() {
			return r, off - r.offset
		}
	}
	panic(fmt.Sprintf("guest offset %#x is not backed by any region", off))
}

// Populate faults every page of every region in so the first scan does not pay for it.
func (m *MmapMemory) Populate() error {
	for _, r := range m.regions {
		if err := prefault(r.data); err != nil {
			return fmt.Errorf("region %d: %w", r.slot, err)
		}
	}
	return nil
}

// Close unmaps all regions. The memory must not be used afterwards.
func (m *MmapMemory) Close() error {
	var errs []error
	for _, r := range m.regions {
		if r.data == nil {
			continue
		}
		if err := unix.Munmap(r.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap of region %d failed: %w", r.slot, err))
		}
		r.data = nil
	}
	return errors.Join(errs...)
}

func (r *MmapRegion) Len() uint64 {
	return uint64(len(r.data))
}

func (r *MmapRegion) Slot() int {
	return r.slot
}

// Offset is where the region starts in the guest layout.
func (r *MmapRegion) Offset() uint64 {
	return r.offset
}

// Bytes exposes the mapping itself.
func (r *MmapRegion) Bytes() []byte {
	return r.data
}

func (r *MmapRegion) DirtyAt(off uint64) bool {
	page := off / r.pageSize
	w := page / 64
	if w >= uint64(len(r.sw)) {
		return false
	}
	return (r.sw[w].Load()>>(page%64))&1 != 0
}

func (r *MmapRegion) WriteAllTo(addr uint64, w io.Writer, n uint64) error {
	if addr > r.Len() || n > r.Len()-addr {
		return fmt.Errorf("%w: region %d range %#x+%#x", ErrOutOfRange, r.slot, addr, n)
	}

	for n > 0 {
		c := n
		if r.chunk > 0 && c > r.chunk {
			c = r.chunk
		}

		wrote, err := w.Write(r.data[addr : addr+c])
		if err != nil {
			return err
		}
		if uint64(wrote) != c {
			return io.ErrShortWrite
		}

		addr += c
		n -= c
	}

	return nil
}

// mark flags every page touched by [off, off+n) in the selected log
func (r *MmapRegion) mark(off, n uint64, device bool) {
	if n == 0 {
		return
	}

	log := r.hw
	if device {
		log = r.sw
	}

	for page := off / r.pageSize; page <= (off+n-1)/r.pageSize; page++ {
		log[page/64].Or(1 << (page % 64))
	}
}
