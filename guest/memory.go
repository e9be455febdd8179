// Package guest describes the guest address space the synchronization engine reads from, and provides an
// anonymous mmap backed implementation of it.
//
// A guest is a list of regions laid out back to back. Region i is memory slot i as far as the hypervisor dirty
// log is concerned. Every region tracks two kinds of dirtiness:
//
//   - writes the hypervisor would log for vCPUs, reported per slot by DirtyBitmapSource with reset-on-read
//     semantics
//   - writes made by the VMM itself (device emulation), reported per page by Region.DirtyAt
//
// The synchronization engine treats a page as dirty when either one is set.
package guest

import (
	"io"
)

// RegionInfo is the placement of one region inside the flat guest layout.
type RegionInfo struct {
	// Offset is where the region starts in a full dump of guest memory.
	Offset uint64
	// Size is the region length in bytes.
	Size uint64
}

// Region is a single contiguous piece of guest memory.
type Region interface {
	// Len is the region size in bytes.
	Len() uint64

	// WriteAllTo pushes exactly n bytes starting at region relative addr into w. Implementations may split the
	// range into several Write calls but always deliver it in address order.
	WriteAllTo(addr uint64, w io.Writer, n uint64) error

	// DirtyAt reports whether the VMM wrote to the page containing the region relative offset off.
	DirtyAt(off uint64) bool
}

// Memory enumerates the guest regions.
type Memory interface {
	// Describe returns the layout of every region, index i describes Regions()[i].
	Describe() []RegionInfo

	// Regions returns the regions in slot order.
	Regions() []Region

	// Dump pushes the content of every region, in layout order, into w.
	Dump(w io.Writer) error
}

// PageSizer is implemented by memories that track dirtiness at a fixed page size. Bit i of a dirty bitmap is page
// i of that size, so the synchronization engine must scan with the same one.
type PageSizer interface {
	PageSize() uint64
}

// DirtyBitmapSource is the hypervisor dirty page log.
type DirtyBitmapSource interface {
	// GetDirtyBitmap returns one bitmap per memory slot. Bit j of word i marks page i*64+j as dirty.
	// Reading the log resets it.
	GetDirtyBitmap() (map[int][]uint64, error)
}

// TotalSize is the number of bytes a full dump of m produces.
func TotalSize(m Memory) uint64 {
	var total uint64
	for _, r := range m.Describe() {
		if end := r.Offset + r.Size; end > total {
			total = end
		}
	}
	return total
}

// BitmapWords is the number of 64 bit words needed to track pages pages.
func BitmapWords(pages uint64) int {
	return int((pages + 63) / 64)
}

// BitSet reports whether page is marked in bitmap. Pages past the end of the bitmap are clean.
func BitSet(bitmap []uint64, page uint64) bool {
	w := page / 64
	if w >= uint64(len(bitmap)) {
		return false
	}
	return (bitmap[w]>>(page%64))&1 != 0
}
