// Package swap implements the SwapDevice of SPEC_FULL.md §3.3: a
// bitmap-allocated store of fixed-size slots over a single backing file.
// It is adapted from the teaching kernel's swap-file handling
// (memoria/services/all_swap.go), reshaped from "append whole processes at
// growing offsets" to "allocate one page-sized slot per anonymous page",
// which is what the SPT ↔ FrameTable protocol in SPEC_FULL needs.
package swap

import (
	"fmt"
	"log/slog"
	"sync"
)

// Slot identifies one allocated region of the swap device.
type Slot int

// backingStore is the minimal file-like contract the device writes
// through. A real kernel supplies the raw swap partition; tests and the
// demo CLI pass an *os.File or an in-memory buffer satisfying it.
type backingStore interface {
	WriteAt(b []byte, off int64) (int, error)
	ReadAt(b []byte, off int64) (int, error)
}

// Device is a fixed-size bitmap-allocated slot store.
type Device struct {
	mu       sync.Mutex
	store    backingStore
	pageSize int
	used     []bool
}

// NewDevice creates a swap device of slotCount page-sized slots backed by
// store.
func NewDevice(store backingStore, pageSize, slotCount int) *Device {
	return &Device{
		store:    store,
		pageSize: pageSize,
		used:     make([]bool, slotCount),
	}
}

// ErrSwapFull is returned by Alloc when every slot is occupied. SPEC_FULL
// §7 treats this as ResourceExhausted(swap): fatal to the calling process,
// never a system-wide panic (DESIGN NOTES §9(c)).
var ErrSwapFull = fmt.Errorf("swap: device full")

// Alloc reserves and returns the index of a free slot.
func (d *Device) Alloc() (Slot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, used := range d.used {
		if !used {
			d.used[i] = true
			return Slot(i), nil
		}
	}
	slog.Error("swap device exhausted", "slots", len(d.used))
	return -1, ErrSwapFull
}

// Free releases slot back to the pool. Freeing an already-free slot is a
// programmer error in this module (every caller tracks its own slot
// ownership per SPEC_FULL §3.3) and panics rather than silently
// corrupting the bitmap.
func (d *Device) Free(s Slot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(s) < 0 || int(s) >= len(d.used) {
		panic(fmt.Sprintf("swap: Free: slot %d out of range", s))
	}
	if !d.used[s] {
		panic(fmt.Sprintf("swap: Free: slot %d already free", s))
	}
	d.used[s] = false
}

// Write copies one page's worth of data into slot.
func (d *Device) Write(s Slot, page []byte) error {
	if len(page) != d.pageSize {
		return fmt.Errorf("swap: Write: page is %d bytes, want %d", len(page), d.pageSize)
	}
	off := int64(s) * int64(d.pageSize)
	if _, err := d.store.WriteAt(page, off); err != nil {
		return fmt.Errorf("swap: writing slot %d: %w", s, err)
	}
	return nil
}

// Read fills page with the contents of slot. page must be exactly one
// page long.
func (d *Device) Read(s Slot, page []byte) error {
	if len(page) != d.pageSize {
		return fmt.Errorf("swap: Read: page is %d bytes, want %d", len(page), d.pageSize)
	}
	off := int64(s) * int64(d.pageSize)
	if _, err := d.store.ReadAt(page, off); err != nil {
		return fmt.Errorf("swap: reading slot %d: %w", s, err)
	}
	return nil
}

// PageSize reports the fixed page size every slot holds.
func (d *Device) PageSize() int { return d.pageSize }

// FreeSlotCount reports how many slots are currently unallocated, mirroring
// the teacher's contarFramesLibres helper used for observability logging.
func (d *Device) FreeSlotCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	free := 0
	for _, used := range d.used {
		if !used {
			free++
		}
	}
	return free
}
