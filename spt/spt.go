// Package spt implements the Supplemental Page Table of SPEC_FULL.md §3.1:
// per-process bookkeeping of every user page's backing (lazily-loaded
// executable code, a mapped file, or an mmap region) independent of
// whether it currently occupies a frame.
//
// It is grounded directly on the teaching kernel's original C
// implementation (vm/page.c: create_spte_code/create_spte_file/
// create_spte_mmap, install_load_page, free_spte, grow_stack), reshaped
// from one struct with a type tag and a union of rarely-all-valid fields
// into a small tagged-union via an unexported backing interface, matching
// SPEC_FULL's DESIGN NOTES §9 guidance ("kind as a tagged variant").
package spt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/frametable"
	"github.com/utnfrba-so/vm-core/internal/collections"
	"github.com/utnfrba-so/vm-core/internal/vmsync"
	"github.com/utnfrba-so/vm-core/swap"
)

// PageKind tags which of the three backings an Entry holds.
type PageKind int

const (
	// KindCode is a zero-fill-on-demand or swap-backed anonymous page:
	// the original process stack/heap/bss, or a page already evicted to
	// swap once.
	KindCode PageKind = iota
	// KindFile is a lazily-loaded, read-only-by-default segment of an
	// executable (demand-paged .text/.data).
	KindFile
	// KindMmap is a page belonging to an explicit mmap mapping; always
	// writable and always written back through its file on eviction or
	// unmap, never through swap.
	KindMmap
)

func (k PageKind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindFile:
		return "file"
	case KindMmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// backing is the payload that differs by PageKind. Only one concrete type
// is ever behind an Entry's back field at a time, so a type switch on it
// stands in for the original's union of rarely-all-valid fields.
type backing interface {
	isBacking()
}

type codeBacking struct {
	inSwap   bool
	swapSlot swap.Slot
}

func (codeBacking) isBacking() {}

type fileBacking struct {
	file      external.FileHandle
	offset    int64
	readBytes int
	zeroBytes int
	writable  bool
	mmap      bool
}

func (fileBacking) isBacking() {}

// Entry is one page's worth of supplemental bookkeeping. It implements
// frametable.Evictable so the frame table can drive its eviction without
// importing this package.
type Entry struct {
	upage external.Page
	kind  PageKind
	back  backing

	frame    external.Frame
	resident bool
	pinned   bool
}

var _ frametable.Evictable = (*Entry)(nil)

// PageAddr implements frametable.Evictable.
func (e *Entry) PageAddr() external.Page { return e.upage }

// Pinned implements frametable.Evictable. The caller (frametable, via its
// own GetFrame/selectVictim) always holds vmsync.Pin already; Entry itself
// never locks here to avoid taking the same lock twice on the same path.
func (e *Entry) Pinned() bool { return e.pinned }

// IsCodeKind implements frametable.Evictable.
func (e *Entry) IsCodeKind() bool { return e.kind == KindCode }

// ForbidsWrite reports whether a write through this page must kill the
// writing process: true only for a FILE mapping opened read-only
// (is_writable in the original). CODE and MMAP pages are always
// writable.
func (e *Entry) ForbidsWrite() bool {
	fb, ok := e.back.(fileBacking)
	return ok && !fb.mmap && !fb.writable
}

// IsPinned reports the entry's pinned bit, taking vmsync.Pin itself. Use
// this from callers that don't already hold the lock (tests, the fault
// protocol); Pinned itself assumes the caller (frametable's scan) already
// holds it.
func (e *Entry) IsPinned() bool {
	vmsync.Pin.Lock()
	defer vmsync.Pin.Unlock()
	return e.pinned
}

// Resident reports whether the entry currently occupies a frame.
func (e *Entry) Resident() bool { return e.resident }

// Pin sets the pinned bit under vmsync.Pin, for syscall argument buffers
// that must survive eviction for the duration of a syscall handler.
func (e *Entry) Pin() {
	vmsync.Pin.Lock()
	defer vmsync.Pin.Unlock()
	e.pinned = true
}

// Unpin clears the pinned bit under vmsync.Pin.
func (e *Entry) Unpin() {
	vmsync.Pin.Lock()
	defer vmsync.Pin.Unlock()
	e.pinned = false
}

// WriteBackIfDirty implements frametable.Evictable: MMAP pages and
// writable FILE pages flush to their backing file when the hardware dirty
// bit is set; CODE pages and read-only FILE pages never do.
func (e *Entry) WriteBackIfDirty(pool external.FramePool, pd external.PageDirectory) error {
	fb, ok := e.back.(fileBacking)
	if !ok || !(fb.mmap || fb.writable) {
		return nil
	}
	if !pd.IsDirty(e.upage) {
		return nil
	}

	buf := make([]byte, fb.readBytes)
	pool.ReadFrame(e.frame, buf[:fb.readBytes])
	n, err := fb.file.WriteAt(buf, fb.offset)
	if err != nil {
		return fmt.Errorf("spt: writing back page at %#x: %w", e.upage, err)
	}
	if n != fb.readBytes {
		return fmt.Errorf("spt: short write-back at %#x: wrote %d of %d bytes", e.upage, n, fb.readBytes)
	}
	return nil
}

// Evict implements frametable.Evictable: it writes the page's content out
// (to its file for MMAP when dirty, to a freshly allocated swap slot for
// CODE and for a non-mmap FILE page, which is first promoted to CODE) and
// marks the entry non-resident. The caller (frametable.evict) clears
// the page-directory mapping and frees the frame itself once this
// returns.
func (e *Entry) Evict(pool external.FramePool, pd external.PageDirectory, dev *swap.Device) error {
	switch fb := e.back.(type) {
	case fileBacking:
		if fb.mmap {
			if err := e.WriteBackIfDirty(pool, pd); err != nil {
				return err
			}
			e.resident = false
			e.frame = 0
			return nil
		}
		// A non-mmap FILE page is promoted to CODE and falls through to
		// the swap path below, per the original's evict_frame (case
		// FILE: spte->type = CODE;): if it was writable and dirty, its
		// content must survive in swap rather than being silently
		// dropped, since nothing else remembers what was written to it.
		e.kind = KindCode
		e.back = codeBacking{}

	case codeBacking:
		// fall through to the swap-out path below.

	default:
		return fmt.Errorf("spt: evict: unknown backing for %#x", e.upage)
	}

	buf := make([]byte, dev.PageSize())
	pool.ReadFrame(e.frame, buf)
	slot, err := dev.Alloc()
	if err != nil {
		return fmt.Errorf("spt: evicting %#x: %w", e.upage, err)
	}
	if err := dev.Write(slot, buf); err != nil {
		dev.Free(slot)
		return fmt.Errorf("spt: evicting %#x: %w", e.upage, err)
	}
	e.back = codeBacking{inSwap: true, swapSlot: slot}
	e.resident = false
	e.frame = 0
	return nil
}

// InstallLoad materializes e's content into a fresh frame and installs
// the page-directory mapping, evicting a victim via ft if the frame pool
// is exhausted. It serializes with every other InstallLoad and with
// eviction via vmsync.Evict, exactly matching the original's evict_lock
// scope (held across frame acquisition, content materialization, and
// install_page together, never just around the frame allocation alone).
func (e *Entry) InstallLoad(pool external.FramePool, pd external.PageDirectory, pid external.PID, ft *frametable.Table, dev *swap.Device) error {
	vmsync.Evict.Lock()
	defer vmsync.Evict.Unlock()

	switch fb := e.back.(type) {
	case fileBacking:
		frame, err := ft.GetFrame(pid, pd, e, external.FlagUser)
		if err != nil {
			return fmt.Errorf("spt: loading %#x: %w", e.upage, err)
		}

		buf := make([]byte, fb.readBytes+fb.zeroBytes)
		n, err := fb.file.ReadAt(buf[:fb.readBytes], fb.offset)
		if err != nil {
			ft.FreeFrame(frame)
			return fmt.Errorf("spt: reading %#x: %w", e.upage, err)
		}
		if n != fb.readBytes {
			ft.FreeFrame(frame)
			return fmt.Errorf("spt: short read at %#x: got %d of %d bytes", e.upage, n, fb.readBytes)
		}
		pool.WriteFrame(frame, buf)

		if !pd.Install(e.upage, frame, fb.writable) {
			ft.FreeFrame(frame)
			return fmt.Errorf("spt: installing mapping at %#x failed", e.upage)
		}
		e.frame = frame
		e.resident = true
		return nil

	case codeBacking:
		frame, err := ft.GetFrame(pid, pd, e, external.FlagUser|external.FlagZero)
		if err != nil {
			return fmt.Errorf("spt: loading %#x: %w", e.upage, err)
		}
		if !pd.Install(e.upage, frame, true) {
			ft.FreeFrame(frame)
			return fmt.Errorf("spt: installing mapping at %#x failed", e.upage)
		}
		e.frame = frame
		e.resident = true

		if fb.inSwap {
			buf := make([]byte, dev.PageSize())
			if err := dev.Read(fb.swapSlot, buf); err != nil {
				return fmt.Errorf("spt: swapping in %#x: %w", e.upage, err)
			}
			pool.WriteFrame(frame, buf)
			dev.Free(fb.swapSlot)
			e.back = codeBacking{}
		}
		return nil

	default:
		return fmt.Errorf("spt: install: unknown backing for %#x", e.upage)
	}
}

// Table is one process's Supplemental Page Table.
type Table struct {
	pid     external.PID
	dev     *swap.Device
	entries map[external.Page]*Entry
	// mmapRuns tracks, by the first page of a mapping, the ordered list
	// of pages that mapping allocated, so DestroyMmap can tear it down
	// without trusting any single entry's bookkeeping (see the
	// ceil(length/page_size) fix in SPEC_FULL §8).
	mmapRuns map[external.Page]*collections.List[external.Page]
}

// New creates an empty SPT for pid, whose CODE entries swap through dev.
func New(pid external.PID, dev *swap.Device) *Table {
	return &Table{
		pid:      pid,
		dev:      dev,
		entries:  make(map[external.Page]*Entry),
		mmapRuns: make(map[external.Page]*collections.List[external.Page]),
	}
}

// Lookup returns the entry for upage, if any.
func (t *Table) Lookup(upage external.Page) (*Entry, bool) {
	e, ok := t.entries[upage]
	return e, ok
}

// CreateCode registers upage as a zero-fill anonymous page (stack growth,
// or a bss page never yet touched).
func (t *Table) CreateCode(upage external.Page) (*Entry, error) {
	if _, exists := t.entries[upage]; exists {
		return nil, fmt.Errorf("spt: %#x already mapped", upage)
	}
	e := &Entry{upage: upage, kind: KindCode, back: codeBacking{}}
	t.entries[upage] = e
	return e, nil
}

// CreateFile registers the run of pages covering [ofs, ofs+readBytes) of
// file at upage, zero-filling the tail of the final page up to
// read_bytes+zero_bytes, mirroring create_spte_file.
func (t *Table) CreateFile(file external.FileHandle, ofs int64, upage external.Page, readBytes, zeroBytes int, writable bool, pageSize int) error {
	for readBytes > 0 || zeroBytes > 0 {
		pageRead := readBytes
		if pageRead > pageSize {
			pageRead = pageSize
		}
		pageZero := pageSize - pageRead

		if _, exists := t.entries[upage]; exists {
			return fmt.Errorf("spt: %#x already mapped", upage)
		}
		t.entries[upage] = &Entry{
			upage: upage,
			kind:  KindFile,
			back: fileBacking{
				file:      file,
				offset:    ofs,
				readBytes: pageRead,
				zeroBytes: pageZero,
				writable:  writable,
			},
		}

		ofs += int64(pageRead)
		readBytes -= pageRead
		zeroBytes -= pageZero
		upage += external.Page(pageSize)
	}
	return nil
}

// ErrMmapOverlap is returned by CreateMmap when any page of the requested
// range is already mapped.
var ErrMmapOverlap = errors.New("spt: mmap range overlaps an existing mapping")

// CreateMmap registers a writable mmap mapping of file's first length
// bytes at upage. If any page in the range is already mapped, it rolls
// back every entry it had already created and returns ErrMmapOverlap,
// matching create_spte_mmap's free_spte_mmap-on-conflict behavior.
func (t *Table) CreateMmap(file external.FileHandle, length int64, upage external.Page, pageSize int) error {
	if _, exists := t.mmapRuns[upage]; exists {
		return fmt.Errorf("spt: %#x already the start of an mmap run", upage)
	}

	run := &collections.List[external.Page]{}
	ofs := int64(0)
	page := upage
	remaining := length

	for remaining > 0 {
		if _, exists := t.entries[page]; exists {
			for _, p := range run.GetAll() {
				delete(t.entries, p)
			}
			return ErrMmapOverlap
		}

		readBytes := remaining
		if readBytes > int64(pageSize) {
			readBytes = int64(pageSize)
		}
		t.entries[page] = &Entry{
			upage: page,
			kind:  KindMmap,
			back: fileBacking{
				file:      file,
				offset:    ofs,
				readBytes: int(readBytes),
				zeroBytes: pageSize - int(readBytes),
				writable:  true,
				mmap:      true,
			},
		}
		run.Add(page)

		ofs += readBytes
		remaining -= readBytes
		page += external.Page(pageSize)
	}

	t.mmapRuns[upage] = run
	return nil
}

// DestroyMmap tears down the mapping that started at upage: for every
// page in the run, it writes back if dirty and resident, clears the page
// directory mapping, releases the frame, and removes the SPT entry. The
// run length is read from mmapRuns rather than recomputed from file
// length, which is what lets this survive a page whose read_bytes the
// original's free_spte_mmap miscounted when the file length was not an
// exact multiple of the page size (SPEC_FULL §8).
func (t *Table) DestroyMmap(upage external.Page, pool external.FramePool, pd external.PageDirectory, ft *frametable.Table) error {
	run, ok := t.mmapRuns[upage]
	if !ok {
		return fmt.Errorf("spt: %#x is not the start of a known mmap run", upage)
	}
	delete(t.mmapRuns, upage)

	for _, page := range run.GetAll() {
		e, exists := t.entries[page]
		if !exists {
			continue
		}
		if err := t.release(e, pool, pd, ft); err != nil {
			return err
		}
	}
	return nil
}

// release implements free_spte: write back if resident and dirty-able,
// clear the page directory mapping, free the frame via the frame table,
// free any swap slot still held, then drop the SPT entry itself. The
// order matters — clearing the PD mapping before freeing the frame
// guarantees no other thread can fault the stale mapping back in while
// the frame is mid-teardown.
func (t *Table) release(e *Entry, pool external.FramePool, pd external.PageDirectory, ft *frametable.Table) error {
	if e.resident {
		if err := e.WriteBackIfDirty(pool, pd); err != nil {
			slog.Error("write-back failed during release", "page", e.upage, "err", err)
			return err
		}
		pd.Clear(e.upage)
		ft.FreeFrame(e.frame)
		e.resident = false
		e.frame = 0
	}
	if cb, ok := e.back.(codeBacking); ok && cb.inSwap {
		t.dev.Free(cb.swapSlot)
	}
	delete(t.entries, e.upage)
	return nil
}

// DestroyAll tears down every entry in the table, for process exit.
func (t *Table) DestroyAll(pool external.FramePool, pd external.PageDirectory, ft *frametable.Table) {
	for _, e := range t.entries {
		if err := t.release(e, pool, pd, ft); err != nil {
			slog.Error("error releasing page during process teardown", "page", e.upage, "err", err)
		}
	}
}

// GrowStack registers a new zero-fill CODE page at the faulting address
// and loads it immediately, refusing growth that would exceed maxStackSize
// bytes below PHYS_BASE-equivalent top-of-stack.
func (t *Table) GrowStack(upage external.Page, distanceFromTop int, maxStackSize int, pinned bool, pool external.FramePool, pd external.PageDirectory, ft *frametable.Table) (*Entry, error) {
	if distanceFromTop > maxStackSize {
		return nil, fmt.Errorf("spt: stack growth to %#x exceeds max stack size", upage)
	}
	e, err := t.CreateCode(upage)
	if err != nil {
		return nil, err
	}
	if pinned {
		e.Pin()
	}
	if err := e.InstallLoad(pool, pd, t.pid, ft, t.dev); err != nil {
		delete(t.entries, upage)
		return nil, err
	}
	return e, nil
}
