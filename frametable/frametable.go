// Package frametable implements the FrameTable and eviction engine of
// SPEC_FULL.md §3.2/§4.2: a registry of every occupied user frame plus the
// enhanced second-chance scan that picks a victim when the pool is empty.
//
// It is grounded on two sources: the list-scan shape is adapted from
// sarchlab-akita's mem/vm/pagetable.go, which keeps its page table entries
// in a container/list.List for the same reason (O(1) move-to-back on
// touch, O(n) scan on eviction); the victim-selection algorithm itself and
// the frame_table_lock/pin_lock pairing are a direct port of the
// three-phase clock in the teaching kernel's original C frame allocator
// (vm/frame.c: frame_alloc, get_victim_frame, evict_frame).
package frametable

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/internal/vmsync"
	"github.com/utnfrba-so/vm-core/swap"
)

// Evictable is the narrow view a FrameTable needs of whatever owns a
// resident frame. package spt's Entry implements it; frametable never
// imports spt, which is what breaks the natural circular dependency
// between "the table that evicts pages" and "the pages that know how to
// be evicted".
type Evictable interface {
	// PageAddr is the user virtual address this entry is mapped at.
	PageAddr() external.Page
	// Pinned reports the entry's pinned bit. The caller must hold
	// vmsync.Pin for the read to be meaningful; GetFrame and the evictor
	// always do.
	Pinned() bool
	// IsCodeKind reports whether this entry is an anonymous CODE page
	// (always swap-backed), as opposed to a FILE/MMAP page that evict_frame
	// would otherwise try to write back to its file.
	IsCodeKind() bool
	// WriteBackIfDirty flushes the page to its backing file if it is a
	// writable-file or mmap mapping and the dirty bit is set. It is a
	// no-op for CODE/anonymous entries.
	WriteBackIfDirty(pool external.FramePool, pd external.PageDirectory) error
	// Evict detaches the entry from its frame, swapping its content out
	// first if the kind requires it (CODE, or a non-mmap FILE entry, which
	// it first promotes to CODE). It does not touch the page directory; the table
	// clears that mapping itself once Evict returns.
	Evict(pool external.FramePool, pd external.PageDirectory, dev *swap.Device) error
}

// ErrFatalIO is wrapped around any I/O failure encountered while writing a
// victim frame back to disk or to swap during eviction. SPEC_FULL §7
// treats this as fatal to the process that triggered the fault, never a
// kernel panic: callers translate it into ThreadContext.Kill, not a crash.
var ErrFatalIO = errors.New("frametable: fatal I/O failure during eviction")

type tableEntry struct {
	frame external.Frame
	pid   external.PID
	pd    external.PageDirectory
	owner Evictable
	elem  *list.Element
}

// Table is the system-wide frame table: one entry per occupied user frame,
// ordered by least-recently-touched for the clock scan.
type Table struct {
	mu      sync.Mutex // frame_table_lock; never acquired outside this package
	pool    external.FramePool
	dev     *swap.Device
	byFrame map[external.Frame]*tableEntry
	clock   *list.List
}

// New creates an empty frame table drawing frames from pool and swapping
// victims out to dev.
func New(pool external.FramePool, dev *swap.Device) *Table {
	return &Table{
		pool:    pool,
		dev:     dev,
		byFrame: make(map[external.Frame]*tableEntry),
		clock:   list.New(),
	}
}

// GetFrame returns a frame for owner's page, evicting a victim if the pool
// is exhausted. It registers the returned frame against pid/pd/owner
// before returning it; the caller is responsible for installing the page
// directory mapping afterward.
func (t *Table) GetFrame(pid external.PID, pd external.PageDirectory, owner Evictable, flags external.PallocFlags) (external.Frame, error) {
	if frame, err := t.pool.Alloc(flags); err == nil {
		t.mu.Lock()
		t.register(frame, pid, pd, owner)
		t.mu.Unlock()
		return frame, nil
	} else if !errors.Is(err, external.ErrNoFreeFrame) {
		return 0, err
	}

	vmsync.Pin.Lock()
	defer vmsync.Pin.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		frame, err := t.pool.Alloc(flags)
		if err == nil {
			t.register(frame, pid, pd, owner)
			return frame, nil
		}
		if !errors.Is(err, external.ErrNoFreeFrame) {
			return 0, err
		}

		victim := t.selectVictim()
		if victim == nil {
			return 0, fmt.Errorf("frametable: no victim found in non-empty table")
		}
		if err := t.evict(victim); err != nil {
			return 0, err
		}
		// loop: the pool now has at least one free frame. Another
		// goroutine's unlocked fast-path Alloc can still take it first;
		// in that case the retry fails and the loop evicts again.
	}
}

// register records a freshly allocated frame as occupied and pushes it to
// the back of the clock list (most-recently-used end).
func (t *Table) register(frame external.Frame, pid external.PID, pd external.PageDirectory, owner Evictable) {
	te := &tableEntry{frame: frame, pid: pid, pd: pd, owner: owner}
	te.elem = t.clock.PushBack(te)
	t.byFrame[frame] = te
}

// selectVictim runs the enhanced second-chance scan over the clock list in
// FIFO order, in the same three phases as the original get_victim_frame:
// phase 1 opportunistically cleans dirty non-CODE pages as it passes them
// (writing back and clearing the dirty bit, without evicting them this
// round) and returns the first clean, unaccessed candidate; phase 2 clears
// the accessed bit on everything phase 1 skipped and re-scans for a
// not-accessed, not-dirty-or-CODE candidate; phase 3 falls back to the
// first unpinned frame in FIFO order. Pinned frames are skipped in every
// phase and never have their dirty/accessed bits touched.
func (t *Table) selectVictim() *tableEntry {
	if victim := t.scanClean(); victim != nil {
		return victim
	}
	if victim := t.scanSecondChance(); victim != nil {
		return victim
	}
	return t.scanFallback()
}

// scanClean is phase 1: it writes back dirty non-CODE pages in place
// (continuing the scan rather than evicting them) and returns the first
// unpinned, unaccessed candidate it finds along the way.
func (t *Table) scanClean() *tableEntry {
	for e := t.clock.Front(); e != nil; e = e.Next() {
		te := e.Value.(*tableEntry)
		if te.owner.Pinned() {
			continue
		}
		addr := te.owner.PageAddr()

		if !te.owner.IsCodeKind() {
			if te.pd.IsDirty(addr) {
				if err := te.owner.WriteBackIfDirty(t.pool, te.pd); err != nil {
					slog.Error("phase 1 write-back failed, leaving page dirty", "frame", te.frame, "pid", te.pid, "err", err)
					continue
				}
				te.pd.SetDirty(addr, false)
				continue
			}
			if !te.pd.IsAccessed(addr) {
				return te
			}
			continue
		}

		if !te.pd.IsDirty(addr) && !te.pd.IsAccessed(addr) {
			return te
		}
	}
	return nil
}

// scanSecondChance is phase 2: every frame phase 1 skipped over had its
// accessed bit set, was a dirty CODE page, or was a non-CODE page phase 1
// just wrote back. This pass returns the first unpinned frame that is
// unaccessed and (not dirty or CODE), and clears the accessed bit on every
// frame it passes over without returning.
func (t *Table) scanSecondChance() *tableEntry {
	for e := t.clock.Front(); e != nil; e = e.Next() {
		te := e.Value.(*tableEntry)
		if te.owner.Pinned() {
			continue
		}
		addr := te.owner.PageAddr()
		dirty := te.pd.IsDirty(addr)
		accessed := te.pd.IsAccessed(addr)

		if (!dirty || te.owner.IsCodeKind()) && !accessed {
			return te
		}
		te.pd.SetAccessed(addr, false)
	}
	return nil
}

// scanFallback is phase 3: no unpinned frame qualified in phases 1 or 2,
// so this returns the first unpinned frame in FIFO order.
func (t *Table) scanFallback() *tableEntry {
	for e := t.clock.Front(); e != nil; e = e.Next() {
		te := e.Value.(*tableEntry)
		if !te.owner.Pinned() {
			return te
		}
	}
	return nil
}

// evict writes a victim's content out if necessary, detaches it from its
// page directory, and returns its frame to the pool. Callers must already
// hold t.mu; evict never acquires vmsync.Evict, matching the original
// allocator where evict_frame runs entirely under frame_table_lock.
func (t *Table) evict(te *tableEntry) error {
	if err := te.owner.Evict(t.pool, te.pd, t.dev); err != nil {
		slog.Error("eviction failed", "frame", te.frame, "pid", te.pid, "err", err)
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	te.pd.Clear(te.owner.PageAddr())
	t.clock.Remove(te.elem)
	delete(t.byFrame, te.frame)
	t.pool.Free(te.frame)
	slog.Debug("evicted frame", "frame", te.frame, "pid", te.pid)
	return nil
}

// FreeFrame releases an owned frame back to the pool without eviction,
// for the normal (non-paging) teardown path: SPT release calls this once
// it has already handled write-back itself.
func (t *Table) FreeFrame(frame external.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	te, ok := t.byFrame[frame]
	if !ok {
		return
	}
	t.clock.Remove(te.elem)
	delete(t.byFrame, frame)
	t.pool.Free(frame)
}

// Touch moves frame to the back of the clock list, recording recent use
// outside of the hardware accessed bit. The fault protocol does not call
// it; a fault on an already-resident page leaves the list order unchanged.
func (t *Table) Touch(frame external.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if te, ok := t.byFrame[frame]; ok {
		t.clock.MoveToBack(te.elem)
	}
}

// Len reports how many frames are currently tracked, for tests and
// observability logging.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Len()
}
