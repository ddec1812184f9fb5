// Package external declares the narrow interfaces the vm-core subsystems
// consume from the rest of a teaching kernel: page-directory primitives,
// the physical frame pool, file I/O, and the current thread's context.
// None of these are implemented here except by the in-memory fakes used
// in tests and by the demo CLI; a real kernel supplies its own.
package external

import "errors"

// ErrNoFreeFrame is returned by FramePool.Alloc when the user pool is
// exhausted. It is not itself fatal: frametable.GetFrame reacts to it by
// evicting a victim and retrying.
var ErrNoFreeFrame = errors.New("external: no free frame")

// PallocFlags mirrors Pintos's palloc flag bits.
type PallocFlags uint8

const (
	// FlagUser requests a frame from the user pool (the only pool this
	// module ever draws from).
	FlagUser PallocFlags = 1 << iota
	// FlagZero requests the returned frame be zero-filled.
	FlagZero
)

// Frame identifies a physical page frame by its kernel-virtual alias.
// The zero value never denotes a valid frame.
type Frame uintptr

// Page is a page-aligned user virtual address.
type Page uintptr

// PID identifies the owning process of a frame or SPT.
type PID uint64

// FramePool is the external user-frame allocator (`palloc`/`pfree`). In
// Pintos a frame is a dereferenceable kernel-virtual pointer; since Go
// cannot do that through an opaque Frame handle, ReadFrame/WriteFrame
// stand in for the direct memcpy the original does through that pointer.
type FramePool interface {
	Alloc(flags PallocFlags) (Frame, error)
	Free(f Frame)
	// ReadFrame copies exactly one page's worth of bytes out of f into
	// buf. len(buf) must equal the pool's page size.
	ReadFrame(f Frame, buf []byte)
	// WriteFrame copies exactly one page's worth of bytes from buf into
	// f. len(buf) must equal the pool's page size.
	WriteFrame(f Frame, buf []byte)
}

// PageDirectory exposes install/clear and accessed/dirty bit queries for
// one process's hardware page table.
type PageDirectory interface {
	Install(upage Page, kpage Frame, writable bool) bool
	Clear(upage Page)
	GetFrame(upage Page) (Frame, bool)
	IsDirty(upage Page) bool
	IsAccessed(upage Page) bool
	SetDirty(upage Page, dirty bool)
	SetAccessed(upage Page, accessed bool)
}

// FileHandle is an open file region usable for lazy load and write-back.
// Reopen returns an independent handle over the same underlying file, as
// Pintos's filesys_reopen does, so that two SPT entries (or a process
// and its forked child, were that in scope) never fight over one cursor.
type FileHandle interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Length() int64
	Reopen() (FileHandle, error)
	Close() error
}

// ThreadContext is the subset of the current thread's identity the fault
// protocol needs: which process it is acting for, that process's SPT, and
// the user stack pointer captured at syscall entry (never the kernel
// stack pointer — see SPEC_FULL §4, "Stack-pointer capture").
type ThreadContext interface {
	PID() PID
	PageDirectory() PageDirectory
	StackPointerAtEntry() Page
	// UserStackTop is the fixed top of the user address space a stack
	// grows down from (Pintos's PHYS_BASE); used to bound how far a stack
	// may grow and to reject addresses at or above it as kernel space.
	UserStackTop() Page
	// Kill terminates the owning process with the given exit status. It
	// does not return; callers treat it as terminal but Go cannot
	// express that in the type system, so callers still `return` right
	// after calling it.
	Kill(status int)
}
