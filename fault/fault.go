// Package fault implements the page-fault and syscall-argument pinning
// protocol of SPEC_FULL.md §4.3: validating and pinning every user buffer
// a syscall handler touches, growing the stack on a plausible stack miss,
// and killing the process on any other invalid access.
//
// It is grounded on the teaching kernel's original C syscall validation
// (userprog/syscall.c: validate, valid_up, validate_string, unpin_buffer,
// unpin_str, is_writable), reshaped from "walk raw bytes, looking up a
// thread-local SPT" into explicit functions over an injected spt.Table,
// since this module has no thread-local state of its own.
package fault

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/frametable"
	"github.com/utnfrba-so/vm-core/spt"
	"github.com/utnfrba-so/vm-core/swap"
)

// ErrInvalidAccess is wrapped around every validation failure that leads
// to process termination: a null or kernel-space pointer, an unmapped
// page too far below the stack pointer to be a plausible growth, or a
// write through a read-only FILE mapping.
var ErrInvalidAccess = errors.New("fault: invalid user memory access")

// Protocol bundles the frame pool, frame table, and stack-growth policy
// that every validation call needs, so call sites don't thread four
// parameters through every helper.
type Protocol struct {
	Pool           external.FramePool
	FrameTable     *frametable.Table
	SwapDevice     *swap.Device
	PageSize       int
	MaxStackSize   int
	StackHeuristic int // bytes below esp still treated as a plausible push
}

// ValidateRange pins and, if necessary, loads every page covering
// [ptr, ptr+size) so a syscall handler can safely dereference it for the
// duration of the call. esp is the stack pointer captured at syscall
// entry, used only to judge whether an unmapped page is a plausible
// stack-growth target. On any invalid page it terminates pid via tc.Kill
// and returns ErrInvalidAccess; callers must stop processing the syscall
// immediately afterward.
func (p *Protocol) ValidateRange(tc external.ThreadContext, table *spt.Table, esp, ptr external.Page, size int, forWrite bool) error {
	if size <= 0 {
		return fmt.Errorf("fault: ValidateRange: non-positive size %d", size)
	}

	start := pageRoundDown(ptr, p.PageSize)
	end := pageRoundDown(ptr+external.Page(size-1), p.PageSize)

	for page := start; ; page += external.Page(p.PageSize) {
		addr := page
		if addr < ptr {
			addr = ptr
		}
		if err := p.validateOne(tc, table, esp, addr, forWrite, true); err != nil {
			return err
		}
		if page == end {
			break
		}
	}
	return nil
}

// ValidateString pins and loads pages one byte at a time starting at ptr
// until it reads a NUL, matching validate_string's byte-at-a-time walk
// (a string's length isn't known up front, so no wider range can be
// computed before touching memory).
func (p *Protocol) ValidateString(tc external.ThreadContext, table *spt.Table, esp, ptr external.Page, readByte func(external.Page) (byte, bool)) error {
	for offset := 0; ; offset++ {
		cur := ptr + external.Page(offset)
		if err := p.validateOne(tc, table, esp, cur, false, true); err != nil {
			return err
		}
		b, ok := readByte(cur)
		if !ok {
			tc.Kill(-1)
			return fmt.Errorf("%w: unreadable byte at %#x", ErrInvalidAccess, cur)
		}
		if b == 0 {
			return nil
		}
	}
}

// validateOne implements valid_up for the page containing addr: an existing
// SPT entry is pinned in place when pin is true, then loaded if it isn't yet
// resident; an address with no SPT entry and no mapping is accepted only as
// a stack growth when addr lies no more than StackHeuristic bytes below esp;
// anything else kills the process. pin is false when called from the raw
// page-fault path, which installs the load but never holds the page pinned
// afterward.
func (p *Protocol) validateOne(tc external.ThreadContext, table *spt.Table, esp, addr external.Page, forWrite, pin bool) error {
	page := pageRoundDown(addr, p.PageSize)
	if page == 0 || !isUserAddress(page, tc.UserStackTop()) {
		tc.Kill(-1)
		return fmt.Errorf("%w: %#x is not a user address", ErrInvalidAccess, page)
	}

	pd := tc.PageDirectory()

	if entry, ok := table.Lookup(page); ok {
		if forWrite && entry.ForbidsWrite() {
			tc.Kill(-1)
			return fmt.Errorf("%w: write to read-only page %#x", ErrInvalidAccess, page)
		}

		if pin {
			entry.Pin()
		}
		if _, resident := pd.GetFrame(page); !resident {
			if err := entry.InstallLoad(p.Pool, pd, tc.PID(), p.FrameTable, p.SwapDevice); err != nil {
				slog.Error("fault: load failed during validation", "page", page, "err", err)
				tc.Kill(-1)
				return fmt.Errorf("%w: loading %#x: %v", ErrInvalidAccess, page, err)
			}
		}
		return nil
	}

	if _, resident := pd.GetFrame(page); resident {
		// Mapped with no SPT entry never happens in this model (every
		// mapping this module installs has a backing entry); treat it
		// defensively as invalid rather than silently trusting it.
		tc.Kill(-1)
		return fmt.Errorf("%w: mapped page %#x has no SPT entry", ErrInvalidAccess, page)
	}

	if addr+external.Page(p.StackHeuristic) < esp {
		tc.Kill(-1)
		return fmt.Errorf("%w: unmapped address %#x too far below esp %#x", ErrInvalidAccess, addr, esp)
	}

	distanceFromTop := int(tc.UserStackTop() - page)
	if _, err := table.GrowStack(page, distanceFromTop, p.MaxStackSize, pin, p.Pool, pd, p.FrameTable); err != nil {
		tc.Kill(-1)
		return fmt.Errorf("%w: stack growth at %#x: %v", ErrInvalidAccess, page, err)
	}
	return nil
}

// HandleFault is the raw page-fault entry point: unlike ValidateRange, it
// is not driven by a syscall handler checking a buffer in advance, so there
// is no pinning to do afterward — it only needs the fault to be resolved
// (or the process killed) before the faulting instruction resumes. It
// consults the SPT at the faulting address, installs the load if an entry
// exists, grows the stack if the address is a plausible stack miss, or
// kills the process.
func (p *Protocol) HandleFault(tc external.ThreadContext, table *spt.Table, faultAddr, stackPointer external.Page) error {
	return p.validateOne(tc, table, stackPointer, faultAddr, false, false)
}

// UnpinRange clears the pinned bit on every page covering [ptr, ptr+size),
// the post-syscall counterpart to ValidateRange (unpin_buffer).
func (p *Protocol) UnpinRange(table *spt.Table, ptr external.Page, size int) {
	start := pageRoundDown(ptr, p.PageSize)
	end := pageRoundDown(ptr+external.Page(size-1), p.PageSize)
	for page := start; ; page += external.Page(p.PageSize) {
		if entry, ok := table.Lookup(page); ok {
			entry.Unpin()
		}
		if page == end {
			break
		}
	}
}

// UnpinString clears the pinned bit on every page of a NUL-terminated
// string starting at ptr (unpin_str), given its already-known length.
func (p *Protocol) UnpinString(table *spt.Table, ptr external.Page, length int) {
	p.UnpinRange(table, ptr, length+1)
}

func pageRoundDown(addr external.Page, pageSize int) external.Page {
	return addr &^ external.Page(pageSize-1)
}

// isUserAddress rejects the null page and anything in kernel space. The
// teaching kernel's user/kernel split point is PHYS_BASE, which this module
// receives as the thread's UserStackTop: every address at or above top is
// kernel space.
func isUserAddress(p, top external.Page) bool {
	return p != 0 && p < top
}
