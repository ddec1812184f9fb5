package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/internal/vmtest"
	"github.com/utnfrba-so/vm-core/spt"
)

var lazyLoadCmd = &cobra.Command{
	Use:   "lazy-load",
	Short: "Loads a page from an executable only on first touch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)
		file := vmtest.NewFile([]byte("int main() { return 0; }"))
		if err := h.table.CreateFile(file, 0, 0x400000, 25, cfg.PageSize-25, false, cfg.PageSize); err != nil {
			return err
		}

		e, ok := h.table.Lookup(0x400000)
		if !ok {
			return fmt.Errorf("page was not registered")
		}
		if e.Resident() {
			return fmt.Errorf("page must not be resident before first touch")
		}
		fmt.Println("before touch: page not resident, as expected")

		tc := vmtest.NewThreadContext(1, h.pd, 0, demoStackTop)
		if err := h.protocol.ValidateRange(tc, h.table, tc.StackPointerAtEntry(), 0x400000, 4, false); err != nil {
			return err
		}
		if !e.Resident() {
			return fmt.Errorf("page should be resident after the validating fault")
		}
		fmt.Println("after touch: page loaded lazily and pinned for the syscall")
		h.protocol.UnpinRange(h.table, 0x400000, 4)
		return nil
	},
}

var stackGrowthCmd = &cobra.Command{
	Use:   "stack-growth",
	Short: "Grows the stack on a fault just below the current stack pointer.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)
		top := demoStackTop
		esp := top - 4096
		tc := vmtest.NewThreadContext(1, h.pd, esp, top)

		target := esp - 16
		if err := h.protocol.ValidateRange(tc, h.table, esp, target, 4, false); err != nil {
			return err
		}
		if tc.Killed {
			return fmt.Errorf("stack growth unexpectedly killed the process")
		}
		fmt.Printf("stack grew to cover %#x\n", target)
		return nil
	},
}

var pageFaultCmd = &cobra.Command{
	Use:   "page-fault",
	Short: "Resolves a raw page fault (not a syscall buffer check) without pinning the page.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)
		file := vmtest.NewFile([]byte("fault-handler demo content"))
		if err := h.table.CreateFile(file, 0, 0x400000, 27, cfg.PageSize-27, false, cfg.PageSize); err != nil {
			return err
		}
		tc := vmtest.NewThreadContext(1, h.pd, demoStackTop-4096, demoStackTop)

		if err := h.protocol.HandleFault(tc, h.table, 0x400000, tc.StackPointerAtEntry()); err != nil {
			return err
		}
		if tc.Killed {
			return fmt.Errorf("page fault unexpectedly killed the process")
		}
		e, _ := h.table.Lookup(0x400000)
		fmt.Printf("page fault resolved: resident=%v pinned=%v\n", e.Resident(), e.IsPinned())
		return nil
	},
}

var evictionCmd = &cobra.Command{
	Use:   "eviction",
	Short: "Forces eviction by requesting more pages than there are frames.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)
		pages := cfg.FrameCount + 1
		var last *spt.Entry
		for i := 0; i < pages; i++ {
			upage := external.Page(0x1000 * (i + 1))
			e, err := h.table.CreateCode(upage)
			if err != nil {
				return err
			}
			if err := e.InstallLoad(h.pool, h.pd, 1, h.ft, h.dev); err != nil {
				return err
			}
			last = e
		}
		slog.Info("eviction demo complete", "pages_requested", pages, "frames_available", cfg.FrameCount)
		if h.ft.Len() != cfg.FrameCount {
			return fmt.Errorf("frame table holds %d entries, want %d", h.ft.Len(), cfg.FrameCount)
		}
		fmt.Printf("requested %d pages against %d frames; table settled at %d resident frames (last page %#x resident=%v)\n",
			pages, cfg.FrameCount, h.ft.Len(), last.PageAddr(), last.Resident())
		return nil
	},
}

var mmapWritebackCmd = &cobra.Command{
	Use:   "mmap-writeback",
	Short: "Writes a dirty mmap page back to its file on unmap.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)
		file := vmtest.NewFile(make([]byte, cfg.PageSize))
		if err := h.table.CreateMmap(file, int64(cfg.PageSize), 0x500000, cfg.PageSize); err != nil {
			return err
		}
		e, _ := h.table.Lookup(0x500000)
		if err := e.InstallLoad(h.pool, h.pd, 1, h.ft, h.dev); err != nil {
			return err
		}
		frame, _ := h.pd.GetFrame(0x500000)
		h.pool.WriteFrame(frame, []byte("mmap data"+string(make([]byte, cfg.PageSize-9))))
		h.pd.MarkDirty(0x500000)

		if err := h.table.DestroyMmap(0x500000, h.pool, h.pd, h.ft); err != nil {
			return err
		}
		fmt.Printf("file now holds: %q\n", file.Snapshot()[:9])
		return nil
	},
}

var overlapRejectCmd = &cobra.Command{
	Use:   "overlap-reject",
	Short: "Rejects an mmap request that overlaps an existing mapping.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)
		if _, err := h.table.CreateCode(0x600000); err != nil {
			return err
		}
		file := vmtest.NewFile(make([]byte, cfg.PageSize))
		err := h.table.CreateMmap(file, int64(cfg.PageSize), 0x600000, cfg.PageSize)
		if err == nil {
			return fmt.Errorf("expected the overlapping mmap to be rejected")
		}
		fmt.Printf("mmap correctly rejected: %v\n", err)
		return nil
	},
}

var pinnedSurvivesCmd = &cobra.Command{
	Use:   "pinned-survives",
	Short: "Shows a pinned buffer surviving eviction pressure from a concurrent loader.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := newHarness(1)

		pinnedEntry, err := h.table.CreateCode(0x700000)
		if err != nil {
			return err
		}
		if err := pinnedEntry.InstallLoad(h.pool, h.pd, 1, h.ft, h.dev); err != nil {
			return err
		}
		pinnedEntry.Pin()
		defer pinnedEntry.Unpin()

		// Each goroutine stands in for a different process faulting in a
		// page concurrently: a separate spt.Table (no process mutates
		// another's), but the same shared frame pool, frame table, and
		// page directory, which is exactly the contended resource this
		// scenario is meant to exercise.
		var g errgroup.Group
		for i := 0; i < cfg.FrameCount+4; i++ {
			i := i
			g.Go(func() error {
				procPID := external.PID(i + 2)
				procTable := spt.New(procPID, h.dev)
				upage := external.Page(0x800000 + i*cfg.PageSize)
				e, err := procTable.CreateCode(upage)
				if err != nil {
					return err
				}
				return e.InstallLoad(h.pool, h.pd, procPID, h.ft, h.dev)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if !pinnedEntry.Resident() {
			return fmt.Errorf("pinned page was evicted under pressure")
		}
		fmt.Println("pinned page survived concurrent eviction pressure")
		return nil
	},
}

// demoStackTop stands in for Pintos's PHYS_BASE: the fixed top of the
// user address space every scenario's stack grows down from.
const demoStackTop = external.Page(0x7FFFFFFF)
