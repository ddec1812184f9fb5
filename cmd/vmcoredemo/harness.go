package main

import (
	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/fault"
	"github.com/utnfrba-so/vm-core/frametable"
	"github.com/utnfrba-so/vm-core/internal/vmtest"
	"github.com/utnfrba-so/vm-core/spt"
	"github.com/utnfrba-so/vm-core/swap"
)

// harness wires one in-memory instance of every vm-core component, sized
// from the loaded configuration, for a scenario to drive.
type harness struct {
	pool     *vmtest.FramePool
	pd       *vmtest.PageDirectory
	dev      *swap.Device
	ft       *frametable.Table
	table    *spt.Table
	protocol *fault.Protocol
}

func newHarness(pid external.PID) *harness {
	pool := vmtest.NewFramePool(cfg.PageSize, cfg.FrameCount)
	pd := vmtest.NewPageDirectory()
	dev := swap.NewDevice(newScratchStore(cfg.PageSize*cfg.SwapSlotCount), cfg.PageSize, cfg.SwapSlotCount)
	ft := frametable.New(pool, dev)
	table := spt.New(pid, dev)
	protocol := &fault.Protocol{
		Pool:           pool,
		FrameTable:     ft,
		SwapDevice:     dev,
		PageSize:       cfg.PageSize,
		MaxStackSize:   cfg.MaxStackSize,
		StackHeuristic: cfg.StackHeuristicBytes,
	}
	return &harness{pool: pool, pd: pd, dev: dev, ft: ft, table: table, protocol: protocol}
}

// scratchStore is the swap backing store for the demo: a plain in-memory
// buffer, since the CLI never needs a real swap partition to illustrate
// the protocol.
type scratchStore struct{ buf []byte }

func newScratchStore(size int) *scratchStore { return &scratchStore{buf: make([]byte, size)} }

func (s *scratchStore) WriteAt(b []byte, off int64) (int, error) {
	return copy(s.buf[off:], b), nil
}

func (s *scratchStore) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, s.buf[off:off+int64(len(b))]), nil
}
