package fault_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/fault"
	"github.com/utnfrba-so/vm-core/frametable"
	"github.com/utnfrba-so/vm-core/internal/vmtest"
	"github.com/utnfrba-so/vm-core/spt"
	"github.com/utnfrba-so/vm-core/swap"
)

const pageSize = 8
const stackTop = external.Page(0x10000)

type memStore struct{ buf []byte }

func newMemStore(size int) *memStore { return &memStore{buf: make([]byte, size)} }

func (m *memStore) WriteAt(b []byte, off int64) (int, error) {
	return copy(m.buf[off:], b), nil
}

func (m *memStore) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, m.buf[off:off+int64(len(b))]), nil
}

func newHarness(t *testing.T, frames, slots int) (*fault.Protocol, *vmtest.PageDirectory, *spt.Table, *vmtest.ThreadContext) {
	t.Helper()
	pool := vmtest.NewFramePool(pageSize, frames)
	pd := vmtest.NewPageDirectory()
	dev := swap.NewDevice(newMemStore(pageSize*slots), pageSize, slots)
	ft := frametable.New(pool, dev)
	table := spt.New(1, dev)
	tc := vmtest.NewThreadContext(1, pd, stackTop-64, stackTop)

	proto := &fault.Protocol{
		Pool:           pool,
		FrameTable:     ft,
		SwapDevice:     dev,
		PageSize:       pageSize,
		MaxStackSize:   4096,
		StackHeuristic: 32,
	}
	return proto, pd, table, tc
}

func TestValidateRange_PinsAndLoadsExistingEntry(t *testing.T) {
	proto, pd, table, tc := newHarness(t, 2, 2)

	_, err := table.CreateCode(0x1000)
	require.NoError(t, err)

	err = proto.ValidateRange(tc, table, tc.StackPointerAtEntry(), 0x1000, pageSize, false)
	require.NoError(t, err)
	assert.False(t, tc.Killed)

	_, resident := pd.GetFrame(0x1000)
	assert.True(t, resident)

	e, _ := table.Lookup(0x1000)
	assert.True(t, e.IsPinned())

	proto.UnpinRange(table, 0x1000, pageSize)
	assert.False(t, e.IsPinned())
}

func TestValidateRange_GrowsStackWithinHeuristic(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	esp := tc.StackPointerAtEntry()
	target := esp - 8 // within the 32-byte heuristic

	err := proto.ValidateRange(tc, table, esp, target, 4, false)
	require.NoError(t, err)
	assert.False(t, tc.Killed)

	_, ok := table.Lookup(target &^ (pageSize - 1))
	assert.True(t, ok)
}

func TestValidateRange_KillsOnUnmappedFarBelowStack(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	esp := tc.StackPointerAtEntry()
	target := esp - 4096 // far beyond the stack heuristic

	err := proto.ValidateRange(tc, table, esp, target, 4, false)
	assert.Error(t, err)
	assert.True(t, tc.Killed)
}

func TestValidateRange_KillsOnNullPointer(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	err := proto.ValidateRange(tc, table, tc.StackPointerAtEntry(), 0, 4, false)
	assert.Error(t, err)
	assert.True(t, tc.Killed)
}

func TestValidateRange_KillsOnWriteToReadOnlyFile(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	file := vmtest.NewFile(make([]byte, pageSize))
	require.NoError(t, table.CreateFile(file, 0, 0x1000, pageSize, 0, false, pageSize))

	err := proto.ValidateRange(tc, table, tc.StackPointerAtEntry(), 0x1000, 4, true)
	assert.Error(t, err)
	assert.True(t, tc.Killed)
}

func TestHandleFault_LoadsExistingEntryWithoutPinning(t *testing.T) {
	proto, pd, table, tc := newHarness(t, 2, 2)

	_, err := table.CreateCode(0x1000)
	require.NoError(t, err)

	err = proto.HandleFault(tc, table, 0x1000, tc.StackPointerAtEntry())
	require.NoError(t, err)
	assert.False(t, tc.Killed)

	_, resident := pd.GetFrame(0x1000)
	assert.True(t, resident)

	e, _ := table.Lookup(0x1000)
	assert.False(t, e.IsPinned())
}

func TestHandleFault_GrowsStackWithinHeuristic(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	esp := tc.StackPointerAtEntry()
	target := esp - 8 // within the 32-byte heuristic

	err := proto.HandleFault(tc, table, target, esp)
	require.NoError(t, err)
	assert.False(t, tc.Killed)

	e, ok := table.Lookup(target &^ (pageSize - 1))
	require.True(t, ok)
	assert.False(t, e.IsPinned())
}

func TestHandleFault_KillsOnUnmappedFarBelowStack(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	esp := tc.StackPointerAtEntry()
	target := esp - 4096 // far beyond the stack heuristic

	err := proto.HandleFault(tc, table, target, esp)
	assert.Error(t, err)
	assert.True(t, tc.Killed)
}

func TestValidateString_StopsAtNul(t *testing.T) {
	proto, _, table, tc := newHarness(t, 2, 2)

	_, err := table.CreateCode(0x1000)
	require.NoError(t, err)

	data := map[external.Page]byte{
		0x1000: 'h',
		0x1001: 'i',
		0x1002: 0,
	}
	readByte := func(p external.Page) (byte, bool) {
		b, ok := data[p]
		return b, ok
	}

	err = proto.ValidateString(tc, table, tc.StackPointerAtEntry(), 0x1000, readByte)
	require.NoError(t, err)
	assert.False(t, tc.Killed)
}
