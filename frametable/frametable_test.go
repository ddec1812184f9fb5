package frametable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utnfrba-so/vm-core/external"
	"github.com/utnfrba-so/vm-core/frametable"
	"github.com/utnfrba-so/vm-core/internal/vmtest"
	"github.com/utnfrba-so/vm-core/swap"
)

const pageSize = 8

// owner is a minimal frametable.Evictable for exercising the table
// without pulling in package spt (which itself depends on frametable).
type owner struct {
	page   external.Page
	pinned bool
	code   bool
}

func (o *owner) PageAddr() external.Page { return o.page }
func (o *owner) Pinned() bool            { return o.pinned }
func (o *owner) IsCodeKind() bool        { return o.code }
func (o *owner) WriteBackIfDirty(external.FramePool, external.PageDirectory) error {
	return nil
}
func (o *owner) Evict(pool external.FramePool, pd external.PageDirectory, dev *swap.Device) error {
	return nil
}

func TestTable_GetFrame_AllocatesUntilExhausted(t *testing.T) {
	pool := vmtest.NewFramePool(pageSize, 2)
	dev := swap.NewDevice(newMemStore(pageSize*2), pageSize, 2)
	ft := frametable.New(pool, dev)
	pd := vmtest.NewPageDirectory()

	o1 := &owner{page: 0x1000}
	_, err := ft.GetFrame(1, pd, o1, external.FlagUser)
	require.NoError(t, err)

	o2 := &owner{page: 0x2000}
	_, err = ft.GetFrame(1, pd, o2, external.FlagUser)
	require.NoError(t, err)

	assert.Equal(t, 2, ft.Len())
}

func TestTable_GetFrame_EvictsWhenPoolExhausted(t *testing.T) {
	pool := vmtest.NewFramePool(pageSize, 1)
	dev := swap.NewDevice(newMemStore(pageSize*2), pageSize, 2)
	ft := frametable.New(pool, dev)
	pd := vmtest.NewPageDirectory()

	o1 := &owner{page: 0x1000}
	f1, err := ft.GetFrame(1, pd, o1, external.FlagUser)
	require.NoError(t, err)
	require.True(t, pd.Install(o1.page, f1, true))
	pd.SetAccessed(o1.page, false)

	o2 := &owner{page: 0x2000}
	f2, err := ft.GetFrame(1, pd, o2, external.FlagUser)
	require.NoError(t, err)
	require.True(t, pd.Install(o2.page, f2, true))

	// o1 must have been evicted: the table now tracks only o2's frame,
	// and the frame table has cleared o1's page-directory mapping.
	assert.Equal(t, 1, ft.Len())
	_, resident := pd.GetFrame(o1.page)
	assert.False(t, resident, "evicted page's mapping should be cleared")
}

func TestTable_GetFrame_SkipsPinnedVictims(t *testing.T) {
	pool := vmtest.NewFramePool(pageSize, 1)
	dev := swap.NewDevice(newMemStore(pageSize*2), pageSize, 2)
	ft := frametable.New(pool, dev)
	pd := vmtest.NewPageDirectory()

	pinned := &owner{page: 0x1000, pinned: true}
	f1, err := ft.GetFrame(1, pd, pinned, external.FlagUser)
	require.NoError(t, err)
	require.True(t, pd.Install(pinned.page, f1, true))
	pd.SetAccessed(pinned.page, false)

	other := &owner{page: 0x2000}
	_, err = ft.GetFrame(1, pd, other, external.FlagUser)
	assert.Error(t, err, "the only resident page is pinned, so there is no victim")
}

func TestTable_FreeFrame_RemovesFromTable(t *testing.T) {
	pool := vmtest.NewFramePool(pageSize, 1)
	dev := swap.NewDevice(newMemStore(pageSize), pageSize, 1)
	ft := frametable.New(pool, dev)
	pd := vmtest.NewPageDirectory()

	o := &owner{page: 0x1000}
	f, err := ft.GetFrame(1, pd, o, external.FlagUser)
	require.NoError(t, err)

	ft.FreeFrame(f)
	assert.Equal(t, 0, ft.Len())
	assert.Equal(t, 1, pool.FreeCount())
}

// memStore is a minimal in-memory swap.backingStore, duplicated here
// (rather than exported from package swap) since it is only ever a test
// fixture.
type memStore struct{ buf []byte }

func newMemStore(size int) *memStore { return &memStore{buf: make([]byte, size)} }

func (m *memStore) WriteAt(b []byte, off int64) (int, error) {
	return copy(m.buf[off:], b), nil
}

func (m *memStore) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, m.buf[off:off+int64(len(b))]), nil
}
