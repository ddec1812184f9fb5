package swap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 8

// memStore is a backingStore over an in-memory buffer, standing in for the
// swap partition in tests.
type memStore struct {
	buf []byte
}

func newMemStore(size int) *memStore {
	return &memStore{buf: make([]byte, size)}
}

func (m *memStore) WriteAt(b []byte, off int64) (int, error) {
	n := copy(m.buf[off:], b)
	return n, nil
}

func (m *memStore) ReadAt(b []byte, off int64) (int, error) {
	n := copy(b, m.buf[off:off+int64(len(b))])
	return n, nil
}

func TestDevice_AllocWriteReadRoundTrip(t *testing.T) {
	store := newMemStore(pageSize * 4)
	dev := NewDevice(store, pageSize, 4)

	slot, err := dev.Alloc()
	require.NoError(t, err)

	original := []byte("ABCDEFGH")
	require.NoError(t, dev.Write(slot, original))

	readBack := make([]byte, pageSize)
	require.NoError(t, dev.Read(slot, readBack))

	assert.Equal(t, original, readBack)
}

func TestDevice_AllocExhaustion(t *testing.T) {
	store := newMemStore(pageSize * 2)
	dev := NewDevice(store, pageSize, 2)

	_, err := dev.Alloc()
	require.NoError(t, err)
	_, err = dev.Alloc()
	require.NoError(t, err)

	_, err = dev.Alloc()
	assert.ErrorIs(t, err, ErrSwapFull)
}

func TestDevice_FreeAllowsReuse(t *testing.T) {
	store := newMemStore(pageSize)
	dev := NewDevice(store, pageSize, 1)

	slot, err := dev.Alloc()
	require.NoError(t, err)
	dev.Free(slot)

	again, err := dev.Alloc()
	require.NoError(t, err)
	assert.Equal(t, slot, again)
}

func TestDevice_FreeAlreadyFreePanics(t *testing.T) {
	store := newMemStore(pageSize)
	dev := NewDevice(store, pageSize, 1)

	slot, err := dev.Alloc()
	require.NoError(t, err)
	dev.Free(slot)

	assert.Panics(t, func() { dev.Free(slot) })
}

func TestDevice_FreeSlotCount(t *testing.T) {
	store := newMemStore(pageSize * 3)
	dev := NewDevice(store, pageSize, 3)

	assert.Equal(t, 3, dev.FreeSlotCount())
	_, err := dev.Alloc()
	require.NoError(t, err)
	assert.Equal(t, 2, dev.FreeSlotCount())
}
