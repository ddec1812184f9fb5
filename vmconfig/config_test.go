package vmconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validToml = `
page_size = 4096
frame_count = 8
swap_slot_count = 16
stack_heuristic_bytes = 32
max_stack_size = 1048576
swap_device_path = "swap.bin"
log_path = "vm-core.log"
log_level = "DEBUG"
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vm-core-config-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validToml)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, 8, cfg.FrameCount)
	assert.Equal(t, 16, cfg.SwapSlotCount)
	assert.Equal(t, 32, cfg.StackHeuristicBytes)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("does-not-exist.toml")
	assert.Error(t, err)
}

func TestLoad_DefaultsStackHeuristic(t *testing.T) {
	path := writeTemp(t, `
page_size = 4096
frame_count = 4
swap_slot_count = 4
max_stack_size = 4096
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 32, cfg.StackHeuristicBytes)
}

func TestLoad_RejectsZeroPageSize(t *testing.T) {
	path := writeTemp(t, `
page_size = 0
frame_count = 4
swap_slot_count = 4
max_stack_size = 4096
`)

	_, err := Load(path)
	assert.Error(t, err)
}
