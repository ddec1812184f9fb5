// Package vmconfig loads the vm-core runtime configuration from a TOML
// file, the way the teaching kernel's utils/config loads its JSON config —
// same open-decode-report shape, different format.
package vmconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable the vm-core subsystems need at startup.
type Config struct {
	PageSize            int    `toml:"page_size"`
	FrameCount          int    `toml:"frame_count"`
	SwapSlotCount       int    `toml:"swap_slot_count"`
	StackHeuristicBytes int    `toml:"stack_heuristic_bytes"`
	MaxStackSize        int    `toml:"max_stack_size"`
	SwapDevicePath      string `toml:"swap_device_path"`
	LogPath             string `toml:"log_path"`
	LogLevel            string `toml:"log_level"`
}

// Load reads and validates the configuration at filePath.
func Load(filePath string) (*Config, error) {
	var cfg Config
	if err := setupConfig(filePath, &cfg); err != nil {
		return nil, fmt.Errorf("vmconfig: loading %s: %w", filePath, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("vmconfig: %s: %w", filePath, err)
	}
	return &cfg, nil
}

func setupConfig(filePath string, cfg *Config) error {
	_, err := toml.DecodeFile(filePath, cfg)
	return err
}

func (c *Config) validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.FrameCount <= 0 {
		return fmt.Errorf("frame_count must be positive, got %d", c.FrameCount)
	}
	if c.SwapSlotCount <= 0 {
		return fmt.Errorf("swap_slot_count must be positive, got %d", c.SwapSlotCount)
	}
	if c.StackHeuristicBytes <= 0 {
		// Pintos's PUSHA gap: default to 32 bytes rather than fail.
		c.StackHeuristicBytes = 32
	}
	if c.MaxStackSize <= 0 {
		return fmt.Errorf("max_stack_size must be positive, got %d", c.MaxStackSize)
	}
	return nil
}
