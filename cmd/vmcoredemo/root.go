// Package main is the vmcoredemo CLI: it drives the vm-core subsystems
// against in-memory fakes to walk through the end-to-end scenarios
// SPEC_FULL.md §10 names, the way the teaching kernel's own memoria
// binary wires its handlers together in memoria/memoria.go, but as a
// cobra command tree instead of an HTTP server (akita/cmd/root.go is the
// cobra shape this borrows).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/utnfrba-so/vm-core/vmconfig"
	"github.com/utnfrba-so/vm-core/vmlog"
)

var configPath string

var cfg *vmconfig.Config

var rootCmd = &cobra.Command{
	Use:   "vmcoredemo",
	Short: "Demonstrates the vm-core supplemental page table, frame table, and fault protocol.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := vmconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		if err := vmlog.Setup(cfg.LogPath, cfg.LogLevel); err != nil {
			return fmt.Errorf("configuring logging: %w", err)
		}
		slog.Debug("vmcoredemo configured", "config", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vmcore.toml", "path to the vm-core TOML configuration")
	rootCmd.AddCommand(lazyLoadCmd)
	rootCmd.AddCommand(stackGrowthCmd)
	rootCmd.AddCommand(pageFaultCmd)
	rootCmd.AddCommand(evictionCmd)
	rootCmd.AddCommand(mmapWritebackCmd)
	rootCmd.AddCommand(overlapRejectCmd)
	rootCmd.AddCommand(pinnedSurvivesCmd)
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
