package main

import (
	"fmt"
	"os"

	"docroom/pkg/config"

	"github.com/spf13/cobra"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "docroom",
	Short: "Collaborative document room with presence, admission control and voice",
	Long: `docroom joins a shared document room over a room bus. Every session announces
itself on the room's editing channel, asks the room admin for admission and, once
admitted, opens a peer-to-peer voice mesh with the other participants.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config.yaml")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config when given, otherwise the first of the usual locations.
func loadConfig() (*config.Config, string, error) {
	if flagConfig != "" {
		cfg, err := config.Load(flagConfig)
		return cfg, flagConfig, err
	}

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/docroom/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	// Load falls back to defaults for a missing file.
	cfg, err := config.Load(configPaths[0])
	return cfg, "", err
}
