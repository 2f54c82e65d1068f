package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "voicewire",
	Short: "Bridge phone calls to a realtime voice AI",
	Long: `voicewire - a realtime bridge between a telephony control plane
and a voice AI service.

Incoming calls are answered, their audio is streamed to the AI service,
and synthesized responses are played back with barge-in support.

Configuration is stored in the OS config directory:
  macOS:   ~/Library/Application Support/voicewire/voicewire.yaml
  Linux:   ~/.config/voicewire/voicewire.yaml
  Windows: %AppData%/voicewire/voicewire.yaml

Examples:
  # Run with the default config
  voicewire run

  # Run with an explicit config file
  voicewire run --config ./voicewire.yaml

  # Inspect a running bridge
  voicewire status --addr 127.0.0.1:8091`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

// IsVerbose reports whether --verbose was set.
func IsVerbose() bool {
	return verbose
}

// newLogger builds the process logger honoring --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
