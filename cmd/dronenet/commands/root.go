package commands

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "dronenet",
	Short: "Simulates clients and servers talking through a network of lossy drones",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "one of debug, info, warn, error")
	rootCmd.AddCommand(runCmd, validateCmd)
}

func newLogHandler() (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, err
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}), nil
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
