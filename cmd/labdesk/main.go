package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labdesk/labdesk/internal/config"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "labdesk",
		Short:         "Laboratory result desk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultFile, "Path to an env-format config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(deskCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger writes JSON in production and a console format in development.
// The level is global so that a config reload can change it.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "labdesk").Logger()
}
