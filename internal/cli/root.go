// Package cli implements the captp command line: a demo server
// exporting a bootstrap service, a client for one-shot calls, and a
// journal inspector.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Env is what the root command hands to every subcommand: a logger
// configured from the global flags. Session output goes through it;
// command results go to stdout.
type Env struct {
	Logger *slog.Logger
}

// logLevels maps the --log-level flag to slog levels.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// NewRootCommand creates the root command for the captp CLI.
//
// The root owns logging only. Output shaping is a per-command concern:
// commands that print machine-readable results (call, trace) take
// their own --json flag.
func NewRootCommand() *cobra.Command {
	env := &Env{}
	var (
		logLevel string
		logJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "captp",
		Short: "captp - capability RPC runtime",
		Long: "A Cap'n Proto Level-1 capability RPC runtime: serve a bootstrap\n" +
			"service, call one, or inspect a frame journal.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, ok := logLevels[logLevel]
			if !ok {
				return fmt.Errorf("unknown log level %q (debug|info|warn|error)", logLevel)
			}
			opts := &slog.HandlerOptions{Level: level}
			if logJSON {
				env.Logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
			} else {
				env.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "session log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit session logs as JSON")

	cmd.AddCommand(NewServeCommand(env))
	cmd.AddCommand(NewCallCommand(env))
	cmd.AddCommand(NewTraceCommand(env))

	return cmd
}

// logger returns the configured logger, falling back to stderr text
// output when a command runs outside the root (direct construction in
// tests).
func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
