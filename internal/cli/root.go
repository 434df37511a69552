// Package cli implements collatorctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "json" | "text"
	LogLevel string

	// LoadConfig reads the service configuration. Defaults to the environment.
	LoadConfig func(ctx context.Context) (*config.Config, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for collatorctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{LoadConfig: config.FromEnvironment})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collatorctl",
		Short: "Operate the comments collator",
		Long: `Operator tools for the comments collator service.

Commands read the same environment as the server (DATABASE_TYPE, DATABASE_DSN,
JWT_SECRET, FIGMA_* and so on), so run them with the server's configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level written to stderr")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewOperatorTokenCommand(opts))

	return cmd
}

// Execute runs collatorctl and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func (o *RootOptions) logger(cmd *cobra.Command) logging.Logger {
	l, _ := logging.New(cmd.ErrOrStderr(), "text", o.LogLevel)
	return l
}

// print writes v as indented JSON, or text otherwise.
func (o *RootOptions) print(w io.Writer, v any, text string) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func (o *RootOptions) config(ctx context.Context) (*config.Config, error) {
	load := o.LoadConfig
	if load == nil {
		load = config.FromEnvironment
	}
	return load(ctx)
}
