package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fuomag9/comments-collator/internal/database"
)

// MigrateResult is the outcome of a migrate run.
type MigrateResult struct {
	Database string `json:"database"`
	Version  uint   `json:"version"`
	Dirty    bool   `json:"dirty"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := opts.config(ctx)
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close(db)

	if err := database.Migrate(db, cfg.Database.Type); err != nil {
		return err
	}

	version, dirty, err := database.Version(db, cfg.Database.Type)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	result := MigrateResult{Database: cfg.Database.Type, Version: version, Dirty: dirty}
	return opts.print(cmd.OutOrStdout(), result,
		fmt.Sprintf("%s schema at version %d", result.Database, result.Version))
}
