package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fuomag9/comments-collator/internal/jobs"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the retention jobs once",
		Long: `Delete sessions past their absolute lifetime, expired OAuth states and
processed webhook events older than the retention window. The server runs
the same jobs on a schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	log := opts.logger(cmd)

	rt, err := openRuntime(cmd.Context(), opts, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	scheduler := jobs.NewScheduler(rt.db, rt.cfg.Database.Type, rt.sessions, rt.states, rt.repos.Webhooks, nil, log)
	report := scheduler.RunRetention(cmd.Context())

	return opts.print(cmd.OutOrStdout(), report,
		fmt.Sprintf("Removed %d sessions, %d OAuth states, %d webhook events",
			report.Sessions, report.States, report.WebhookEvents))
}
