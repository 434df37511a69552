package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fuomag9/comments-collator/internal/api"
)

// OperatorTokenOptions holds flags for the operator-token command.
type OperatorTokenOptions struct {
	Subject string
	TTL     time.Duration
}

// NewOperatorTokenCommand creates the operator-token command.
func NewOperatorTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OperatorTokenOptions{}

	cmd := &cobra.Command{
		Use:   "operator-token",
		Short: "Mint a bearer token for /metrics and /api/admin",
		Long: `Sign an operator JWT with JWT_SECRET. Present it as
"Authorization: Bearer <token>" to the metrics and admin endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperatorToken(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Subject, "subject", "s", "operator", "subject recorded in the token")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func runOperatorToken(rootOpts *RootOptions, opts *OperatorTokenOptions, cmd *cobra.Command) error {
	if opts.TTL <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, err := rootOpts.config(cmd.Context())
	if err != nil {
		return err
	}

	token, err := api.GenerateOperatorToken(cfg.JWTSecret, opts.Subject, opts.TTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	out := map[string]any{
		"token":     token,
		"subject":   opts.Subject,
		"expiresAt": time.Now().Add(opts.TTL).UTC(),
	}
	return rootOpts.print(cmd.OutOrStdout(), out, token)
}
