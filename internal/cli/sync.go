package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fuomag9/comments-collator/internal/commentsync"
	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/oauth"
	"github.com/fuomag9/comments-collator/internal/repository"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	User string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync <fileKey>",
		Short: "Reconcile the cached comments of a file",
		Long: `Fetch every comment of a file with the stored credential of --user and
reconcile the local cache against it: changed comments are upserted and
comments that no longer exist upstream are deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user ID or handle whose credential is used (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSync(rootOpts *RootOptions, opts *SyncOptions, fileKey string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	log := rootOpts.logger(cmd)

	rt, err := openRuntime(ctx, rootOpts, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	userID, err := resolveUser(cmd, rt.repos, opts.User)
	if err != nil {
		return err
	}

	provider := oauth.NewClient(rt.cfg.Figma, nil)
	tokens := oauth.NewTokenSource(provider, rt.repos.Users, nil, log)
	remote := figma.NewClient(rt.cfg.Figma.APIBaseURL, tokens, nil)
	engine := commentsync.New(rt.repos, remote, nil, rt.cfg.Sync, nil, log)

	result, err := engine.Sync(ctx, fileKey, userID)
	if err != nil {
		return fmt.Errorf("sync %s: %w", fileKey, err)
	}

	return rootOpts.print(cmd.OutOrStdout(), result,
		fmt.Sprintf("Synced %s: %d upserted, %d deleted", result.FileKey, result.Upserted, result.Deleted))
}

// resolveUser accepts a user ID or a handle.
func resolveUser(cmd *cobra.Command, repos *repository.Repositories, ref string) (string, error) {
	user, err := repos.Users.Get(cmd.Context(), ref)
	if errors.Is(err, repository.ErrNotFound) {
		user, err = repos.Users.GetByHandle(cmd.Context(), ref)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("user %q not found", ref)
	}
	if err != nil {
		return "", err
	}
	return user.ID, nil
}
