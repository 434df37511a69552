package cli

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/database"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/seal"
	"github.com/fuomag9/comments-collator/internal/session"
	"github.com/fuomag9/comments-collator/internal/tokenstore"
)

// runtime is the storage side of the service, opened for one command.
type runtime struct {
	cfg      *config.Config
	db       *gorm.DB
	repos    *repository.Repositories
	sessions *session.Store
	states   *tokenstore.Store
	log      logging.Logger
}

func openRuntime(ctx context.Context, opts *RootOptions, log logging.Logger) (*runtime, error) {
	cfg, err := opts.config(ctx)
	if err != nil {
		return nil, err
	}

	sealer, err := seal.FromConfig(cfg.EncryptionKey, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		db:       db,
		repos:    repository.New(db, sealer, nil),
		sessions: session.New(db, cfg.SessionMaxAge, nil, log),
		states:   tokenstore.New(tokenstore.NewGormTier(db), tokenstore.NewMemoryTier(), nil, log),
		log:      log,
	}, nil
}

func (r *runtime) Close() error {
	return database.Close(r.db)
}
