// Package repository persists users, files, permissions, comments and webhook records with GORM.
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/seal"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = &apperr.Error{Kind: apperr.KindNotFound, Message: "not found"}

// Repositories groups every repository over one connection.
type Repositories struct {
	db          *gorm.DB
	now         func() time.Time
	Users       *Users
	Files       *Files
	Permissions *Permissions
	Comments    *Comments
	Webhooks    *Webhooks
}

// New builds the repositories. now may be nil, in which case time.Now is used.
func New(db *gorm.DB, sealer *seal.Sealer, now func() time.Time) *Repositories {
	if now == nil {
		now = time.Now
	}
	clock := func() time.Time { return now().UTC() }

	return &Repositories{
		db:          db,
		now:         clock,
		Users:       &Users{db: db, sealer: sealer, now: clock},
		Files:       &Files{db: db, now: clock},
		Permissions: &Permissions{db: db, now: clock},
		Comments:    &Comments{db: db, now: clock},
		Webhooks:    &Webhooks{db: db, now: clock},
	}
}

// WithDB returns repositories bound to tx, typically a transaction.
func (r *Repositories) WithDB(tx *gorm.DB) *Repositories {
	return New(tx, r.Users.sealer, r.now)
}

// Transaction runs fn with repositories bound to a single transaction.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithDB(tx))
	})
}

// DB exposes the underlying connection for stores that share it.
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
