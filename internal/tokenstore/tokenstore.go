// Package tokenstore issues single-use OAuth state tokens with a TTL.
//
// Tokens are written to a primary tier (the database). When the primary write fails the token
// lives in the fallback tier (process memory) for its whole lifetime. Lookups check the primary
// first and then the fallback, since either may hold a given token.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fuomag9/comments-collator/internal/logging"
)

// ErrNotFound is returned for tokens that are unknown, already consumed or expired.
var ErrNotFound = errors.New("state token not found")

// Entry is a stored state token.
type Entry struct {
	Value       string
	FileKeyHint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry is unusable at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Tier is one storage level of the store.
type Tier interface {
	Put(ctx context.Context, e Entry) error
	// Take removes the entry and returns it. It returns ErrNotFound when no entry was removed.
	Take(ctx context.Context, value string) (Entry, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store is the two-tier state token store.
type Store struct {
	primary  Tier
	fallback Tier
	now      func() time.Time
	log      logging.Logger
}

// New builds a Store. now may be nil.
func New(primary, fallback Tier, now func() time.Time, log logging.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{primary: primary, fallback: fallback, now: now, log: log.With("component", "tokenstore")}
}

// Issue creates a token valid for ttl carrying fileKeyHint. Expired tokens are swept first.
func (s *Store) Issue(ctx context.Context, ttl time.Duration, fileKeyHint string) (string, error) {
	s.sweep(ctx)

	value, err := randomToken()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	entry := Entry{Value: value, FileKeyHint: fileKeyHint, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	if err := s.primary.Put(ctx, entry); err != nil {
		s.log.Warn(ctx, "primary state storage unavailable, using in-memory fallback", "error", err)
		if err := s.fallback.Put(ctx, entry); err != nil {
			return "", fmt.Errorf("store state token: %w", err)
		}
	}

	return value, nil
}

// ValidateAndConsume removes the token and returns its file key hint.
// Unknown, consumed and expired tokens all yield ErrNotFound.
func (s *Store) ValidateAndConsume(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", ErrNotFound
	}

	for _, t := range []struct {
		name string
		tier Tier
	}{{"primary", s.primary}, {"fallback", s.fallback}} {
		entry, err := t.tier.Take(ctx, value)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn(ctx, "state lookup failed", "tier", t.name, "error", err)
			continue
		}

		if entry.Expired(s.now()) {
			s.log.Info(ctx, "state token expired", "tier", t.name, "state", logging.TokenPrefix(value),
				"expired_at", entry.ExpiresAt)
			return "", ErrNotFound
		}
		return entry.FileKeyHint, nil
	}

	s.log.Info(ctx, "state token unknown", "state", logging.TokenPrefix(value))
	return "", ErrNotFound
}

// SweepExpired removes expired tokens from both tiers.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()

	removed, err := s.primary.SweepExpired(ctx, now)
	n, ferr := s.fallback.SweepExpired(ctx, now)
	return removed + n, errors.Join(err, ferr)
}

func (s *Store) sweep(ctx context.Context) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.log.Warn(ctx, "state sweep failed", "error", err)
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
