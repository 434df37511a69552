package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/repository"
)

// expirySkew refreshes tokens slightly before the upstream would reject them.
const expirySkew = time.Minute

// TokenSource hands out a usable access token for a stored user, refreshing it when expired.
type TokenSource struct {
	provider Provider
	users    *repository.Users
	now      func() time.Time
	log      logging.Logger
}

// NewTokenSource builds a TokenSource. now may be nil.
func NewTokenSource(provider Provider, users *repository.Users, now func() time.Time, log logging.Logger) *TokenSource {
	if now == nil {
		now = time.Now
	}
	return &TokenSource{provider: provider, users: users, now: now, log: log.With("component", "oauth")}
}

// AccessToken returns the user's access token.
func (s *TokenSource) AccessToken(ctx context.Context, userID string) (string, error) {
	creds, err := s.users.Credentials(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", apperr.Authentication("oauth.token", "user not found")
	}
	if err != nil {
		return "", apperr.Internal("oauth.token", err)
	}
	if creds.AccessToken == "" {
		return "", apperr.Authentication("oauth.token", "design tool account is not connected")
	}

	now := s.now()
	if !creds.Expired(now.Add(expirySkew)) {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		return "", apperr.Authentication("oauth.token", "design tool credentials expired")
	}

	s.log.Info(ctx, "refreshing expired credentials", "user_id", userID)
	token, err := s.provider.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return "", err
	}

	err = s.users.UpdateCredentials(ctx, userID, repository.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiryOf(token, now),
	})
	if err != nil {
		return "", apperr.Internal("oauth.token", err)
	}
	return token.AccessToken, nil
}
