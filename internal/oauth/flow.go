package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/session"
	"github.com/fuomag9/comments-collator/internal/tokenstore"
)

// Phase is the position of one authorization attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingCallback
	PhaseExchanging
	PhaseEstablished
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingCallback:
		return "awaiting_callback"
	case PhaseExchanging:
		return "exchanging"
	case PhaseEstablished:
		return "established"
	case PhaseRejected:
		return "rejected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// next lists the legal transitions. Rejected is reachable from every non-idle phase.
var next = map[Phase][]Phase{
	PhaseIdle:             {PhaseAwaitingCallback},
	PhaseAwaitingCallback: {PhaseExchanging, PhaseRejected},
	PhaseExchanging:       {PhaseEstablished, PhaseRejected},
}

// CanTransition reports whether an attempt may move from p to to.
func (p Phase) CanTransition(to Phase) bool {
	for _, allowed := range next[p] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Rejection reasons
const (
	ReasonInvalidState   = "invalid_or_expired_state"
	ReasonExchangeFailed = "exchange_failed"
)

// RejectedError ends an authorization attempt. FileKey is the hint recovered from the
// consumed state, empty when the state was never accepted.
type RejectedError struct {
	Reason  string
	From    Phase
	FileKey string
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("authorization rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Provider is the design tool's OAuth surface.
type Provider interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// StateStore issues and consumes single-use state tokens.
type StateStore interface {
	Issue(ctx context.Context, ttl time.Duration, fileKeyHint string) (string, error)
	ValidateAndConsume(ctx context.Context, token string) (string, error)
}

// Established is the outcome of a completed callback.
type Established struct {
	SessionToken string
	User         *models.User
	FileKey      string
}

// Flow drives authorization attempts from consent URL to bearer session.
type Flow struct {
	provider Provider
	states   StateStore
	repos    *repository.Repositories
	sessions *session.Store
	stateTTL time.Duration
	now      func() time.Time
	log      logging.Logger
}

// NewFlow builds a Flow. now may be nil.
func NewFlow(provider Provider, states StateStore, repos *repository.Repositories, sessions *session.Store,
	stateTTL time.Duration, now func() time.Time, log logging.Logger) *Flow {
	if now == nil {
		now = time.Now
	}
	return &Flow{
		provider: provider,
		states:   states,
		repos:    repos,
		sessions: sessions,
		stateTTL: stateTTL,
		now:      now,
		log:      log.With("component", "oauth"),
	}
}

// BeginAuthorization issues a state token carrying fileKeyHint and returns the consent URL.
func (f *Flow) BeginAuthorization(ctx context.Context, fileKeyHint string) (string, error) {
	a := f.attempt()

	state, err := f.states.Issue(ctx, f.stateTTL, fileKeyHint)
	if err != nil {
		return "", apperr.Internal("oauth.begin", err)
	}
	a.advance(ctx, PhaseAwaitingCallback)

	f.log.Info(ctx, "authorization initiated", "state", logging.TokenPrefix(state), "file_key", fileKeyHint)
	return f.provider.AuthorizationURL(state), nil
}

// HandleCallback validates state, exchanges code and commits the user and session together.
// Nothing is written unless both the token exchange and the profile fetch succeed.
func (f *Flow) HandleCallback(ctx context.Context, code, state string) (*Established, error) {
	a := f.attempt()
	a.phase = PhaseAwaitingCallback

	if code == "" || state == "" {
		return nil, a.reject(ctx, ReasonInvalidState,
			apperr.Validation("oauth.callback", "missing authorization code or state parameter"))
	}

	fileKey, err := f.states.ValidateAndConsume(ctx, state)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			f.log.Error(ctx, "state validation failed", "error", err)
		}
		return nil, a.reject(ctx, ReasonInvalidState,
			apperr.Authentication("oauth.callback", "invalid or expired state parameter"))
	}
	a.advance(ctx, PhaseExchanging)

	a.fileKey = fileKey

	token, err := f.provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, a.reject(ctx, ReasonExchangeFailed, err)
	}

	info, err := f.provider.GetUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, a.reject(ctx, ReasonExchangeFailed, err)
	}

	now := f.now()
	creds := repository.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiryOf(token, now),
	}
	profile := repository.Profile{
		ExternalID:  info.ID,
		Email:       info.Email,
		DisplayName: info.DisplayName(),
		Handle:      info.Handle,
		AvatarURL:   info.ImgURL,
	}

	var out Established
	err = f.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		user, err := tx.Users.Upsert(ctx, profile, creds)
		if err != nil {
			return err
		}
		sess, err := f.sessions.WithDB(tx.DB()).Create(ctx, user.ID, fileKey)
		if err != nil {
			return err
		}
		out = Established{SessionToken: sess.SessionToken, User: user, FileKey: fileKey}
		return nil
	})
	if err != nil {
		return nil, a.reject(ctx, ReasonExchangeFailed, apperr.Internal("oauth.commit", err))
	}
	a.advance(ctx, PhaseEstablished)

	f.log.Info(ctx, "plugin session created", "handle", info.Handle,
		"session", logging.TokenPrefix(out.SessionToken), "file_key", fileKey)
	return &out, nil
}

// RefreshResult is returned to callers of Refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int64
	User        *models.User
}

// Refresh exchanges refreshToken for a new access token and stores the new credentials on the
// user holding refreshToken. Concurrent refreshes are not serialized; the last write wins.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, apperr.Validation("oauth.refresh", "refresh_token is required")
	}

	if _, err := f.repos.Users.GetByRefreshToken(ctx, refreshToken); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Authentication("oauth.refresh", "unknown refresh token")
		}
		return nil, apperr.Internal("oauth.refresh", err)
	}

	token, err := f.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	creds := repository.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiryOf(token, f.now()),
	}
	user, err := f.repos.Users.ReplaceByRefreshToken(ctx, refreshToken, creds)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Authentication("oauth.refresh", "unknown refresh token")
	}
	if err != nil {
		return nil, apperr.Internal("oauth.refresh", err)
	}

	return &RefreshResult{AccessToken: token.AccessToken, ExpiresIn: token.ExpiresIn, User: user}, nil
}

type attempt struct {
	f       *Flow
	phase   Phase
	fileKey string
}

func (f *Flow) attempt() *attempt {
	return &attempt{f: f, phase: PhaseIdle}
}

func (a *attempt) advance(ctx context.Context, to Phase) {
	if !a.phase.CanTransition(to) {
		panic(fmt.Sprintf("oauth: illegal transition %s -> %s", a.phase, to))
	}
	a.f.log.Debug(ctx, "authorization phase", "from", a.phase.String(), "to", to.String())
	a.phase = to
}

func (a *attempt) reject(ctx context.Context, reason string, err error) error {
	from := a.phase
	a.advance(ctx, PhaseRejected)
	a.f.log.Warn(ctx, "authorization rejected", "reason", reason, "phase", from.String(), "error", err)
	return &RejectedError{Reason: reason, From: from, FileKey: a.fileKey, Err: err}
}
