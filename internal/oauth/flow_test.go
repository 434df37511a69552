package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/database/dbtest"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/seal"
	"github.com/fuomag9/comments-collator/internal/session"
	"github.com/fuomag9/comments-collator/internal/tokenstore"
)

// fakeFigma serves the token, refresh and profile endpoints.
type fakeFigma struct {
	exchanges   atomic.Int32
	refreshes   atomic.Int32
	profileFail atomic.Bool
}

func (f *fakeFigma) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.exchanges.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "bad code"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    7776000,
			"token_type":    "bearer",
		})
	})
	mux.HandleFunc("POST /v1/oauth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshes.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "rt-1" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "at-2", "expires_in": 7776000, "token_type": "bearer"})
	})
	mux.HandleFunc("GET /v1/me", func(w http.ResponseWriter, r *http.Request) {
		if f.profileFail.Load() {
			http.Error(w, "profile unavailable", http.StatusInternalServerError)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer at-1" && auth != "Bearer at-2" {
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "123", "email": "ann@example.com", "handle": "ann", "img_url": "https://img.example/ann.png",
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fixture struct {
	flow     *Flow
	tokens   *TokenSource
	figma    *fakeFigma
	db       *gorm.DB
	repos    *repository.Repositories
	sessions *session.Store
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	figma := &fakeFigma{}
	srv := httptest.NewServer(figma.handler())
	t.Cleanup(srv.Close)

	fx := &fixture{figma: figma, now: time.Now().UTC().Truncate(time.Second)}
	clock := func() time.Time { return fx.now }

	sealer, err := seal.Derive("oauth-test-secret")
	require.NoError(t, err)

	fx.db = dbtest.Open(t)
	fx.repos = repository.New(fx.db, sealer, clock)
	fx.sessions = session.New(fx.db, 24*time.Hour, clock, logging.Nop())
	states := tokenstore.New(tokenstore.NewGormTier(fx.db), tokenstore.NewMemoryTier(), clock, logging.Nop())

	client := NewClient(config.FigmaConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/auth/figma/callback",
		AuthURL:      srv.URL + "/oauth",
		TokenURL:     srv.URL + "/v1/oauth/token",
		RefreshURL:   srv.URL + "/v1/oauth/refresh",
		APIBaseURL:   srv.URL + "/v1",
		Scopes:       []string{"file_read"},
	}, srv.Client())

	fx.flow = NewFlow(client, states, fx.repos, fx.sessions, 30*time.Minute, clock, logging.Nop())
	fx.tokens = NewTokenSource(client, fx.repos.Users, clock, logging.Nop())
	return fx
}

func (fx *fixture) begin(t *testing.T, fileKey string) string {
	t.Helper()
	authURL, err := fx.flow.BeginAuthorization(context.Background(), fileKey)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func (fx *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, fx.db.Model(model).Count(&n).Error)
	return n
}

func TestBeginAuthorization_URL(t *testing.T) {
	fx := newFixture(t)

	authURL, err := fx.flow.BeginAuthorization(context.Background(), "")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/oauth"))
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "file_read", q.Get("scope"))
	assert.Equal(t, "http://localhost:8080/auth/figma/callback", q.Get("redirect_uri"))
	assert.Len(t, q.Get("state"), 64)
}

func TestCallback_RoundTripScopesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	state := fx.begin(t, "xyz")
	est, err := fx.flow.HandleCallback(ctx, "good", state)
	require.NoError(t, err)
	assert.Equal(t, "xyz", est.FileKey)
	assert.Equal(t, "ann", est.User.Handle)
	assert.Equal(t, "ann", est.User.DisplayName)

	sess, err := fx.sessions.Validate(ctx, est.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, sess.ScopedFileKey)
	assert.Equal(t, "xyz", *sess.ScopedFileKey)

	creds, err := fx.repos.Users.Credentials(ctx, est.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-1", creds.AccessToken)
	assert.Equal(t, "rt-1", creds.RefreshToken)
	require.NotNil(t, creds.ExpiresAt)
	assert.True(t, creds.ExpiresAt.After(fx.now))
}

func TestCallback_ReturningUserKeepsIdentity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.flow.HandleCallback(ctx, "good", fx.begin(t, ""))
	require.NoError(t, err)
	second, err := fx.flow.HandleCallback(ctx, "good", fx.begin(t, ""))
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.NotEqual(t, first.SessionToken, second.SessionToken)
	assert.Equal(t, int64(1), fx.count(t, &models.User{}))
	assert.Equal(t, int64(2), fx.count(t, &models.PluginSession{}))
}

func TestCallback_InvalidStateRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.flow.HandleCallback(ctx, "good", "not-a-state")
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonInvalidState, rejected.Reason)
	assert.Empty(t, rejected.FileKey)
	assert.Equal(t, PhaseAwaitingCallback, rejected.From)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	assert.Equal(t, int32(0), fx.figma.exchanges.Load(), "no exchange without a valid state")
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	state := fx.begin(t, "")
	_, err := fx.flow.HandleCallback(ctx, "good", state)
	require.NoError(t, err)

	_, err = fx.flow.HandleCallback(ctx, "good", state)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonInvalidState, rejected.Reason)
}

func TestCallback_ExpiredState(t *testing.T) {
	fx := newFixture(t)

	state := fx.begin(t, "")
	fx.now = fx.now.Add(31 * time.Minute)

	_, err := fx.flow.HandleCallback(context.Background(), "good", state)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonInvalidState, rejected.Reason)
}

func TestCallback_MissingParameters(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.flow.HandleCallback(context.Background(), "", "state")
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCallback_ExchangeFailureCommitsNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.flow.HandleCallback(ctx, "bad", fx.begin(t, "xyz"))
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonExchangeFailed, rejected.Reason)
	assert.Equal(t, PhaseExchanging, rejected.From)
	assert.Equal(t, "xyz", rejected.FileKey)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	assert.Equal(t, int64(0), fx.count(t, &models.User{}))
	assert.Equal(t, int64(0), fx.count(t, &models.PluginSession{}))
}

func TestCallback_ProfileFailureCommitsNothing(t *testing.T) {
	fx := newFixture(t)
	fx.figma.profileFail.Store(true)

	_, err := fx.flow.HandleCallback(context.Background(), "good", fx.begin(t, ""))
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonExchangeFailed, rejected.Reason)

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusInternalServerError, ae.UpstreamStatus)

	assert.Equal(t, int64(0), fx.count(t, &models.User{}))
	assert.Equal(t, int64(0), fx.count(t, &models.PluginSession{}))
}

func TestRefresh(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	est, err := fx.flow.HandleCallback(ctx, "good", fx.begin(t, ""))
	require.NoError(t, err)

	res, err := fx.flow.Refresh(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", res.AccessToken)
	assert.Equal(t, est.User.ID, res.User.ID)

	creds, err := fx.repos.Users.Credentials(ctx, est.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-2", creds.AccessToken)
	assert.Equal(t, "rt-1", creds.RefreshToken, "refresh token kept when not rotated")
}

func TestRefresh_UnknownTokenNeverCallsUpstream(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.flow.Refresh(context.Background(), "rt-unknown")
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	assert.Equal(t, int32(0), fx.figma.refreshes.Load())

	_, err = fx.flow.Refresh(context.Background(), "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestTokenSource_RefreshesExpiredCredential(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	est, err := fx.flow.HandleCallback(ctx, "good", fx.begin(t, ""))
	require.NoError(t, err)

	token, err := fx.tokens.AccessToken(ctx, est.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Equal(t, int32(0), fx.figma.refreshes.Load())

	fx.now = fx.now.Add(91 * 24 * time.Hour)
	token, err = fx.tokens.AccessToken(ctx, est.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-2", token)
	assert.Equal(t, int32(1), fx.figma.refreshes.Load())

	creds, err := fx.repos.Users.Credentials(ctx, est.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-2", creds.AccessToken)
	assert.True(t, creds.ExpiresAt.After(fx.now))
}

func TestTokenSource_UnknownUser(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.tokens.AccessToken(context.Background(), "missing")
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestPhaseTransitions(t *testing.T) {
	assert.True(t, PhaseIdle.CanTransition(PhaseAwaitingCallback))
	assert.False(t, PhaseIdle.CanTransition(PhaseRejected))
	assert.True(t, PhaseAwaitingCallback.CanTransition(PhaseExchanging))
	assert.True(t, PhaseAwaitingCallback.CanTransition(PhaseRejected))
	assert.False(t, PhaseAwaitingCallback.CanTransition(PhaseEstablished))
	assert.True(t, PhaseExchanging.CanTransition(PhaseEstablished))
	assert.True(t, PhaseExchanging.CanTransition(PhaseRejected))
	assert.False(t, PhaseEstablished.CanTransition(PhaseRejected))
	assert.False(t, PhaseRejected.CanTransition(PhaseIdle))
	assert.Equal(t, "awaiting_callback", PhaseAwaitingCallback.String())
}
