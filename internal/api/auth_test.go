package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/logging"
)

func (fx *fixture) authorize(t *testing.T, fileKey string) string {
	t.Helper()
	rec := fx.do(t, http.MethodGet, "/auth/figma?format=json&file_key="+fileKey, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	authURL, err := url.Parse(decode(t, rec)["authUrl"].(string))
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestAuthorize_Redirects(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/auth/figma", "", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://figma.test/oauth?state="))
}

func TestCallback_JSONRoundTrip(t *testing.T) {
	fx := newFixture(t)
	state := fx.authorize(t, "file-9")

	rec := fx.do(t, http.MethodGet, "/auth/figma/callback?format=json&code=good&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "file-9", body["fileKey"])
	assert.Equal(t, "cat", body["user"].(map[string]any)["handle"])
	token := body["session_token"].(string)
	require.NotEmpty(t, token)

	// the state is single use
	rec = fx.do(t, http.MethodGet, "/auth/figma/callback?format=json&code=good&state="+url.QueryEscape(state), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, http.MethodPost, "/auth/verify", "", map[string]string{"session_token": token})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "file-9", body["fileKey"])
	assert.Equal(t, "Cat", body["user"].(map[string]any)["name"])

	rec = fx.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": "rt-new"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "at-refreshed", decode(t, rec)["access_token"])
}

func TestCallback_HTMLPages(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/auth/figma/callback", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/auth/figma")

	rec = fx.do(t, http.MethodGet, "/auth/figma/callback?code=good&state=forged", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid or expired state parameter")

	state := fx.authorize(t, "")
	rec = fx.do(t, http.MethodGet, "/auth/figma/callback?code=good&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cat")
}

func TestCallback_ExchangeFailure(t *testing.T) {
	fx := newFixture(t)
	state := fx.authorize(t, "")

	rec := fx.do(t, http.MethodGet, "/auth/figma/callback?format=json&code=bad&state="+url.QueryEscape(state), "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCallback_RetryLinkKeepsFileKey(t *testing.T) {
	fx := newFixture(t)

	state := fx.authorize(t, "file-7")
	rec := fx.do(t, http.MethodGet, "/auth/figma/callback?code=bad&state="+url.QueryEscape(state), "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="/auth/figma?file_key=file-7"`)

	// a forged state carries no file, the callback parameter is used instead
	rec = fx.do(t, http.MethodGet, "/auth/figma/callback?code=good&state=forged&file_key=file-8", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="/auth/figma?file_key=file-8"`)

	rec = fx.do(t, http.MethodGet, "/auth/figma/callback?code=good&state=forged", "", nil)
	assert.Contains(t, rec.Body.String(), `href="/auth/figma"`)
}

func TestVerifyAndRefresh_Rejections(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/auth/verify", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/auth/verify", "", map[string]string{"session_token": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": "unknown"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckSession(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/auth/check-session", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodGet, "/auth/check-session?file_key=file-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["hasValidSession"])
	sess := body["session"].(map[string]any)
	assert.NotEmpty(t, sess["token"])
}

func TestOperatorEndpoints(t *testing.T) {
	fx := newFixture(t)
	fx.seedComment(t, "c1", "file-1", nil, testNow)

	rec := fx.do(t, http.MethodGet, "/api/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a plugin session token is not an operator token
	rec = fx.do(t, http.MethodGet, "/api/admin/stats", fx.annToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := GenerateOperatorToken(testJWTSecret, "ops", time.Hour)
	require.NoError(t, err)

	rec = fx.do(t, http.MethodGet, "/api/admin/stats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["activeUsers"])
	assert.NotContains(t, body, "liveClients")

	rec = fx.do(t, http.MethodGet, "/metrics", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `collator_file_comments{file_key="file-1",state="active"} 1`)
	assert.Contains(t, rec.Body.String(), "collator_files 1")
	assert.NotContains(t, rec.Body.String(), "collator_websocket_clients")
}

func TestAdminRetention(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/admin/retention", fx.annToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, fx.retention.runs)

	token, err := GenerateOperatorToken(testJWTSecret, "ops", time.Hour)
	require.NoError(t, err)

	rec = fx.do(t, http.MethodPost, "/api/admin/retention", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, fx.retention.runs)

	removed := decode(t, rec)["removed"].(map[string]any)
	assert.EqualValues(t, 2, removed["sessions"])
	assert.EqualValues(t, 1, removed["states"])
	assert.EqualValues(t, 0, removed["webhookEvents"])
}

func TestParseOperatorToken(t *testing.T) {
	token, err := GenerateOperatorToken(testJWTSecret, "ops", time.Hour)
	require.NoError(t, err)

	subject, err := ParseOperatorToken(testJWTSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)

	_, err = ParseOperatorToken("another-secret-0123456789", token)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))

	expired, err := GenerateOperatorToken(testJWTSecret, "ops", -time.Minute)
	require.NoError(t, err)
	_, err = ParseOperatorToken(testJWTSecret, expired)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops",
		"role": "viewer",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	_, err = ParseOperatorToken(testJWTSecret, viewer)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops",
		"role": OperatorRole,
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	_, err = ParseOperatorToken(testJWTSecret, noExpiry)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"":              "",
		"Bearer ":       "",
		"Basic abc":     "",
		"Bearer abc123": "abc123",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		got, ok := bearerToken(req)
		assert.Equal(t, want, got, header)
		assert.Equal(t, want != "", ok, header)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{Window: time.Hour, MaxRequests: 2})
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	hit := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2:1000"))
}

func TestErrorWriter_HidesInternalDetail(t *testing.T) {
	write := func(detailed bool, err error) ErrorResponse {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		errorWriter{detailed: detailed, log: logging.Nop()}.write(rec, req, err)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		return resp
	}

	hidden := write(false, errors.New("pq: connection refused"))
	assert.Equal(t, "internal server error", hidden.Error)
	assert.Empty(t, hidden.Kind)

	shown := write(true, errors.New("pq: connection refused"))
	assert.Equal(t, "pq: connection refused", shown.Error)
}
