package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/config"
)

// Client talks to the design tool's OAuth endpoints and identity API
type Client struct {
	authConfig    *oauth2.Config
	refreshConfig *oauth2.Config
	apiBaseURL    string
	httpClient    *http.Client
}

// UserInfo holds the profile returned by GET /me
type UserInfo struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Handle string `json:"handle"`
	Name   string `json:"name"`
	ImgURL string `json:"img_url"`
}

// DisplayName falls back to the handle when no name is set
func (u *UserInfo) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Handle
}

// NewClient creates a new OAuth client. httpClient may be nil.
func NewClient(cfg config.FigmaConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	authConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}

	// Refreshes go to their own endpoint; everything else is shared.
	refreshConfig := *authConfig
	if cfg.RefreshURL != "" {
		refreshConfig.Endpoint.TokenURL = cfg.RefreshURL
	}

	return &Client{
		authConfig:    authConfig,
		refreshConfig: &refreshConfig,
		apiBaseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient:    httpClient,
	}
}

// AuthorizationURL returns the consent URL embedding state
func (c *Client) AuthorizationURL(state string) string {
	return c.authConfig.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := c.authConfig.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, upstreamError("oauth.exchange", err)
	}
	if token.AccessToken == "" {
		return nil, apperr.Upstream("oauth.exchange", 0, errors.New("token response missing access_token"))
	}
	return token, nil
}

// Refresh exchanges a refresh token for a new access token. The returned token keeps
// refreshToken when the endpoint does not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.refreshConfig.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, upstreamError("oauth.refresh", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// GetUserInfo fetches the authenticated user's profile
func (c *Client) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("oauth.profile", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperr.Upstream("oauth.profile", resp.StatusCode, errors.New(strings.TrimSpace(string(body))))
	}

	var userInfo UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, apperr.Upstream("oauth.profile", resp.StatusCode, fmt.Errorf("failed to decode profile response: %w", err))
	}

	// Validate required fields
	if userInfo.ID == "" {
		return nil, apperr.Upstream("oauth.profile", resp.StatusCode, errors.New("profile response missing id"))
	}

	return &userInfo, nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func upstreamError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		detail := strings.TrimSpace(string(re.Body))
		if re.ErrorDescription != "" {
			detail = re.ErrorDescription
		} else if re.ErrorCode != "" {
			detail = re.ErrorCode
		}
		return apperr.Upstream(op, re.Response.StatusCode, errors.New(detail))
	}
	return apperr.Upstream(op, 0, err)
}

// expiryOf converts the token lifetime into an absolute time measured from now.
func expiryOf(token *oauth2.Token, now time.Time) *time.Time {
	var at time.Time
	switch {
	case token.ExpiresIn > 0:
		at = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	case !token.Expiry.IsZero():
		at = token.Expiry
	default:
		return nil
	}
	at = at.UTC()
	return &at
}
