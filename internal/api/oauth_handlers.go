package api

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/oauth"
	"github.com/fuomag9/comments-collator/internal/session"
)

var callbackSuccessPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Authentication Successful</title>
    <style>
        body { font-family: sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; }
        .success { color: #28a745; }
        .token-box { background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0; word-break: break-all; }
        .copy-btn { background: #007bff; color: white; border: none; padding: 8px 16px; border-radius: 4px; cursor: pointer; }
    </style>
</head>
<body>
    <h1 class="success">Authentication Successful</h1>
    <p>Hello <strong>{{.Handle}}</strong>! Your Figma account is connected.</p>
    <h3>Plugin Session Token:</h3>
    <div class="token-box">
        <code id="session-token">{{.Token}}</code>
        <button class="copy-btn" onclick="copyToken()">Copy Token</button>
    </div>
    <ol>
        <li>Copy the session token above</li>
        <li>Return to your Figma plugin</li>
        <li>Paste the token when prompted</li>
    </ol>
    <p><small>This token is valid for {{.Lifetime}} and links the plugin to your Figma account.</small></p>
    <script>
        function copyToken() {
            navigator.clipboard.writeText(document.getElementById('session-token').textContent);
        }
    </script>
</body>
</html>
`))

var callbackErrorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authentication Error</title></head>
<body>
    <h1>Authentication Error</h1>
    <p>{{.Message}}</p>
    <a href="{{.RetryURL}}">Try again with a fresh link</a>
</body>
</html>
`))

// HandleAuthorize starts an authorization attempt. It redirects to the consent page unless
// mode=json or format=json asks for the URL as JSON.
func HandleAuthorize(flow *oauth.Flow, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		authURL, err := flow.BeginAuthorization(r.Context(), q.Get("file_key"))
		if err != nil {
			errs.write(w, r, err)
			return
		}

		if q.Get("mode") == "json" || q.Get("format") == "json" {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"authUrl": authURL,
			})
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// HandleCallback completes an authorization attempt and shows the bearer session token
func HandleCallback(flow *oauth.Flow, sessions *session.Store, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		asJSON := q.Get("format") == "json" || strings.Contains(r.Header.Get("Accept"), "application/json")

		fail := func(err error) {
			if asJSON {
				errs.write(w, r, err)
				return
			}
			errs.log.Warn(r.Context(), "OAuth callback failed", "error", err)
			renderHTML(w, r, apperr.KindOf(err).HTTPStatus(), callbackErrorPage, map[string]string{
				"Message":  callbackFailureMessage(err, errs.detailed),
				"RetryURL": retryURL(err, q.Get("file_key")),
			}, errs.log)
		}

		code, state := q.Get("code"), q.Get("state")
		if code == "" || state == "" {
			fail(apperr.Validation("api.callback", "missing authorization code or state parameter"))
			return
		}

		established, err := flow.HandleCallback(r.Context(), code, state)
		if err != nil {
			fail(err)
			return
		}

		if asJSON {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":       true,
				"session_token": established.SessionToken,
				"user":          established.User.Summary(),
				"fileKey":       nullable(established.FileKey),
			})
			return
		}

		renderHTML(w, r, http.StatusOK, callbackSuccessPage, map[string]string{
			"Handle":   established.User.Handle,
			"Token":    established.SessionToken,
			"Lifetime": sessions.MaxAge().String(),
		}, errs.log)
	}
}

func callbackFailureMessage(err error, detailed bool) string {
	var rejected *oauth.RejectedError
	if errors.As(err, &rejected) && rejected.Reason == oauth.ReasonInvalidState {
		return "Invalid or expired state parameter. This usually happens if the sign-in took too long or an old link was used."
	}
	return "Failed to complete authentication: " + apperr.PublicMessage(err, detailed)
}

// retryURL restarts authorization for the file of the failed attempt. An invalid state carries
// no file, so the callback's own file_key parameter is used when present.
func retryURL(err error, fileKey string) string {
	var rejected *oauth.RejectedError
	if errors.As(err, &rejected) && rejected.FileKey != "" {
		fileKey = rejected.FileKey
	}
	if fileKey == "" {
		return "/auth/figma"
	}
	return "/auth/figma?file_key=" + url.QueryEscape(fileKey)
}

func renderHTML(w http.ResponseWriter, r *http.Request, status int, tmpl *template.Template, data any, log logging.Logger) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		log.Error(r.Context(), "Failed to render page", "template", tmpl.Name(), "error", err)
	}
}

type verifyRequest struct {
	SessionToken string `json:"session_token"`
}

// HandleVerify returns the identity behind a session token sent in the body
func HandleVerify(sessions *session.Store, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errs.write(w, r, err)
			return
		}
		if req.SessionToken == "" {
			errs.write(w, r, apperr.Validation("api.verify", "session token is required"))
			return
		}

		sess, err := sessions.Authenticate(r.Context(), req.SessionToken)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user":    identity(sess.UserID, sess.User),
			"fileKey": sess.ScopedFileKey,
		})
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRefresh exchanges a refresh token for a new access token
func HandleRefresh(flow *oauth.Flow, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errs.write(w, r, err)
			return
		}

		result, err := flow.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"access_token": result.AccessToken,
			"expires_in":   result.ExpiresIn,
		})
	}
}

// HandleCheckSession looks up a resumable session for a file so the plugin can reconnect silently
func HandleCheckSession(sessions *session.Store, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := r.URL.Query().Get("file_key")
		if fileKey == "" {
			errs.write(w, r, apperr.Validation("api.check_session", "file key is required"))
			return
		}

		sess, err := sessions.FindMostRecentValidForFile(r.Context(), fileKey)
		if errors.Is(err, session.ErrInvalid) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":         true,
				"hasValidSession": false,
			})
			return
		}
		if err != nil {
			errs.write(w, r, err)
			return
		}

		errs.log.Info(r.Context(), "Resumed existing session", "handle", sess.User.Handle,
			"session", logging.TokenPrefix(sess.SessionToken))
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"hasValidSession": true,
			"session": map[string]any{
				"token":   sess.SessionToken,
				"user":    identity(sess.UserID, sess.User),
				"fileKey": sess.ScopedFileKey,
			},
		})
	}
}
