package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed JSON request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorWriter maps error kinds to statuses. Internal detail is only shown when detailed is set.
type errorWriter struct {
	detailed bool
	log      logging.Logger
}

func (e errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInternal:
		e.log.Error(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	case apperr.KindUpstream:
		e.log.Warn(r.Context(), "Upstream call failed", "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		e.log.Debug(r.Context(), "Request rejected", "path", r.URL.Path, "kind", kind.String(), "error", err)
	}

	resp := ErrorResponse{Error: apperr.PublicMessage(err, e.detailed)}
	if kind != apperr.KindInternal {
		resp.Kind = kind.String()
	}
	writeJSON(w, kind.HTTPStatus(), resp)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return apperr.Validation("api.decode", "invalid JSON body")
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// identity is the short user shape used by the auth endpoints
func identity(userID string, u *models.User) map[string]any {
	out := map[string]any{"id": userID}
	if u != nil {
		out["handle"] = u.Handle
		out["name"] = u.DisplayName
	}
	return out
}
