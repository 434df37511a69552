package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fuomag9/comments-collator/internal/jobs"
	"github.com/fuomag9/comments-collator/internal/repository"
)

const activeUserWindow = 7 * 24 * time.Hour

// RetentionRunner runs the retention jobs on demand
type RetentionRunner interface {
	RunRetention(ctx context.Context) jobs.Report
}

// HandleAdminStats returns comment counts across all files and users active in the last week
func HandleAdminStats(repos *repository.Repositories, hubStats func() int, now func() time.Time, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := repos.Comments.Stats(r.Context(), "")
		if err != nil {
			errs.write(w, r, err)
			return
		}

		active, err := repos.Users.CountActiveSince(r.Context(), now().Add(-activeUserWindow))
		if err != nil {
			errs.write(w, r, err)
			return
		}

		out := map[string]any{
			"success":     true,
			"stats":       stats,
			"activeUsers": active,
			"timestamp":   now().UTC(),
		}
		if hubStats != nil {
			out["liveClients"] = hubStats()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HandleAdminRetention runs one retention pass immediately
func HandleAdminRetention(runner RetentionRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := runner.RunRetention(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"removed": report,
		})
	}
}
