package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fuomag9/comments-collator/internal/repository"
)

// HandlePrometheusMetrics exports comment counts in Prometheus text format
func HandlePrometheusMetrics(repos *repository.Repositories, liveClients func() int, now func() time.Time, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		perFile, err := repos.Comments.StatsByFile(r.Context())
		if err != nil {
			errs.write(w, r, err)
			return
		}
		active, err := repos.Users.CountActiveSince(r.Context(), now().Add(-activeUserWindow))
		if err != nil {
			errs.write(w, r, err)
			return
		}

		// Set content type for Prometheus
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintln(w, "# HELP collator_file_comments Cached comments per file")
		fmt.Fprintln(w, "# TYPE collator_file_comments gauge")
		for _, f := range perFile {
			labels := fmt.Sprintf(`file_key="%s"`, escapeLabel(f.FileKey))
			fmt.Fprintf(w, "collator_file_comments{%s,state=\"active\"} %d\n", labels, f.Active)
			fmt.Fprintf(w, "collator_file_comments{%s,state=\"resolved\"} %d\n", labels, f.Resolved)
		}

		fmt.Fprintln(w, "# HELP collator_file_comment_authors Distinct comment authors per file")
		fmt.Fprintln(w, "# TYPE collator_file_comment_authors gauge")
		for _, f := range perFile {
			fmt.Fprintf(w, "collator_file_comment_authors{file_key=\"%s\"} %d\n", escapeLabel(f.FileKey), f.UniqueAuthors)
		}

		fmt.Fprintln(w, "# HELP collator_files Files with cached comments")
		fmt.Fprintln(w, "# TYPE collator_files gauge")
		fmt.Fprintf(w, "collator_files %d\n", len(perFile))

		fmt.Fprintln(w, "# HELP collator_active_users Users with session activity in the last 7 days")
		fmt.Fprintln(w, "# TYPE collator_active_users gauge")
		fmt.Fprintf(w, "collator_active_users %d\n", active)

		if liveClients != nil {
			fmt.Fprintln(w, "# HELP collator_websocket_clients Connected live-update clients")
			fmt.Fprintln(w, "# TYPE collator_websocket_clients gauge")
			fmt.Fprintf(w, "collator_websocket_clients %d\n", liveClients())
		}

		fmt.Fprintln(w, "# HELP collator_scrape_timestamp_seconds Unix timestamp of this scrape")
		fmt.Fprintln(w, "# TYPE collator_scrape_timestamp_seconds gauge")
		fmt.Fprintf(w, "collator_scrape_timestamp_seconds %d\n", now().Unix())
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}
