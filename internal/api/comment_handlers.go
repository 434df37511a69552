package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuomag9/comments-collator/internal/commentsync"
	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
)

const (
	summaryRecent       = 5
	summaryMessageRunes = 100
)

type authorView struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

type positionView struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type commentView struct {
	ID         string       `json:"id"`
	Message    string       `json:"message"`
	Author     authorView   `json:"author"`
	NodeID     *string      `json:"nodeId"`
	NodeName   *string      `json:"nodeName"`
	ParentID   *string      `json:"parentId"`
	Position   positionView `json:"position"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  *time.Time   `json:"updatedAt"`
	ResolvedAt *time.Time   `json:"resolvedAt"`
	IsResolved bool         `json:"isResolved"`
}

func toCommentView(c *models.Comment) commentView {
	return commentView{
		ID:         c.ExternalCommentID,
		Message:    c.Message,
		Author:     authorView{Name: c.AuthorName, Handle: c.AuthorHandle},
		NodeID:     c.NodeID,
		NodeName:   c.NodeName,
		ParentID:   c.ParentCommentID,
		Position:   positionView{X: c.PositionX, Y: c.PositionY},
		CreatedAt:  c.RemoteCreatedAt,
		UpdatedAt:  c.RemoteUpdatedAt,
		ResolvedAt: c.ResolvedAt,
		IsResolved: c.IsResolved(),
	}
}

func toCommentViews(comments []models.Comment) []commentView {
	out := make([]commentView, 0, len(comments))
	for i := range comments {
		out = append(out, toCommentView(&comments[i]))
	}
	return out
}

// requirePermission checks the session user holds at least min on fileKey,
// granting the bootstrap permission on first access.
func requirePermission(r *http.Request, repos *repository.Repositories, fileKey string, min models.PermissionLevel) (*models.PluginSession, error) {
	sess := currentSession(r)
	if _, err := repos.Permissions.Require(r.Context(), sess.UserID, fileKey, min); err != nil {
		return nil, err
	}
	return sess, nil
}

// HandleListComments returns cached comments of a file, optionally filtered by node
func HandleListComments(repos *repository.Repositories, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")
		if _, err := requirePermission(r, repos, fileKey, models.PermissionRead); err != nil {
			errs.write(w, r, err)
			return
		}

		nodeID := r.URL.Query().Get("nodeId")
		comments, err := listComments(r, repos, fileKey, nodeID)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"comments": toCommentViews(comments),
			"count":    len(comments),
			"fileKey":  fileKey,
			"nodeId":   nullable(nodeID),
		})
	}
}

func listComments(r *http.Request, repos *repository.Repositories, fileKey, nodeID string) ([]models.Comment, error) {
	if nodeID != "" {
		return repos.Comments.ListByNode(r.Context(), fileKey, nodeID)
	}
	return repos.Comments.ListByFile(r.Context(), fileKey)
}

// HandleListCanvasComments returns comments not attached to any node
func HandleListCanvasComments(repos *repository.Repositories, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")
		if _, err := requirePermission(r, repos, fileKey, models.PermissionRead); err != nil {
			errs.write(w, r, err)
			return
		}

		comments, err := repos.Comments.ListCanvas(r.Context(), fileKey)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"comments": toCommentViews(comments),
			"count":    len(comments),
			"fileKey":  fileKey,
			"type":     "canvas",
		})
	}
}

type postCommentRequest struct {
	Message  string `json:"message"`
	NodeID   string `json:"nodeId"`
	ParentID string `json:"parentId"`
	Position *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position"`
}

// HandlePostComment posts a comment upstream and mirrors it locally
func HandlePostComment(repos *repository.Repositories, engine *commentsync.Engine, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")

		var req postCommentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errs.write(w, r, err)
			return
		}

		sess, err := requirePermission(r, repos, fileKey, models.PermissionWrite)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		nc := figma.NewComment{
			Message:  strings.TrimSpace(req.Message),
			NodeID:   req.NodeID,
			ParentID: req.ParentID,
		}
		if req.Position != nil {
			nc.X, nc.Y = req.Position.X, req.Position.Y
		}

		comment, err := engine.PostComment(r.Context(), fileKey, sess.UserID, nc)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"message": "Comment posted successfully",
			"comment": toCommentView(comment),
		})
	}
}

// HandleResolveComment marks a comment resolved by the session user
func HandleResolveComment(repos *repository.Repositories, engine *commentsync.Engine, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey, commentID := chi.URLParam(r, "fileKey"), chi.URLParam(r, "commentId")
		sess, err := requirePermission(r, repos, fileKey, models.PermissionWrite)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		userID := sess.UserID
		comment, err := engine.Resolve(r.Context(), fileKey, commentID, &userID)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"message":    "Comment resolved successfully",
			"commentId":  commentID,
			"resolvedBy": sess.User.Handle,
			"resolvedAt": comment.ResolvedAt,
		})
	}
}

// HandleUnresolveComment marks a comment active again
func HandleUnresolveComment(repos *repository.Repositories, engine *commentsync.Engine, now func() time.Time, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey, commentID := chi.URLParam(r, "fileKey"), chi.URLParam(r, "commentId")
		sess, err := requirePermission(r, repos, fileKey, models.PermissionWrite)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		if _, err := engine.Unresolve(r.Context(), fileKey, commentID); err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"message":      "Comment marked as unresolved",
			"commentId":    commentID,
			"unresolvedBy": sess.User.Handle,
			"unresolvedAt": now().UTC(),
		})
	}
}

// HandleCommentThread returns a comment with its replies, oldest first
func HandleCommentThread(repos *repository.Repositories, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey, commentID := chi.URLParam(r, "fileKey"), chi.URLParam(r, "commentId")
		if _, err := requirePermission(r, repos, fileKey, models.PermissionRead); err != nil {
			errs.write(w, r, err)
			return
		}

		parent, replies, err := repos.Comments.Thread(r.Context(), fileKey, commentID)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"thread": map[string]any{
				"parent":  toCommentView(parent),
				"replies": toCommentViews(replies),
			},
			"count": 1 + len(replies),
		})
	}
}

type recentView struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	NodeID    *string   `json:"nodeId"`
	NodeName  *string   `json:"nodeName"`
}

type commentSummary struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Resolved int            `json:"resolved"`
	ByAuthor map[string]int `json:"byAuthor"`
	Recent   []recentView   `json:"recent"`
}

func summarize(comments []models.Comment) commentSummary {
	s := commentSummary{Total: len(comments), ByAuthor: map[string]int{}, Recent: []recentView{}}

	var active []models.Comment
	for _, c := range comments {
		author := c.AuthorHandle
		if author == "" {
			author = "Unknown"
		}
		s.ByAuthor[author]++

		if c.IsResolved() {
			s.Resolved++
			continue
		}
		s.Active++
		active = append(active, c)
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].RemoteCreatedAt.After(active[j].RemoteCreatedAt)
	})
	if len(active) > summaryRecent {
		active = active[:summaryRecent]
	}
	for _, c := range active {
		s.Recent = append(s.Recent, recentView{
			ID:        c.ExternalCommentID,
			Message:   truncate(c.Message, summaryMessageRunes),
			Author:    c.AuthorHandle,
			CreatedAt: c.RemoteCreatedAt,
			NodeID:    c.NodeID,
			NodeName:  c.NodeName,
		})
	}
	return s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// HandleCommentSummary returns counts and the most recent active comments for the plugin UI
func HandleCommentSummary(repos *repository.Repositories, now func() time.Time, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")
		if _, err := requirePermission(r, repos, fileKey, models.PermissionRead); err != nil {
			errs.write(w, r, err)
			return
		}

		nodeID := r.URL.Query().Get("nodeId")
		comments, err := listComments(r, repos, fileKey, nodeID)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"summary":   summarize(comments),
			"fileKey":   fileKey,
			"nodeId":    nullable(nodeID),
			"timestamp": now().UTC(),
		})
	}
}
