package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/commentsync"
	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/session"
)

// FileInfoSource fetches file metadata from the design tool as a user
type FileInfoSource interface {
	FileInfo(ctx context.Context, userID, fileKey string) (*figma.FileInfo, error)
}

// HandleUserProfile returns the session user
func HandleUserProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := currentSession(r).User
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user": map[string]any{
				"id":          u.ID,
				"figmaUserId": u.ExternalUserID,
				"name":        u.DisplayName,
				"handle":      u.Handle,
				"email":       u.Email,
			},
		})
	}
}

// HandleUserFiles lists every file the session user holds a permission on
func HandleUserFiles(repos *repository.Repositories, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := repos.Permissions.ListForUser(r.Context(), currentSession(r).UserID)
		if err != nil {
			errs.write(w, r, err)
			return
		}
		if files == nil {
			files = []repository.FileAccess{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"files":   files,
		})
	}
}

// HandleGetFile returns file metadata. Unknown or placeholder files are refreshed from the design tool.
func HandleGetFile(repos *repository.Repositories, source FileInfoSource, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")
		sess, err := requirePermission(r, repos, fileKey, models.PermissionRead)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		file, err := repos.Files.Get(r.Context(), fileKey)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// A file nobody has seen yet must resolve upstream
			file, err = refreshFile(r.Context(), repos, source, sess.UserID, fileKey)
			if err != nil {
				errs.write(w, r, err)
				return
			}
		case err != nil:
			errs.write(w, r, err)
			return
		case file.FileName == models.UnknownFileName:
			if refreshed, err := refreshFile(r.Context(), repos, source, sess.UserID, fileKey); err != nil {
				errs.log.Info(r.Context(), "Could not fetch file info, keeping placeholder", "file_key", fileKey, "error", err)
			} else {
				file = refreshed
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"file": map[string]any{
				"key":        file.FileKey,
				"name":       file.FileName,
				"teamId":     file.TeamID,
				"lastSynced": file.LastSyncedAt,
				"createdAt":  file.CreatedAt,
			},
		})
	}
}

func refreshFile(ctx context.Context, repos *repository.Repositories, source FileInfoSource, userID, fileKey string) (*models.File, error) {
	info, err := source.FileInfo(ctx, userID, fileKey)
	if err != nil {
		return nil, err
	}

	if _, err := repos.Files.Ensure(ctx, fileKey, info.Name); err != nil {
		return nil, err
	}
	if err := repos.Files.UpdateInfo(ctx, fileKey, info.Name, &userID); err != nil {
		return nil, err
	}
	if info.TeamID != "" {
		if err := repos.Files.SetTeam(ctx, fileKey, info.TeamID); err != nil {
			return nil, err
		}
	}
	return repos.Files.Get(ctx, fileKey)
}

// HandleSyncFile reconciles the cached comments of a file with the design tool
func HandleSyncFile(repos *repository.Repositories, engine *commentsync.Engine, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")
		sess, err := requirePermission(r, repos, fileKey, models.PermissionRead)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		result, err := engine.Sync(r.Context(), fileKey, sess.UserID)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"message":  "Comments synced successfully",
			"fileKey":  result.FileKey,
			"upserted": result.Upserted,
			"deleted":  result.Deleted,
		})
	}
}

// HandleFileStats returns comment counts for a file
func HandleFileStats(repos *repository.Repositories, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")
		if _, err := requirePermission(r, repos, fileKey, models.PermissionRead); err != nil {
			errs.write(w, r, err)
			return
		}

		stats, err := repos.Comments.Stats(r.Context(), fileKey)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"stats":   stats,
		})
	}
}

type grantRequest struct {
	UserHandle      string                 `json:"userHandle"`
	PermissionLevel models.PermissionLevel `json:"permissionLevel"`
}

// HandleGrantPermission lets a file admin grant a level to another user by handle
func HandleGrantPermission(repos *repository.Repositories, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileKey := chi.URLParam(r, "fileKey")

		var req grantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errs.write(w, r, err)
			return
		}
		req.UserHandle = strings.TrimSpace(req.UserHandle)
		if req.UserHandle == "" {
			errs.write(w, r, apperr.Validation("api.grant", "user handle is required"))
			return
		}
		if !req.PermissionLevel.Valid() {
			errs.write(w, r, apperr.Validation("api.grant", "invalid permission level"))
			return
		}

		sess := currentSession(r)
		level, err := repos.Permissions.Level(r.Context(), sess.UserID, fileKey)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			errs.write(w, r, err)
			return
		}
		if level != models.PermissionAdmin {
			errs.write(w, r, apperr.Authorization("api.grant", "admin permission required"))
			return
		}

		target, err := repos.Users.GetByHandle(r.Context(), req.UserHandle)
		if errors.Is(err, repository.ErrNotFound) {
			errs.write(w, r, apperr.NotFound("api.grant", "user not found"))
			return
		}
		if err != nil {
			errs.write(w, r, err)
			return
		}

		if err := repos.Permissions.Grant(r.Context(), target.ID, fileKey, req.PermissionLevel, sess.UserID); err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"message":         fmt.Sprintf("Granted %s permission to %s", req.PermissionLevel, req.UserHandle),
			"userHandle":      req.UserHandle,
			"permissionLevel": req.PermissionLevel,
		})
	}
}

type sessionNodeRequest struct {
	NodeID  string `json:"nodeId"`
	FileKey string `json:"fileKey"`
}

// HandleSessionNode records the node selected in the plugin
func HandleSessionNode(sessions *session.Store, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionNodeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errs.write(w, r, err)
			return
		}
		if req.FileKey == "" {
			errs.write(w, r, apperr.Validation("api.session_node", "file key is required"))
			return
		}

		if err := sessions.UpdateContext(r.Context(), currentSession(r).SessionToken, req.NodeID); err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Session updated",
			"nodeId":  nullable(req.NodeID),
			"fileKey": req.FileKey,
		})
	}
}

// HandleHealth reports liveness
func HandleHealth(service string, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": now().UTC(),
			"service":   service,
		})
	}
}
