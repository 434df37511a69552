// Package commentsync reconciles the local comment cache with the design tool.
package commentsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
)

// Event types published to live subscribers of a file.
const (
	EventSynced     = "comments.synced"
	EventUpserted   = "comment.upserted"
	EventDeleted    = "comment.deleted"
	EventResolved   = "comment.resolved"
	EventUnresolved = "comment.unresolved"
	EventFileGone   = "file.deleted"
)

// Remote is the part of the design API the engine talks to.
type Remote interface {
	ListComments(ctx context.Context, userID, fileKey string) ([]figma.Comment, error)
	NodeName(ctx context.Context, userID, fileKey, nodeID string) (string, error)
	PostComment(ctx context.Context, userID, fileKey string, nc figma.NewComment) (*figma.Comment, error)
}

// Notifier receives change events for a file.
type Notifier interface {
	Publish(fileKey, eventType string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, any) {}

// Result reports what a sync changed.
type Result struct {
	FileKey  string `json:"fileKey"`
	Upserted int    `json:"upserted"`
	Deleted  int    `json:"deleted"`
}

// Engine runs full-set reconciliation and the narrower comment mutations.
type Engine struct {
	repos    *repository.Repositories
	remote   Remote
	notifier Notifier
	cfg      config.SyncConfig
	now      func() time.Time
	log      logging.Logger
}

// New creates an engine. notifier and now may be nil.
func New(repos *repository.Repositories, remote Remote, notifier Notifier, cfg config.SyncConfig, now func() time.Time, log logging.Logger) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}
	return &Engine{repos: repos, remote: remote, notifier: notifier, cfg: cfg, now: now, log: log}
}

// Sync replaces the cached comments of fileKey with the remote set, fetched as actingUserID.
// A failed fetch aborts before anything is written. Per-comment failures are logged and skipped.
func (e *Engine) Sync(ctx context.Context, fileKey, actingUserID string) (*Result, error) {
	if fileKey == "" {
		return nil, apperr.Validation("commentsync.sync", "file key is required")
	}

	local, err := e.repos.Comments.ExternalIDs(ctx, fileKey)
	if err != nil {
		return nil, fmt.Errorf("load local comments: %w", err)
	}

	remote, err := e.remote.ListComments(ctx, actingUserID, fileKey)
	if err != nil {
		e.log.Error(ctx, "Comment fetch failed, sync aborted", "file_key", fileKey, "error", err)
		return nil, err
	}

	names := e.lookupNodeNames(ctx, actingUserID, fileKey, remote)

	// Once the remote set is in hand the write phase runs to completion.
	ctx = context.WithoutCancel(ctx)

	result := &Result{FileKey: fileKey}
	seen := make(map[string]struct{}, len(remote))
	for i := range remote {
		rc := &remote[i]
		seen[rc.ID] = struct{}{}

		// resolution is merged with the stored row by the upsert itself
		row := toModel(fileKey, rc, names[rc.NodeID()])
		if err := e.repos.Comments.Upsert(ctx, row); err != nil {
			e.log.Warn(ctx, "Comment upsert failed", "file_key", fileKey, "comment_id", rc.ID, "error", err)
			continue
		}
		result.Upserted++
	}

	var orphans []string
	for _, id := range local {
		if _, ok := seen[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	deleted, err := e.repos.Comments.DeleteMany(ctx, fileKey, orphans)
	if err != nil {
		e.log.Warn(ctx, "Orphan cleanup failed", "file_key", fileKey, "orphans", len(orphans), "error", err)
	}
	result.Deleted = int(deleted)

	if err := e.repos.Files.MarkSynced(ctx, fileKey, e.now()); err != nil {
		e.log.Warn(ctx, "Failed to record sync time", "file_key", fileKey, "error", err)
	}

	e.log.Info(ctx, "Comments synced", "file_key", fileKey, "upserted", result.Upserted, "deleted", result.Deleted)
	e.notifier.Publish(fileKey, EventSynced, result)
	return result, nil
}

// lookupNodeNames resolves each distinct node once, BatchSize lookups at a time with
// BatchDelay between batches. Failed lookups are absent from the result.
func (e *Engine) lookupNodeNames(ctx context.Context, userID, fileKey string, comments []figma.Comment) map[string]*string {
	var nodeIDs []string
	seen := make(map[string]struct{})
	for i := range comments {
		id := comments[i].NodeID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		nodeIDs = append(nodeIDs, id)
	}

	names := make(map[string]*string, len(nodeIDs))
	var mu sync.Mutex
	for start := 0; start < len(nodeIDs); start += e.cfg.BatchSize {
		if start > 0 && e.cfg.BatchDelay > 0 {
			timer := time.NewTimer(e.cfg.BatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}

		end := min(start+e.cfg.BatchSize, len(nodeIDs))
		var wg sync.WaitGroup
		for _, nodeID := range nodeIDs[start:end] {
			wg.Add(1)
			go func(nodeID string) {
				defer wg.Done()
				name, err := e.remote.NodeName(ctx, userID, fileKey, nodeID)
				if err != nil {
					e.log.Warn(ctx, "Node name lookup failed", "file_key", fileKey, "node_id", nodeID, "error", err)
					return
				}
				mu.Lock()
				names[nodeID] = &name
				mu.Unlock()
			}(nodeID)
		}
		wg.Wait()
	}
	return names
}

// ApplyRemote stores one comment pushed by the design tool. A node name is looked up only
// when actingUserID is known.
func (e *Engine) ApplyRemote(ctx context.Context, fileKey, actingUserID string, rc *figma.Comment) (*models.Comment, error) {
	var name *string
	if actingUserID != "" && rc.NodeID() != "" {
		name = e.lookupNodeNames(ctx, actingUserID, fileKey, []figma.Comment{*rc})[rc.NodeID()]
	}

	existing, err := e.repos.Comments.Get(ctx, rc.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil && name == nil {
		name = existing.NodeName
	}

	row := toModel(fileKey, rc, name)
	if _, err := e.repos.Files.Ensure(ctx, fileKey, ""); err != nil {
		return nil, err
	}
	if err := e.repos.Comments.Upsert(ctx, row); err != nil {
		return nil, err
	}

	stored, err := e.repos.Comments.Get(ctx, rc.ID)
	if err != nil {
		return nil, err
	}
	e.notifier.Publish(fileKey, EventUpserted, stored)
	return stored, nil
}

// Delete removes one cached comment. It reports whether it existed.
func (e *Engine) Delete(ctx context.Context, fileKey, commentID string) (bool, error) {
	removed, err := e.repos.Comments.Delete(ctx, commentID)
	if err != nil {
		return false, err
	}
	if removed {
		e.notifier.Publish(fileKey, EventDeleted, map[string]string{"commentId": commentID})
	}
	return removed, nil
}

// ForgetFile drops a file with its comments, permissions and webhook registration.
func (e *Engine) ForgetFile(ctx context.Context, fileKey string) (int64, error) {
	removed, err := e.repos.Files.Delete(ctx, fileKey)
	if err != nil {
		return 0, err
	}
	e.notifier.Publish(fileKey, EventFileGone, map[string]any{"fileKey": fileKey, "commentsRemoved": removed})
	return removed, nil
}

// Resolve marks a comment resolved now. byUserID may be nil when the resolver has no local identity.
func (e *Engine) Resolve(ctx context.Context, fileKey, commentID string, byUserID *string) (*models.Comment, error) {
	if err := e.checkFile(ctx, fileKey, commentID); err != nil {
		return nil, err
	}
	at := e.now().UTC()
	c, err := e.repos.Comments.SetResolution(ctx, commentID, &at, byUserID)
	if err != nil {
		return nil, err
	}
	e.notifier.Publish(fileKey, EventResolved, c)
	return c, nil
}

// Unresolve clears the resolution of a comment.
func (e *Engine) Unresolve(ctx context.Context, fileKey, commentID string) (*models.Comment, error) {
	if err := e.checkFile(ctx, fileKey, commentID); err != nil {
		return nil, err
	}
	c, err := e.repos.Comments.SetResolution(ctx, commentID, nil, nil)
	if err != nil {
		return nil, err
	}
	e.notifier.Publish(fileKey, EventUnresolved, c)
	return c, nil
}

// PostComment creates the comment upstream as userID and mirrors it locally.
func (e *Engine) PostComment(ctx context.Context, fileKey, userID string, nc figma.NewComment) (*models.Comment, error) {
	if nc.Message == "" {
		return nil, apperr.Validation("commentsync.post", "message is required")
	}

	created, err := e.remote.PostComment(ctx, userID, fileKey, nc)
	if err != nil {
		return nil, err
	}
	return e.ApplyRemote(context.WithoutCancel(ctx), fileKey, userID, created)
}

func (e *Engine) checkFile(ctx context.Context, fileKey, commentID string) error {
	c, err := e.repos.Comments.Get(ctx, commentID)
	if err != nil {
		return err
	}
	if c.FileKey != fileKey {
		return repository.ErrNotFound
	}
	return nil
}

// toModel maps a remote comment to a row. Without client_meta the placement is unknown and
// left nil.
func toModel(fileKey string, rc *figma.Comment, nodeName *string) *models.Comment {
	row := &models.Comment{
		ExternalCommentID: rc.ID,
		FileKey:           fileKey,
		NodeName:          nodeName,
		Message:           rc.Message,
		AuthorName:        rc.User.DisplayName(),
		AuthorHandle:      rc.User.Handle,
		ResolvedAt:        rc.ResolvedAt,
		RemoteCreatedAt:   rc.CreatedAt,
		RemoteUpdatedAt:   rc.UpdatedAt,
	}
	if rc.Meta != nil {
		x, y := rc.Meta.Position()
		row.PositionX, row.PositionY = &x, &y
	}
	if id := rc.NodeID(); id != "" {
		row.NodeID = &id
	}
	if rc.ParentID != "" {
		parent := rc.ParentID
		row.ParentCommentID = &parent
	}
	return row
}
