// Package webhook verifies and applies events pushed by the design tool.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Figma-Webhook-Signature"

// EventType names a webhook event
type EventType string

const (
	EventFileComment    EventType = "FILE_COMMENT"
	EventFileUpdate     EventType = "FILE_UPDATE"
	EventFileDelete     EventType = "FILE_DELETE"
	EventLibraryPublish EventType = "LIBRARY_PUBLISH"
)

// Comment actions carried by FILE_COMMENT events.
const (
	ActionDelete  = "DELETE"
	ActionResolve = "RESOLVE"
)

var (
	errUnsigned     = apperr.Authentication("webhook.verify", "missing webhook signature or secret")
	errBadSignature = apperr.Authentication("webhook.verify", "invalid webhook signature")
)

// Event is a webhook delivery. Comment is either a full comment object or a list of
// message fragments, in which case the comment fields travel at the top level.
type Event struct {
	EventType   EventType       `json:"event_type"`
	FileKey     string          `json:"file_key"`
	FileName    string          `json:"file_name"`
	Action      string          `json:"action"`
	Timestamp   string          `json:"timestamp"`
	TriggeredBy *figma.User     `json:"triggered_by"`
	Comment     json.RawMessage `json:"comment"`
	Mentions    []figma.User    `json:"mentions"`
	CommentID   string          `json:"comment_id"`
	ParentID    string          `json:"parent_id"`
	CreatedAt   *time.Time      `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at"`
}

type fragment struct {
	Text    string `json:"text"`
	Mention string `json:"mention"`
}

// RemoteComment returns the comment carried by a FILE_COMMENT event, or nil.
func (e *Event) RemoteComment() (*figma.Comment, error) {
	raw := strings.TrimSpace(string(e.Comment))
	switch {
	case strings.HasPrefix(raw, "{"):
		var c figma.Comment
		if err := json.Unmarshal(e.Comment, &c); err != nil {
			return nil, apperr.Validation("webhook.comment", "malformed comment payload")
		}
		e.fillFromEvent(&c)
		return &c, nil

	case strings.HasPrefix(raw, "["):
		if e.CommentID == "" {
			return nil, apperr.Validation("webhook.comment", "comment_id is required")
		}
		var parts []fragment
		if err := json.Unmarshal(e.Comment, &parts); err != nil {
			return nil, apperr.Validation("webhook.comment", "malformed comment payload")
		}
		var msg strings.Builder
		for _, p := range parts {
			if p.Text != "" {
				msg.WriteString(p.Text)
			} else if p.Mention != "" {
				msg.WriteString("@" + e.mentionHandle(p.Mention))
			}
		}
		c := &figma.Comment{ID: e.CommentID, Message: msg.String()}
		e.fillFromEvent(c)
		return c, nil

	case e.CommentID != "":
		c := &figma.Comment{ID: e.CommentID}
		e.fillFromEvent(c)
		return c, nil
	}
	return nil, nil
}

// mentionHandle returns the handle of a mentioned user ID, or the ID when the event lists
// no such user.
func (e *Event) mentionHandle(userID string) string {
	for _, u := range e.Mentions {
		if u.ID == userID && u.Handle != "" {
			return u.Handle
		}
	}
	return userID
}

func (e *Event) fillFromEvent(c *figma.Comment) {
	if c.ID == "" {
		c.ID = e.CommentID
	}
	if c.ParentID == "" {
		c.ParentID = e.ParentID
	}
	if c.FileKey == "" {
		c.FileKey = e.FileKey
	}
	if c.CreatedAt.IsZero() && e.CreatedAt != nil {
		c.CreatedAt = *e.CreatedAt
	}
	if c.ResolvedAt == nil {
		c.ResolvedAt = e.ResolvedAt
	}
	if c.User.Handle == "" && c.User.Name == "" && e.TriggeredBy != nil {
		c.User = *e.TriggeredBy
	}
}

// Verify checks signature against the HMAC-SHA256 of body in constant time.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return errUnsigned
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errBadSignature
	}
	return nil
}

// Sign returns the signature Verify accepts for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Comments applies comment changes to the local cache.
type Comments interface {
	ApplyRemote(ctx context.Context, fileKey, actingUserID string, rc *figma.Comment) (*models.Comment, error)
	Delete(ctx context.Context, fileKey, commentID string) (bool, error)
	Resolve(ctx context.Context, fileKey, commentID string, byUserID *string) (*models.Comment, error)
	ForgetFile(ctx context.Context, fileKey string) (int64, error)
}

type handlerFunc func(ctx context.Context, e *Event) error

// Receiver verifies deliveries, records them and dispatches on event type.
type Receiver struct {
	secret   string
	repos    *repository.Repositories
	comments Comments
	now      func() time.Time
	log      logging.Logger
	handlers map[EventType]handlerFunc
}

// NewReceiver creates a receiver. now may be nil.
func NewReceiver(secret string, repos *repository.Repositories, comments Comments, now func() time.Time, log logging.Logger) *Receiver {
	if now == nil {
		now = time.Now
	}
	r := &Receiver{secret: secret, repos: repos, comments: comments, now: now, log: log}
	r.handlers = map[EventType]handlerFunc{
		EventFileComment:    r.handleFileComment,
		EventFileUpdate:     r.handleFileUpdate,
		EventFileDelete:     r.handleFileDelete,
		EventLibraryPublish: r.handleLibraryPublish,
	}
	return r
}

// Receive verifies body before parsing it, stores the event and applies it.
// The returned event is nil when verification or parsing failed.
func (r *Receiver) Receive(ctx context.Context, body []byte, signature string) (*models.WebhookEvent, error) {
	if err := Verify(r.secret, body, signature); err != nil {
		r.log.Warn(ctx, "Webhook signature rejected", "error", err)
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apperr.Validation("webhook.parse", "malformed webhook payload")
	}
	if event.EventType == "" {
		return nil, apperr.Validation("webhook.parse", "event_type is required")
	}

	r.log.Info(ctx, "Received webhook", "type", event.EventType, "file_key", event.FileKey, "timestamp", event.Timestamp)

	record, err := r.repos.Webhooks.RecordEvent(ctx, string(event.EventType), event.FileKey, body)
	if err != nil {
		return nil, err
	}

	handlerErr := r.dispatch(ctx, &event)
	if err := r.repos.Webhooks.MarkProcessed(ctx, record.ID, handlerErr); err != nil {
		r.log.Warn(ctx, "Failed to mark webhook processed", "event_id", record.ID, "error", err)
	}
	if handlerErr != nil {
		r.log.Error(ctx, "Webhook handler failed", "type", event.EventType, "event_id", record.ID, "error", handlerErr)
		return record, handlerErr
	}
	return record, nil
}

func (r *Receiver) dispatch(ctx context.Context, e *Event) error {
	handle, ok := r.handlers[e.EventType]
	if !ok {
		r.log.Info(ctx, "Ignoring unknown webhook event", "type", e.EventType)
		return nil
	}
	return handle(ctx, e)
}

func (r *Receiver) handleFileComment(ctx context.Context, e *Event) error {
	if e.FileKey == "" {
		return apperr.Validation("webhook.file_comment", "file_key is required")
	}
	if err := r.ensureFile(ctx, e); err != nil {
		return err
	}

	rc, err := e.RemoteComment()
	if err != nil || rc == nil {
		return err
	}

	if e.Action == ActionDelete {
		_, err := r.comments.Delete(ctx, e.FileKey, rc.ID)
		return err
	}

	actingUserID := r.actingUser(ctx, e)
	if _, err := r.comments.ApplyRemote(ctx, e.FileKey, actingUserID, rc); err != nil {
		return err
	}

	if e.Action == ActionResolve {
		var by *string
		if actingUserID != "" {
			by = &actingUserID
		}
		if _, err := r.comments.Resolve(ctx, e.FileKey, rc.ID, by); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) handleFileUpdate(ctx context.Context, e *Event) error {
	if e.FileKey == "" {
		return apperr.Validation("webhook.file_update", "file_key is required")
	}
	if err := r.ensureFile(ctx, e); err != nil {
		return err
	}
	handle := "unknown"
	if e.TriggeredBy != nil && e.TriggeredBy.Handle != "" {
		handle = e.TriggeredBy.Handle
	}
	r.log.Info(ctx, "File updated", "file_key", e.FileKey, "by", handle)
	return r.repos.Files.MarkSynced(ctx, e.FileKey, r.now())
}

func (r *Receiver) handleFileDelete(ctx context.Context, e *Event) error {
	if e.FileKey == "" {
		return apperr.Validation("webhook.file_delete", "file_key is required")
	}
	removed, err := r.comments.ForgetFile(ctx, e.FileKey)
	if err != nil {
		return err
	}
	r.log.Info(ctx, "File deleted, cached data removed", "file_key", e.FileKey, "comments", removed)
	return nil
}

func (r *Receiver) handleLibraryPublish(ctx context.Context, e *Event) error {
	r.log.Debug(ctx, "Library publish acknowledged", "file_key", e.FileKey)
	return nil
}

// ensureFile records the file and replaces a placeholder name with the one in the event.
func (r *Receiver) ensureFile(ctx context.Context, e *Event) error {
	file, err := r.repos.Files.Ensure(ctx, e.FileKey, e.FileName)
	if err != nil {
		return err
	}
	if file.FileName == models.UnknownFileName && e.FileName != "" {
		return r.repos.Files.UpdateInfo(ctx, e.FileKey, e.FileName, nil)
	}
	return nil
}

// actingUser maps the triggering account to a local user ID, or "".
func (r *Receiver) actingUser(ctx context.Context, e *Event) string {
	if e.TriggeredBy == nil || e.TriggeredBy.ID == "" {
		return ""
	}
	user, err := r.repos.Users.GetByExternalID(ctx, e.TriggeredBy.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.log.Warn(ctx, "Triggering user lookup failed", "error", err)
		}
		return ""
	}
	return user.ID
}
