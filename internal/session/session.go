// Package session manages bearer sessions issued to the plugin.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
)

// ErrInvalid is returned for unknown or expired session tokens.
var ErrInvalid = &apperr.Error{Kind: apperr.KindAuthentication, Message: "invalid or expired session token"}

// Store persists plugin sessions. A session is valid for maxAge after creation,
// however recently it was used.
type Store struct {
	db     *gorm.DB
	maxAge time.Duration
	now    func() time.Time
	log    logging.Logger
}

// New builds a Store. now may be nil.
func New(db *gorm.DB, maxAge time.Duration, now func() time.Time, log logging.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, maxAge: maxAge, now: now, log: log.With("component", "session")}
}

// WithDB returns a copy of the store bound to tx.
func (s *Store) WithDB(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

// MaxAge is the absolute lifetime of a session.
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Create issues a new session for userID, optionally scoped to fileKeyHint.
func (s *Store) Create(ctx context.Context, userID, fileKeyHint string) (*models.PluginSession, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.clock()
	sess := &models.PluginSession{
		SessionToken:   token,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if fileKeyHint != "" {
		sess.ScopedFileKey = &fileKeyHint
	}

	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Validate returns the session and its user if the token is known and inside the absolute window.
func (s *Store) Validate(ctx context.Context, token string) (*models.PluginSession, error) {
	if token == "" {
		return nil, ErrInvalid
	}

	var sess models.PluginSession
	err := s.db.WithContext(ctx).Preload("User").First(&sess, "session_token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if !s.live(&sess) {
		s.log.Debug(ctx, "session past absolute lifetime", "session", logging.TokenPrefix(token), "created_at", sess.CreatedAt)
		return nil, ErrInvalid
	}
	return &sess, nil
}

// Authenticate validates the token and records activity.
func (s *Store) Authenticate(ctx context.Context, token string) (*models.PluginSession, error) {
	sess, err := s.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.Touch(ctx, token); err != nil {
		return nil, err
	}
	sess.LastActivityAt = s.clock()
	return sess, nil
}

// Touch records activity on a session. It never extends its lifetime.
func (s *Store) Touch(ctx context.Context, token string) error {
	return s.update(ctx, token, map[string]any{"last_activity_at": s.clock()})
}

// UpdateContext stores the node currently selected in the plugin.
func (s *Store) UpdateContext(ctx context.Context, token, nodeID string) error {
	var node *string
	if nodeID != "" {
		node = &nodeID
	}
	return s.update(ctx, token, map[string]any{"current_node_id": node, "last_activity_at": s.clock()})
}

// FindMostRecentValidForFile finds a resumable session for fileKey. Sessions scoped to the
// file and unscoped sessions both match, so an unscoped session issued while working on
// another file satisfies the lookup. Only sessions whose user still holds a live credential
// are considered. The match is touched.
func (s *Store) FindMostRecentValidForFile(ctx context.Context, fileKey string) (*models.PluginSession, error) {
	now := s.clock()

	var sess models.PluginSession
	err := s.db.WithContext(ctx).
		Select("plugin_sessions.*").
		Preload("User").
		Joins("JOIN users ON users.id = plugin_sessions.user_id").
		Where("(plugin_sessions.scoped_file_key = ? OR plugin_sessions.scoped_file_key IS NULL)", fileKey).
		Where("plugin_sessions.created_at > ?", now.Add(-s.maxAge)).
		Where("users.access_token <> ''").
		Where("(users.token_expires_at IS NULL OR users.token_expires_at > ?)", now).
		Order("plugin_sessions.last_activity_at DESC").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}

	if err := s.Touch(ctx, sess.SessionToken); err != nil {
		return nil, err
	}
	sess.LastActivityAt = now
	return &sess, nil
}

// PurgeExpired deletes sessions past the absolute window.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at <= ?", s.clock().Add(-s.maxAge)).
		Delete(&models.PluginSession{})
	return res.RowsAffected, res.Error
}

func (s *Store) update(ctx context.Context, token string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.PluginSession{}).Where("session_token = ?", token).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalid
	}
	return nil
}

func (s *Store) live(sess *models.PluginSession) bool {
	return sess.CreatedAt.Add(s.maxAge).After(s.clock())
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
