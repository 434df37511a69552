package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/database/dbtest"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func setup(t *testing.T) (*Store, *gorm.DB, *clock) {
	t.Helper()
	db := dbtest.Open(t)
	c := &clock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	return New(db, 24*time.Hour, c.Now, logging.Nop()), db, c
}

func addUser(t *testing.T, db *gorm.DB, id, accessToken string, expiresAt *time.Time) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Create(&models.User{
		ID:             id,
		ExternalUserID: "ext-" + id,
		Handle:         "h-" + id,
		AccessToken:    accessToken,
		TokenExpiresAt: expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}).Error)
}

func TestCreateAndValidate(t *testing.T) {
	store, db, _ := setup(t)
	ctx := context.Background()
	addUser(t, db, "u1", "sealed", nil)

	sess, err := store.Create(ctx, "u1", "file-a")
	require.NoError(t, err)
	assert.Len(t, sess.SessionToken, 64)
	require.NotNil(t, sess.ScopedFileKey)
	assert.Equal(t, "file-a", *sess.ScopedFileKey)

	got, err := store.Validate(ctx, sess.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	require.NotNil(t, got.User)
	assert.Equal(t, "h-u1", got.User.Handle)

	_, err = store.Validate(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestValidate_AbsoluteExpiryIgnoresActivity(t *testing.T) {
	store, db, c := setup(t)
	ctx := context.Background()
	addUser(t, db, "u1", "sealed", nil)

	sess, err := store.Create(ctx, "u1", "")
	require.NoError(t, err)

	c.t = c.t.Add(24*time.Hour - 2*time.Minute)
	_, err = store.Authenticate(ctx, sess.SessionToken)
	require.NoError(t, err)

	c.t = c.t.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, sess.SessionToken))

	c.t = c.t.Add(2 * time.Minute)
	_, err = store.Validate(ctx, sess.SessionToken)
	assert.ErrorIs(t, err, ErrInvalid, "session older than 24h must be rejected even when active a minute ago")
}

func TestUpdateContext(t *testing.T) {
	store, db, c := setup(t)
	ctx := context.Background()
	addUser(t, db, "u1", "sealed", nil)

	sess, err := store.Create(ctx, "u1", "")
	require.NoError(t, err)

	c.t = c.t.Add(time.Minute)
	require.NoError(t, store.UpdateContext(ctx, sess.SessionToken, "12:34"))

	got, err := store.Validate(ctx, sess.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentNodeID)
	assert.Equal(t, "12:34", *got.CurrentNodeID)
	assert.True(t, got.LastActivityAt.Equal(c.t))

	require.NoError(t, store.UpdateContext(ctx, sess.SessionToken, ""))
	got, err = store.Validate(ctx, sess.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentNodeID)

	assert.ErrorIs(t, store.UpdateContext(ctx, "missing", "1:1"), ErrInvalid)
}

func TestFindMostRecentValidForFile(t *testing.T) {
	store, db, c := setup(t)
	ctx := context.Background()
	past := c.t.Add(-time.Hour)
	addUser(t, db, "live", "sealed", nil)
	addUser(t, db, "stale", "sealed", &past)
	addUser(t, db, "none", "", nil)

	_, err := store.FindMostRecentValidForFile(ctx, "file-a")
	assert.ErrorIs(t, err, ErrInvalid)

	scoped, err := store.Create(ctx, "live", "file-a")
	require.NoError(t, err)
	c.t = c.t.Add(time.Minute)
	unscoped, err := store.Create(ctx, "live", "")
	require.NoError(t, err)
	c.t = c.t.Add(time.Minute)
	_, err = store.Create(ctx, "live", "file-b")
	require.NoError(t, err)
	_, err = store.Create(ctx, "stale", "file-a")
	require.NoError(t, err)
	_, err = store.Create(ctx, "none", "file-a")
	require.NoError(t, err)

	found, err := store.FindMostRecentValidForFile(ctx, "file-a")
	require.NoError(t, err)
	assert.Equal(t, unscoped.SessionToken, found.SessionToken, "unscoped session is the most recently active match")
	require.NotNil(t, found.User)

	c.t = c.t.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, scoped.SessionToken))
	found, err = store.FindMostRecentValidForFile(ctx, "file-a")
	require.NoError(t, err)
	assert.Equal(t, scoped.SessionToken, found.SessionToken)

	// An unscoped session also satisfies lookups for files it was never issued for.
	found, err = store.FindMostRecentValidForFile(ctx, "file-z")
	require.NoError(t, err)
	assert.Equal(t, unscoped.SessionToken, found.SessionToken)

	c.t = c.t.Add(25 * time.Hour)
	_, err = store.FindMostRecentValidForFile(ctx, "file-a")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPurgeExpired(t *testing.T) {
	store, db, c := setup(t)
	ctx := context.Background()
	addUser(t, db, "u1", "sealed", nil)

	_, err := store.Create(ctx, "u1", "")
	require.NoError(t, err)
	c.t = c.t.Add(20 * time.Hour)
	fresh, err := store.Create(ctx, "u1", "")
	require.NoError(t, err)

	c.t = c.t.Add(5 * time.Hour)
	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.Validate(ctx, fresh.SessionToken)
	assert.NoError(t, err)
}

func TestWithDB_RollsBackWithTransaction(t *testing.T) {
	store, db, _ := setup(t)
	ctx := context.Background()
	addUser(t, db, "u1", "sealed", nil)

	var token string
	err := db.Transaction(func(tx *gorm.DB) error {
		sess, err := store.WithDB(tx).Create(ctx, "u1", "")
		if err != nil {
			return err
		}
		token = sess.SessionToken
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrInvalid)
}
