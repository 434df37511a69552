package tokenstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/comments-collator/internal/database/dbtest"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

// brokenTier fails every operation, standing in for an unreachable database.
type brokenTier struct{}

var errUnavailable = errors.New("database unavailable")

func (brokenTier) Put(context.Context, Entry) error                        { return errUnavailable }
func (brokenTier) Take(context.Context, string) (Entry, error)             { return Entry{}, errUnavailable }
func (brokenTier) SweepExpired(context.Context, time.Time) (int64, error) { return 0, errUnavailable }

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestStore_ConsumeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	c := newClock()

	backends := map[string]*Store{
		"database": New(NewGormTier(dbtest.Open(t)), NewMemoryTier(), c.Now, logging.Nop()),
		"fallback": New(brokenTier{}, NewMemoryTier(), c.Now, logging.Nop()),
	}

	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			token, err := store.Issue(ctx, 30*time.Minute, "xyz")
			require.NoError(t, err)
			assert.Len(t, token, 64)

			hint, err := store.ValidateAndConsume(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, "xyz", hint)

			_, err = store.ValidateAndConsume(ctx, token)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ExpiredIsNotFound(t *testing.T) {
	ctx := context.Background()

	for name, primary := range map[string]Tier{
		"database": NewGormTier(dbtest.Open(t)),
		"fallback": brokenTier{},
	} {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			store := New(primary, NewMemoryTier(), c.Now, logging.Nop())

			token, err := store.Issue(ctx, time.Minute, "")
			require.NoError(t, err)

			c.t = c.t.Add(time.Minute + time.Second)
			_, err = store.ValidateAndConsume(ctx, token)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_UnknownAndEmptyTokens(t *testing.T) {
	store := New(NewMemoryTier(), NewMemoryTier(), nil, logging.Nop())

	_, err := store.ValidateAndConsume(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ValidateAndConsume(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FallbackHoldsTokenWhenPrimaryWriteFails(t *testing.T) {
	ctx := context.Background()
	fallback := NewMemoryTier()
	store := New(brokenTier{}, fallback, newClock().Now, logging.Nop())

	token, err := store.Issue(ctx, time.Minute, "file-a")
	require.NoError(t, err)
	assert.Equal(t, 1, fallback.Len())

	hint, err := store.ValidateAndConsume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "file-a", hint)
	assert.Equal(t, 0, fallback.Len())
}

func TestStore_ReadsFallbackAfterPrimaryMiss(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	db := dbtest.Open(t)
	fallback := NewMemoryTier()
	store := New(NewGormTier(db), fallback, c.Now, logging.Nop())

	// Token issued while the database was down, looked up after it came back.
	require.NoError(t, fallback.Put(ctx, Entry{Value: "mem-token", FileKeyHint: "k", CreatedAt: c.t, ExpiresAt: c.t.Add(time.Minute)}))

	hint, err := store.ValidateAndConsume(ctx, "mem-token")
	require.NoError(t, err)
	assert.Equal(t, "k", hint)
}

func TestStore_IssueSweepsExpired(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	db := dbtest.Open(t)
	fallback := NewMemoryTier()
	store := New(NewGormTier(db), fallback, c.Now, logging.Nop())

	_, err := store.Issue(ctx, time.Minute, "")
	require.NoError(t, err)
	require.NoError(t, fallback.Put(ctx, Entry{Value: "old", CreatedAt: c.t, ExpiresAt: c.t.Add(time.Minute)}))

	c.t = c.t.Add(2 * time.Minute)
	_, err = store.Issue(ctx, time.Minute, "")
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.OAuthState{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 0, fallback.Len())
}

func TestStore_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryTier(), NewMemoryTier(), nil, logging.Nop())

	token, err := store.Issue(ctx, time.Minute, "")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ValidateAndConsume(ctx, token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestGormTier_StoresHint(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	tier := NewGormTier(db)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, tier.Put(ctx, Entry{Value: "a", FileKeyHint: "file", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, tier.Put(ctx, Entry{Value: "b", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	var row models.OAuthState
	require.NoError(t, db.First(&row, "value = ?", "b").Error)
	assert.Nil(t, row.FileKeyHint)

	e, err := tier.Take(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "file", e.FileKeyHint)
	assert.True(t, e.ExpiresAt.Equal(now.Add(time.Minute)))

	removed, err := tier.SweepExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
