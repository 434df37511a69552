package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/logging"
)

// WebhookRetention is how long processed webhook events are kept.
const WebhookRetention = 30 * 24 * time.Hour

// SessionPurger deletes sessions past their absolute lifetime
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StateSweeper deletes expired OAuth state tokens
type StateSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// EventPurger deletes processed webhook events
type EventPurger interface {
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report counts rows removed by one retention pass
type Report struct {
	Sessions      int64 `json:"sessions"`
	States        int64 `json:"states"`
	WebhookEvents int64 `json:"webhookEvents"`
}

// Scheduler manages background jobs
type Scheduler struct {
	cron     *cron.Cron
	db       *gorm.DB
	dbType   string
	sessions SessionPurger
	states   StateSweeper
	events   EventPurger
	now      func() time.Time
	log      logging.Logger
}

// NewScheduler creates a new job scheduler. now may be nil.
func NewScheduler(db *gorm.DB, dbType string, sessions SessionPurger, states StateSweeper, events EventPurger,
	now func() time.Time, log logging.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cron:     cron.New(),
		db:       db,
		dbType:   dbType,
		sessions: sessions,
		states:   states,
		events:   events,
		now:      now,
		log:      log,
	}
}

// Start registers the jobs and starts the scheduler
func (s *Scheduler) Start() error {
	ctx := context.Background()

	// Expired sessions every 15 minutes
	if _, err := s.cron.AddFunc("*/15 * * * *", func() { s.purgeSessions(ctx) }); err != nil {
		return err
	}

	// OAuth states are also swept lazily on issue; this catches idle periods
	if _, err := s.cron.AddFunc("*/10 * * * *", func() { s.sweepStates(ctx) }); err != nil {
		return err
	}

	// Processed webhook events daily at 3:14 AM
	if _, err := s.cron.AddFunc("14 3 * * *", func() { s.purgeWebhookEvents(ctx) }); err != nil {
		return err
	}

	// Vacuum sqlite weekly at 2:30 AM on Sunday
	if s.dbType == "sqlite" {
		if _, err := s.cron.AddFunc("30 2 * * 0", func() { s.vacuumDatabase(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info(ctx, "Job scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info(context.Background(), "Job scheduler stopped")
}

// RunRetention runs every retention job once
func (s *Scheduler) RunRetention(ctx context.Context) Report {
	return Report{
		Sessions:      s.purgeSessions(ctx),
		States:        s.sweepStates(ctx),
		WebhookEvents: s.purgeWebhookEvents(ctx),
	}
}

func (s *Scheduler) purgeSessions(ctx context.Context) int64 {
	n, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		s.log.Error(ctx, "Failed to purge expired sessions", "error", err)
		return 0
	}
	if n > 0 {
		s.log.Info(ctx, "Purged expired sessions", "count", n)
	}
	return n
}

func (s *Scheduler) sweepStates(ctx context.Context) int64 {
	n, err := s.states.SweepExpired(ctx)
	if err != nil {
		s.log.Warn(ctx, "OAuth state sweep incomplete", "removed", n, "error", err)
		return n
	}
	return n
}

func (s *Scheduler) purgeWebhookEvents(ctx context.Context) int64 {
	n, err := s.events.PurgeProcessedBefore(ctx, s.now().Add(-WebhookRetention))
	if err != nil {
		s.log.Error(ctx, "Failed to purge webhook events", "error", err)
		return 0
	}
	s.log.Info(ctx, "Cleaned up old webhook events", "count", n)
	return n
}

// vacuumDatabase runs VACUUM on SQLite database
func (s *Scheduler) vacuumDatabase(ctx context.Context) {
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		s.log.Error(ctx, "Failed to vacuum database", "error", err)
		return
	}
	s.log.Info(ctx, "Database vacuum completed")
}
