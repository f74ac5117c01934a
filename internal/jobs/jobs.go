// Package jobs runs the marketplace's periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gearloop/marketplace/internal/config"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job names
const (
	ReviewReminders = "review_reminders"
	ArchiveListings = "archive_listings"
	PurgeOutbox     = "purge_outbox"
)

// Reminder queues review-window reminders
type Reminder interface {
	RemindExpiring(ctx context.Context, lead time.Duration) (int, error)
}

// Archiver soft-deletes long-sold listings
type Archiver interface {
	ArchiveSold(ctx context.Context, retention time.Duration) (int64, error)
}

// Purger deletes delivered outbox events
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Func is one job run; it returns how many rows it affected
type Func func(ctx context.Context) (int64, error)

type job struct {
	name string
	spec string
	run  Func
}

// Scheduler runs registered jobs on their cron specs
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration
	jobs    map[string]job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun map[string]time.Time
}

// NewScheduler creates an empty scheduler
func NewScheduler(timeout time.Duration) *Scheduler {
	logger := logging.NewLogger("jobs")
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		logger:  logger,
		timeout: timeout,
		jobs:    map[string]job{},
		ctx:     ctx,
		cancel:  cancel,
		lastRun: map[string]time.Time{},
	}
}

// NewMarketplaceScheduler registers the reminder, archival and purge jobs
func NewMarketplaceScheduler(cfg *config.Config, reminder Reminder, archiver Archiver, purger Purger) (*Scheduler, error) {
	s := NewScheduler(0)
	mc := cfg.Marketplace

	if err := s.Add(ReviewReminders, cfg.Jobs.ReminderSchedule, func(ctx context.Context) (int64, error) {
		n, err := reminder.RemindExpiring(ctx, mc.ReviewReminderLead)
		return int64(n), err
	}); err != nil {
		return nil, err
	}
	if err := s.Add(ArchiveListings, cfg.Jobs.ArchiveSchedule, func(ctx context.Context) (int64, error) {
		return archiver.ArchiveSold(ctx, mc.ListingRetention)
	}); err != nil {
		return nil, err
	}
	if err := s.Add(PurgeOutbox, cfg.Jobs.PurgeSchedule, func(ctx context.Context) (int64, error) {
		return purger.Purge(ctx, mc.OutboxRetention)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers a job under a cron spec
func (s *Scheduler) Add(name, spec string, fn Func) error {
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	j := job{name: name, spec: spec, run: fn}
	if _, err := s.cron.AddFunc(spec, func() { s.execute(s.ctx, j) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = j
	return nil
}

// Start starts the cron loop
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Job scheduler started")
}

// Stop cancels running jobs and waits for them to return or ctx to end
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Job scheduler stop timed out")
	}
	s.logger.Info().Msg("Job scheduler stopped")
}

// RunNow runs a job immediately and returns its result
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown job %s", name)
	}
	return s.execute(ctx, j)
}

// LastRun returns when a job last finished
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRun[name]
	return t, ok
}

func (s *Scheduler) execute(ctx context.Context, j job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx)

	s.mu.Lock()
	s.lastRun[j.name] = time.Now()
	s.mu.Unlock()

	if err != nil {
		monitoring.RecordJobRun(j.name, "failed")
		s.logger.Error().Err(err).Str("job", j.name).Dur("duration", time.Since(start)).Msg("Job failed")
		return n, err
	}
	monitoring.RecordJobRun(j.name, "ok")
	s.logger.Info().Str("job", j.name).Int64("affected", n).Dur("duration", time.Since(start)).Msg("Job finished")
	return n, nil
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
