package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gearloop/marketplace/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReminder struct{ lead time.Duration }

func (f *fakeReminder) RemindExpiring(ctx context.Context, lead time.Duration) (int, error) {
	f.lead = lead
	return 3, nil
}

type fakeArchiver struct{ retention time.Duration }

func (f *fakeArchiver) ArchiveSold(ctx context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return 2, nil
}

type fakePurger struct{ err error }

func (f *fakePurger) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Marketplace: config.MarketplaceConfig{
			ReviewReminderLead: 48 * time.Hour,
			ListingRetention:   720 * time.Hour,
			OutboxRetention:    168 * time.Hour,
		},
		Jobs: config.JobsConfig{
			ReminderSchedule: "@every 1h",
			ArchiveSchedule:  "@daily",
			PurgeSchedule:    "@daily",
		},
	}
}

func TestMarketplaceScheduler_RunNow(t *testing.T) {
	reminder := &fakeReminder{}
	archiver := &fakeArchiver{}
	purger := &fakePurger{err: errors.New("db down")}

	s, err := NewMarketplaceScheduler(testConfig(), reminder, archiver, purger)
	require.NoError(t, err)

	n, err := s.RunNow(context.Background(), ReviewReminders)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 48*time.Hour, reminder.lead)

	n, err = s.RunNow(context.Background(), ArchiveListings)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 720*time.Hour, archiver.retention)

	_, err = s.RunNow(context.Background(), PurgeOutbox)
	assert.Error(t, err)
	_, ok := s.LastRun(PurgeOutbox)
	assert.True(t, ok, "failed runs are still recorded")

	_, err = s.RunNow(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestScheduler_RejectsBadSpecAndDuplicates(t *testing.T) {
	s := NewScheduler(time.Second)
	noop := func(ctx context.Context) (int64, error) { return 0, nil }

	assert.Error(t, s.Add("bad", "not a spec", noop))
	require.NoError(t, s.Add("ok", "@hourly", noop))
	assert.Error(t, s.Add("ok", "@hourly", noop))
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(time.Second)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) (int64, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	}))

	s.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
