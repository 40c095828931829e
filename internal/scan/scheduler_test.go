package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingScanner struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (c *countingScanner) RunScan(ctx context.Context, opts Options) (Result, error) {
	c.calls.Add(1)
	if opts.SkipLock || opts.Trigger != TriggerSchedule {
		return Result{}, errors.New("scheduled scans must take the lock")
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, c.err
}

// every fires at a fixed sub-second period, below cron's one-second floor.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestSchedulerTicks(t *testing.T) {
	sc := &countingScanner{err: errors.New("database down")}
	s := &Scheduler{Scanner: sc, schedule: every(5 * time.Millisecond)}

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background())) // no second runner
	assert.Eventually(t, func() bool { return sc.calls.Load() >= 3 }, time.Second, time.Millisecond,
		"failed scans are retried at the next activation")
	s.Stop()

	n := sc.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sc.calls.Load(), "no scans after Stop")
	s.Stop()
}

func TestSchedulerSkipsWhileRunning(t *testing.T) {
	sc := &countingScanner{block: make(chan struct{})}
	s := &Scheduler{Scanner: sc, schedule: every(2 * time.Millisecond)}

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return sc.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), sc.calls.Load(), "activations during a running scan are skipped")

	// Stop cancels the blocked scan.
	s.Stop()
}

func TestSchedulerRunOnStart(t *testing.T) {
	sc := &countingScanner{}
	s := &Scheduler{Scanner: sc, Schedule: "@every 1h", RunOnStart: true}

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return sc.calls.Load() == 1 }, time.Second, time.Millisecond)
	s.Stop()
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := &Scheduler{Scanner: &countingScanner{}, Schedule: "every now and then"}
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
}

func TestDefaultScheduleIsClockAligned(t *testing.T) {
	sched, err := cron.ParseStandard(DefaultSchedule)
	require.NoError(t, err)

	start := time.Date(2024, 5, 1, 10, 7, 42, 0, time.UTC)
	first := sched.Next(start)
	assert.True(t, first.Equal(time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)), "got %s", first)
	second := sched.Next(first)
	assert.True(t, second.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)), "got %s", second)
}

func TestSchedulerStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &countingScanner{block: make(chan struct{})}
	s := &Scheduler{Scanner: sc, schedule: every(time.Millisecond)}
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return sc.calls.Load() == 1 }, time.Second, time.Millisecond)

	// The blocked scan returns once the parent is canceled.
	cancel()
	s.Stop()
}
