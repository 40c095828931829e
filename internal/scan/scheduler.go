package scan

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/koltyakov/pgproblems/internal/logger"
)

// DefaultSchedule runs a scan at :00 and :30 of every hour.
const DefaultSchedule = "*/30 * * * *"

// Scheduler triggers locked scans on a cron schedule. A failed scan is
// logged and retried at the next activation; an activation that fires while
// the previous scan is still running is skipped.
type Scheduler struct {
	Scanner Scanner
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@hourly" or "@every 15m".
	Schedule   string
	RunOnStart bool
	Logger     *logger.Logger

	// schedule overrides Schedule.
	schedule cron.Schedule

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start parses the schedule and starts the cron runner. Calling Start on a
// running scheduler is a no-op. Stop must be called to release the runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	spec := s.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	sched := s.schedule
	if sched == nil {
		var err error
		if sched, err = cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("parse schedule %q: %w", spec, err)
		}
	}
	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}

	ctx, s.cancel = context.WithCancel(ctx)
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log})).Then(cron.FuncJob(func() {
		s.tick(ctx, log)
	}))
	s.cron = cron.New(cron.WithLogger(cronLogger{log}))
	s.cron.Schedule(sched, job)
	s.cron.Start()

	if s.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
	log.Info("scheduler started", "schedule", spec, "run_on_start", s.RunOnStart)
	return nil
}

func (s *Scheduler) tick(ctx context.Context, log *logger.Logger) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.Scanner.RunScan(ctx, Options{Trigger: TriggerSchedule})
	switch {
	case err != nil:
		if ctx.Err() == nil {
			log.Error("scheduled scan failed", "error", err)
		}
	case res.Skipped:
		log.Debug("scheduled scan skipped", "scan_id", res.ScanID.String())
	}
}

// Stop cancels an in-flight scan, stops the runner and waits for running
// jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
}

// cronLogger routes cron runner messages to the application logger.
type cronLogger struct{ l *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
