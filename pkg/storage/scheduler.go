package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dd0wney/graphstore/pkg/logging"
)

// cronLogger adapts the store logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(cronFields(keysAndValues), logging.Error(err))...)
}

func cronFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}

// startScheduler registers the configured cron jobs. Nothing runs when no
// schedule is configured.
func (s *Store) startScheduler() error {
	if s.cfg.SaveSchedule == "" && s.cfg.CompactSchedule == "" {
		return nil
	}

	logger := cronLogger{logger: s.logger.With(logging.Component("scheduler"))}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if s.cfg.SaveSchedule != "" {
		if _, err := c.AddFunc(s.cfg.SaveSchedule, s.scheduledSave); err != nil {
			return fmt.Errorf("save schedule %q: %w", s.cfg.SaveSchedule, err)
		}
	}
	if s.cfg.CompactSchedule != "" {
		if _, err := c.AddFunc(s.cfg.CompactSchedule, s.scheduledCompaction); err != nil {
			return fmt.Errorf("compact schedule %q: %w", s.cfg.CompactSchedule, err)
		}
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Store) scheduledSave() {
	if s.State() != StateOpen {
		return
	}
	if _, err := s.SaveIndexStates(false); err != nil {
		s.logger.Warn("scheduled index save failed", logging.Error(err))
	}
}

func (s *Store) scheduledCompaction() {
	if s.State() != StateOpen {
		return
	}
	_, err := s.RewriteStore(context.Background(), true, "", nil)
	if err != nil && !errors.Is(err, ErrRewriteInProgress) {
		s.logger.Warn("scheduled log rewrite failed", logging.Error(err))
	}
}

// scheduleAutomaticWork queues a save or a compaction on the worker pool
// once the configured thresholds are crossed. Called without the gate.
func (s *Store) scheduleAutomaticWork() {
	c := s.Counters()

	if s.cfg.AutoSaveThreshold > 0 && c.ActionsSinceSave >= s.cfg.AutoSaveThreshold &&
		s.saveQueued.CompareAndSwap(false, true) {
		if !s.pool.Submit("auto save", func(context.Context) error {
			defer s.saveQueued.Store(false)
			_, err := s.SaveIndexStates(false)
			return err
		}) {
			s.saveQueued.Store(false)
		}
	}

	if s.cfg.AutoCompactThreshold > 0 && c.TruncatableActions >= s.cfg.AutoCompactThreshold &&
		!s.rewriting.Load() && s.compactQueued.CompareAndSwap(false, true) {
		if !s.pool.Submit("auto compact", func(ctx context.Context) error {
			defer s.compactQueued.Store(false)
			_, err := s.RewriteStore(ctx, true, "", nil)
			if errors.Is(err, ErrRewriteInProgress) {
				return nil
			}
			return err
		}) {
			s.compactQueued.Store(false)
		}
	}
}
