package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/agent"
	"github.com/stellarlinkco/clawgate/internal/cron"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
)

const (
	JobDriftSweep = "drift-sweep"
	JobVerifyLog  = "verify-log"
)

func (s *Session) startCron() error {
	s.Cron = cron.NewService(cron.WithLogger(s.logger))
	if err := s.Cron.Add(JobDriftSweep, s.cfg.Cron.DriftSweep, s.sweepDrift); err != nil {
		return err
	}
	if err := s.Cron.Add(JobVerifyLog, s.cfg.Cron.Verify, s.verifyLog); err != nil {
		return err
	}
	s.Cron.Start()
	return nil
}

// sweepDrift logs drift found while the session is idle. A running turn
// does its own check, so the sweep just skips.
func (s *Session) sweepDrift(ctx context.Context) (string, error) {
	fresh, err := s.Orchestrator.Sweep(ctx)
	switch {
	case errors.Is(err, agent.ErrTurnInProgress):
		return "skipped: turn in progress", nil
	case err != nil:
		return "", err
	}
	if err := s.syncIndex(ctx); err != nil {
		s.logger.Warn("index sync failed", zap.Error(err))
	}
	return fmt.Sprintf("%d drifted file(s)", len(fresh)), nil
}

// verifyLog re-reads the session file from disk and checks its hash chain.
func (s *Session) verifyLog(context.Context) (string, error) {
	events, err := eventlog.ReadFile(s.Log.Path())
	if err != nil {
		return "", err
	}
	rep := eventlog.Verify(events)
	if !rep.Pass {
		s.logger.Error("session log failed verification", zap.String("log", s.Log.Path()), zap.String("reason", rep.Message))
		return "", fmt.Errorf("%w: %s", eventlog.ErrCorrupt, rep.Message)
	}
	return rep.Message, nil
}
