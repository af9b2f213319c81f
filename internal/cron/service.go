// Package cron runs a session's background jobs (drift sweeps, log
// verification) on robfig/cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrUnknownJob = errors.New("cron: unknown job")

// Func is one job body. The returned summary is logged.
type Func func(ctx context.Context) (string, error)

// JobState is a snapshot of a registered job.
type JobState struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	NextRunAt  time.Time `json:"nextRunAt,omitempty"`
}

type job struct {
	state JobState
	run   Func
	entry rcron.EntryID
}

type Service struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	jobs   map[string]*job
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

func NewService(opts ...Option) *Service {
	s := &Service{jobs: make(map[string]*job), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("cron")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithLogger(cronLogger{s.logger.Sugar()}),
		rcron.WithChain(rcron.Recover(cronLogger{s.logger.Sugar()}), rcron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})),
	)
	return s
}

// Add registers a job. Schedules are cron expressions with an optional
// seconds field, or descriptors such as "@every 30s" and "@hourly".
func (s *Service) Add(name, schedule string, run Func) error {
	if name == "" || run == nil {
		return errors.New("cron: job needs a name and a body")
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("cron: job %s: bad schedule %q: %w", name, schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("cron: job %s already registered", name)
	}
	j := &job{state: JobState{Name: name, Schedule: schedule}, run: run}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("cron: job %s: %w", name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

// Remove unregisters a job; unknown names are ignored.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.entry)
		delete(s.jobs, name)
	}
}

func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", len(s.Jobs())))
}

// Stop cancels running jobs and waits up to five seconds for them.
func (s *Service) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timed out waiting for running jobs")
	}
	s.logger.Info("stopped")
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(name)
}

// Jobs lists registered jobs by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		if e := s.cron.Entry(j.entry); e.Valid() {
			st.NextRunAt = e.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	start := time.Now()
	summary, err := j.run(s.ctx)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = start
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
		return err
	}
	s.logger.Debug("job done", zap.String("job", name), zap.String("result", truncate(summary, 100)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
