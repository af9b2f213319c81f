// Package session wires one agent session from config: event log,
// sandbox, approvals, dispatcher, tools, orchestrator and the optional
// memory store, index, telemetry and background sweeps. Everything it
// builds is owned by the Session and released by Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/agent"
	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/config"
	"github.com/stellarlinkco/clawgate/internal/cron"
	"github.com/stellarlinkco/clawgate/internal/dispatch"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
	"github.com/stellarlinkco/clawgate/internal/memory"
	"github.com/stellarlinkco/clawgate/internal/provider"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
	"github.com/stellarlinkco/clawgate/internal/skills"
	"github.com/stellarlinkco/clawgate/internal/telemetry"
	"github.com/stellarlinkco/clawgate/internal/tools"
)

// Options replace pieces New would otherwise build from config.
type Options struct {
	Logger *zap.Logger
	// Provider overrides provider.type.
	Provider agent.Provider
	// Protocol overrides approval.channel.
	Protocol approval.Protocol
	// Executor replaces the built-in toolbox.
	Executor  dispatch.Executor
	Specs     []dispatch.Spec
	SessionID string
	// LogPath overrides the generated file under the log dir.
	LogPath string
	// Events enables the orchestrator's UI stream with this buffer.
	Events     int
	Reconciler agent.Reconciler
	// Stdin and Stdout back terminal approvals.
	Stdin      io.Reader
	Stdout     io.Writer
	BotFactory approval.BotFactory
	// NoWatcher skips fsnotify; drift is still found by fingerprint checks.
	NoWatcher bool
}

type Session struct {
	ID string

	cfg    *config.Config
	logger *zap.Logger

	Log          *eventlog.Log
	Policy       *sandbox.Policy
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *agent.Orchestrator
	Approvals    *approval.Recorder
	Toolbox      *tools.Toolbox
	Memory       *memory.Store
	Skills       *skills.Set
	Index        *eventlog.Index
	Cron         *cron.Service
	Telemetry    *telemetry.Provider
	// Terminal is set when approvals are asked on the terminal; a REPL
	// reads its input through it.
	Terminal *approval.Terminal

	watcher  *drift.Watcher
	telegram *approval.Telegram
	webui    *approval.WebUI
	indexed  uint64

	closeOnce sync.Once
	closeErr  error
}

// New builds a session. On error everything built so far is released.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Session, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{ID: id, cfg: cfg, logger: logger.With(zap.String("session", id))}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	logPath := opts.LogPath
	if logPath == "" {
		logPath = filepath.Join(cfg.LogDir(), fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("20060102-150405"), shortID(id)))
	}
	s.Log, err = eventlog.Open(logPath, id, eventlog.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	s.indexed = s.Log.LastSeq()

	if cfg.Log.Index != "" {
		if s.Index, err = eventlog.OpenIndex(cfg.Log.Index); err != nil {
			return nil, fmt.Errorf("open log index: %w", err)
		}
		s.indexed = 0
	}

	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	s.Policy = sandbox.New(cfg.SandboxConfig())

	proto := opts.Protocol
	if proto == nil {
		if proto, err = s.buildProtocol(ctx, opts); err != nil {
			return nil, err
		}
	}
	s.Approvals = approval.NewRecorder(proto)

	exec := opts.Executor
	specs := opts.Specs
	if exec == nil {
		s.Toolbox = tools.New(s.Policy,
			tools.WithLogger(s.logger),
			tools.WithShellTimeout(time.Duration(cfg.Tools.ShellTimeout)*time.Second),
			tools.WithHTTPTimeout(time.Duration(cfg.Tools.HTTPTimeout)*time.Second),
			tools.WithMaxOutput(cfg.Tools.MaxOutput),
			tools.Without(cfg.Tools.Disabled...),
		)
		exec = s.Toolbox
		specs = append(s.Toolbox.Specs(), specs...)
	}

	var orch atomic.Pointer[agent.Orchestrator]
	if !opts.NoWatcher {
		s.watcher, err = drift.NewWatcher(s.logger, func(path string) {
			if o := orch.Load(); o != nil {
				o.NotifyExternalChange(path)
			}
		})
		if err != nil {
			s.logger.Warn("file watcher unavailable", zap.Error(err))
			s.watcher = nil
		}
	}

	detector := drift.NewDetector(drift.WithLogger(s.logger))
	dispOpts := []dispatch.Option{
		dispatch.WithLogger(s.logger),
		dispatch.WithSpecs(specs...),
		dispatch.WithDetector(detector),
		dispatch.WithTracer(s.Telemetry.Tracer("github.com/stellarlinkco/clawgate/dispatch")),
		dispatch.WithApprovalTimeout(cfg.ApprovalTimeout()),
	}
	if s.watcher != nil {
		dispOpts = append(dispOpts, dispatch.WithWatcher(s.watcher))
	}
	s.Dispatcher, err = dispatch.New(dispatch.Config{
		Classifier: classify.New(classify.WithOverrides(cfg.Overrides...)),
		Policy:     s.Policy,
		Protocol:   s.Approvals,
		Executor:   exec,
		Log:        s.Log,
		Mode:       cfg.Mode(),
	}, dispOpts...)
	if err != nil {
		return nil, err
	}

	prov := opts.Provider
	if prov == nil {
		if prov, err = buildProvider(cfg, s.logger); err != nil {
			return nil, err
		}
	}

	agentOpts := []agent.Option{
		agent.WithLogger(s.logger),
		agent.WithSystemPrompt(SystemPrompt(cfg)),
		agent.WithMaxIterations(cfg.Agent.MaxToolIterations),
		agent.WithDetector(detector),
		agent.WithTracer(s.Telemetry.Tracer("github.com/stellarlinkco/clawgate/agent")),
	}
	if s.watcher != nil {
		agentOpts = append(agentOpts, agent.WithWatcher(s.watcher))
	}
	if opts.Events > 0 {
		agentOpts = append(agentOpts, agent.WithEvents(opts.Events))
	}
	if opts.Reconciler != nil {
		agentOpts = append(agentOpts, agent.WithReconciler(opts.Reconciler))
	}
	var extra agent.Retrievers
	if s.Skills, err = skills.LoadSkills(cfg.SkillsDir(), s.logger); err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	if s.Skills.Len() > 0 {
		extra = append(extra, s.Skills)
	}
	if cfg.Memory.Enabled {
		if s.Memory, err = memory.Open(cfg.MemoryDBPath(), memory.WithLogger(s.logger)); err != nil {
			return nil, fmt.Errorf("open memory: %w", err)
		}
		if cfg.Memory.Import != "" {
			n, err := s.Memory.ImportMarkdown(ctx, cfg.Memory.Import, filepath.Base(cfg.Agent.Workspace))
			if err != nil {
				return nil, fmt.Errorf("import memory: %w", err)
			}
			s.logger.Debug("memory imported", zap.Int("entries", n))
		}
		extra = append(extra, s.Memory)
	}
	if len(extra) > 0 {
		agentOpts = append(agentOpts, agent.WithMemory(extra, cfg.Memory.Limit))
	}
	o, err := agent.New(prov, s.Dispatcher, s.Log, agentOpts...)
	if err != nil {
		return nil, err
	}
	s.Orchestrator = o
	orch.Store(o)

	if cfg.Cron.Enabled {
		if err := s.startCron(); err != nil {
			return nil, err
		}
	}
	s.logger.Info("session started",
		zap.String("log", s.Log.Path()),
		zap.String("mode", cfg.Mode().String()),
		zap.String("workspace", cfg.Agent.Workspace),
	)
	return s, nil
}

func (s *Session) buildProtocol(ctx context.Context, opts Options) (approval.Protocol, error) {
	switch s.cfg.Approval.Channel {
	case config.ApprovalPolicy:
		return approval.PolicyOnly{}, nil
	case config.ApprovalTelegram:
		tgOpts := []approval.TelegramOption{approval.WithTelegramLogger(s.logger)}
		if opts.BotFactory != nil {
			tgOpts = append(tgOpts, approval.WithBotFactory(opts.BotFactory))
		}
		tg, err := approval.NewTelegram(s.cfg.Approval.Telegram, tgOpts...)
		if err != nil {
			return nil, err
		}
		if err := tg.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		s.telegram = tg
		return tg, nil
	case config.ApprovalWebUI:
		ui := approval.NewWebUI(s.cfg.Approval.WebUI.Addr, approval.WithWebUILogger(s.logger))
		if err := ui.Start(ctx); err != nil {
			return nil, err
		}
		s.webui = ui
		return ui, nil
	default:
		in, out := opts.Stdin, opts.Stdout
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stderr
		}
		s.Terminal = approval.NewTerminal(in, out)
		return s.Terminal, nil
	}
}

func buildProvider(cfg *config.Config, logger *zap.Logger) (agent.Provider, error) {
	switch cfg.Provider.Type {
	case config.ProviderScript:
		script, err := provider.LoadScript(cfg.Provider.Script)
		if err != nil {
			return nil, err
		}
		return provider.NewScripted(script), nil
	default:
		return provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:     cfg.Provider.APIKey,
			BaseURL:    cfg.Provider.BaseURL,
			Model:      cfg.Agent.Model,
			MaxTokens:  cfg.Agent.MaxTokens,
			MaxRetries: cfg.Provider.MaxRetries,
		}, provider.WithLogger(logger))
	}
}

// SystemPrompt is the configured prompt followed by the workspace's
// AGENTS.md, when present.
func SystemPrompt(cfg *config.Config) string {
	var parts []string
	if p := strings.TrimSpace(cfg.Agent.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if data, err := os.ReadFile(filepath.Join(cfg.Agent.Workspace, "AGENTS.md")); err == nil {
		if p := strings.TrimSpace(string(data)); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// RunTurn runs one turn and mirrors new log events into the index.
func (s *Session) RunTurn(ctx context.Context, input string) (agent.TurnResult, error) {
	res, err := s.Orchestrator.RunTurn(ctx, input)
	if ierr := s.syncIndex(context.WithoutCancel(ctx)); ierr != nil {
		s.logger.Warn("index sync failed", zap.Error(ierr))
	}
	return res, err
}

// ApprovalURL is the browser address for webui approvals, or "".
func (s *Session) ApprovalURL() string {
	if s.webui == nil {
		return ""
	}
	return "http://" + s.webui.Addr() + "/"
}

// SetMode changes the approval mode between turns.
func (s *Session) SetMode(m gate.Mode) error { return s.Orchestrator.SetMode(m) }

func (s *Session) syncIndex(ctx context.Context) error {
	if s.Index == nil || s.Log == nil {
		return nil
	}
	events := s.Log.Since(s.indexed)
	if len(events) == 0 {
		return nil
	}
	if _, err := s.Index.Sync(ctx, events); err != nil {
		return err
	}
	s.indexed = events[len(events)-1].Seq
	return nil
}

// Close stops background work and releases everything New built. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.Cron != nil {
			s.Cron.Stop()
		}
		if s.telegram != nil {
			s.telegram.Stop()
		}
		if s.webui != nil {
			s.webui.Stop()
		}
		// The watcher calls into the orchestrator, so it stops first.
		if s.watcher != nil {
			errs = append(errs, s.watcher.Close())
		}
		if s.Orchestrator != nil {
			s.Orchestrator.Close()
		}
		if s.Index != nil {
			errs = append(errs, s.syncIndex(context.Background()), s.Index.Close())
		}
		if s.Log != nil {
			errs = append(errs, s.Log.Close())
		}
		if s.Memory != nil {
			errs = append(errs, s.Memory.Close())
		}
		if s.Telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, s.Telemetry.Shutdown(ctx))
			cancel()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
