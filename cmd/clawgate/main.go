package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stellarlinkco/clawgate/internal/agent"
	"github.com/stellarlinkco/clawgate/internal/config"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
	"github.com/stellarlinkco/clawgate/internal/session"
)

// RunOptions injects dependencies into the run command for tests.
type RunOptions struct {
	Provider agent.Provider
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
}

var rootCmd = &cobra.Command{
	Use:           "clawgate",
	Short:         "clawgate - coding agent with approval-gated tools",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single message or an interactive session",
	RunE:  runAgent,
}

var replayCmd = &cobra.Command{
	Use:   "replay <log>",
	Short: "Print a session log",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <log>",
	Short: "Check a session log's sequence and hash chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var driftCmd = &cobra.Command{
	Use:   "drift <log>",
	Short: "Compare the files a session saw with the disk",
	Args:  cobra.ExactArgs(1),
	RunE:  runDrift,
}

var indexCmd = &cobra.Command{
	Use:   "index [log...]",
	Short: "Load session logs into the SQLite index and list indexed sessions",
	RunE:  runIndex,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clawgate status",
	RunE:  runStatus,
}

var (
	messageFlag  string
	scriptFlag   string
	modeFlag     string
	approvalFlag string
	verboseFlag  bool
	indexDBFlag  string
)

func init() {
	runCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	runCmd.Flags().StringVar(&scriptFlag, "script", "", "Replay model responses from a YAML script instead of calling the API")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Approval mode: read-only, auto or full-access")
	runCmd.Flags().StringVar(&approvalFlag, "approval", "", "Approval channel: terminal, telegram, webui or policy")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging to stderr")
	indexCmd.Flags().StringVar(&indexDBFlag, "db", "", "Index database (default log.index or <config dir>/index.db)")
	rootCmd.AddCommand(runCmd, replayCmd, verifyCmd, driftCmd, indexCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cmdContext is the command's context, which is unset when a handler is
// called directly.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newLogger(verbose bool, w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)
	if verbose {
		level = zapcore.DebugLevel
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(cmdContext(cmd), RunOptions{})
}

// runAgentWithOptions runs the agent with injectable dependencies.
func runAgentWithOptions(ctx context.Context, opts RunOptions) error {
	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stdout, stderr = &syncWriter{w: stdout}, &syncWriter{w: stderr}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}
	if opts.Provider == nil && cfg.Provider.Type != config.ProviderScript && cfg.Provider.APIKey == "" {
		return errors.New("API key not set. Run 'clawgate onboard' or set CLAWGATE_API_KEY / ANTHROPIC_API_KEY")
	}

	logger := newLogger(verboseFlag, stderr)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s, err := session.New(ctx, cfg, session.Options{
		Logger:   logger,
		Provider: opts.Provider,
		Stdin:    stdin,
		Stdout:   stderr,
		Events:   64,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if url := s.ApprovalURL(); url != "" {
		fmt.Fprintf(stderr, "approvals: %s\n", url)
	}
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		printEvents(s.Orchestrator.Events(), stdout, stderr)
	}()
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
		printer.Wait()
		fmt.Fprintf(stderr, "session log: %s\n", s.Log.Path())
	}()

	if messageFlag != "" {
		if _, err := s.RunTurn(ctx, messageFlag); err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		return nil
	}
	return repl(ctx, s, stdin, stdout, stderr)
}

func applyRunFlags(cfg *config.Config) error {
	if modeFlag != "" {
		if _, err := gate.ParseMode(modeFlag); err != nil {
			return err
		}
		cfg.Agent.Mode = modeFlag
	}
	if scriptFlag != "" {
		cfg.Provider.Type = config.ProviderScript
		cfg.Provider.Script = scriptFlag
	}
	if approvalFlag != "" {
		cfg.Approval.Channel = approvalFlag
	}
	return cfg.Validate()
}

// lineReader is the REPL's input. With terminal approvals it is the
// approval Terminal itself so both read the same stream.
type lineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

func repl(ctx context.Context, s *session.Session, stdin io.Reader, stdout, stderr io.Writer) error {
	var in lineReader = s.Terminal
	if s.Terminal == nil {
		in = newScanReader(stdin)
	}
	fmt.Fprintf(stdout, "clawgate (%s mode; /mode <m> to switch, exit to quit)\n", s.Orchestrator.Mode())
	for {
		fmt.Fprint(stdout, "\n> ")
		line, err := in.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/mode":
			fmt.Fprintf(stdout, "mode: %s\n", s.Orchestrator.Mode())
			continue
		case strings.HasPrefix(input, "/mode "):
			m, err := gate.ParseMode(strings.TrimPrefix(input, "/mode "))
			if err == nil {
				err = s.SetMode(m)
			}
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				continue
			}
			fmt.Fprintf(stdout, "mode: %s\n", m)
			continue
		}
		if _, err := s.RunTurn(ctx, input); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// printEvents renders the orchestrator's UI stream until it is closed.
func printEvents(events <-chan agent.Event, stdout, stderr io.Writer) {
	midLine := false
	for ev := range events {
		switch ev.Kind {
		case agent.EventToken:
			fmt.Fprint(stdout, ev.Text)
			midLine = !strings.HasSuffix(ev.Text, "\n")
		case agent.EventLogged:
			if ev.Log == nil {
				continue
			}
			switch ev.Log.Kind {
			case eventlog.KindToolCall, eventlog.KindToolResult, eventlog.KindError, eventlog.KindPatch:
				if midLine {
					fmt.Fprintln(stdout)
					midLine = false
				}
				fmt.Fprintf(stderr, "  %s\n", summarize(*ev.Log))
			}
		case agent.EventDrift:
			for _, r := range ev.Drift {
				fmt.Fprintf(stderr, "  drift: %s\n", r)
			}
		case agent.EventTurnEnd:
			if midLine {
				fmt.Fprintln(stdout)
				midLine = false
			}
			if ev.Result != nil && ev.Result.State != agent.Done {
				fmt.Fprintf(stderr, "turn %s: %v\n", ev.Result.State, ev.Result.Err)
			}
		}
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	events, err := eventlog.ReadFile(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, ev := range events {
		fmt.Fprintf(out, "%4d %s %-13s %s\n", ev.Seq, ev.Time().Local().Format("15:04:05"), ev.Kind, summarize(ev))
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	events, err := eventlog.ReadFile(args[0])
	if err != nil {
		return err
	}
	rep := eventlog.Verify(events)
	if !rep.Pass {
		return fmt.Errorf("%w: %s", eventlog.ErrCorrupt, rep.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (session %s)\n", rep.Message, rep.SessionID)
	return nil
}

func runDrift(cmd *cobra.Command, args []string) error {
	events, err := eventlog.ReadFile(args[0])
	if err != nil {
		return err
	}
	records, err := drift.NewDetector().ReplayCheck(events)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	n := 0
	for _, r := range records {
		if r.Drifted() {
			fmt.Fprintln(out, r)
			n++
		}
	}
	fmt.Fprintf(out, "%d of %d tracked file(s) drifted\n", n, len(records))
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dbPath := indexDBFlag
	if dbPath == "" {
		dbPath = cfg.Log.Index
	}
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "index.db")
	}
	ix, err := eventlog.OpenIndex(dbPath)
	if err != nil {
		return err
	}
	defer ix.Close()

	out := cmd.OutOrStdout()
	for _, path := range args {
		events, err := eventlog.ReadFile(path)
		if err != nil {
			return err
		}
		if err := eventlog.Check(events); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		n, err := ix.Sync(cmdContext(cmd), events)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(out, "%s: %d new event(s)\n", path, n)
	}
	sessions, err := ix.Sessions(cmdContext(cmd))
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  %4d events  %3d errors  %s .. %s\n", s.SessionID, s.Events, s.Errors, s.FirstTS, s.LastTS)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	writeIfNotExists(out, filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(out, filepath.Join(config.ConfigDir(), "MEMORY.md"), defaultMemoryMD)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CLAWGATE_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'clawgate run -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Mode: %s\n", cfg.Mode())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	switch key := cfg.Provider.APIKey; {
	case len(key) > 8:
		fmt.Fprintf(out, "API Key: %s...%s\n", key[:4], key[len(key)-4:])
	case key != "":
		fmt.Fprintln(out, "API Key: set")
	default:
		fmt.Fprintln(out, "API Key: not set")
	}
	fmt.Fprintf(out, "Approvals: %s\n", cfg.Approval.Channel)
	fmt.Fprintf(out, "Memory: enabled=%v\n", cfg.Memory.Enabled)
	fmt.Fprintf(out, "Telemetry: enabled=%v\n", cfg.Telemetry.Enabled)

	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Fprintln(out, "Workspace: not found (run 'clawgate onboard')")
	}
	logs, _ := filepath.Glob(filepath.Join(cfg.LogDir(), "*.jsonl"))
	fmt.Fprintf(out, "Session logs: %d in %s\n", len(logs), cfg.LogDir())
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0o644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# Workspace instructions

You are a coding agent working in this directory.

## Guidelines
- Read a file before you change it
- Prefer small edits with edit_file over rewriting whole files
- Explain destructive commands before running them
`

const defaultMemoryMD = `# Memory

## Rules

## Decisions

## Notes
`
