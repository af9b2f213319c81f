package session

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawgate/internal/agent"
	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/config"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
	"github.com/stellarlinkco/clawgate/internal/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CLAWGATE_HOME", "")
	ws, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	state := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = ws
	cfg.Log.Dir = filepath.Join(state, "sessions")
	cfg.Approval.Channel = config.ApprovalPolicy
	return cfg
}

func writeScript(t *testing.T, cfg *config.Config, doc string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	cfg.Provider.Type = config.ProviderScript
	cfg.Provider.Script = path
}

func kinds(events []eventlog.Event) []eventlog.Kind {
	var out []eventlog.Kind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestSessionRunsApprovedWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Index = filepath.Join(t.TempDir(), "index.db")
	writeScript(t, cfg, `responses:
  - steps:
      - text: "Creating it."
      - tool: write_file
        id: call-1
        args: {path: hello.txt, content: "hi\n"}
  - steps:
      - text: "Done."
`)
	s, err := New(context.Background(), cfg, Options{
		Protocol:  approval.NewScripted(approval.Approve),
		NoWatcher: true,
	})
	require.NoError(t, err)

	res, err := s.RunTurn(context.Background(), "create hello.txt")
	require.NoError(t, err)
	assert.Equal(t, agent.Done, res.State)
	assert.Equal(t, 1, res.ToolCalls)

	data, err := os.ReadFile(filepath.Join(cfg.Agent.Workspace, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	got := kinds(s.Log.Snapshot())
	assert.Contains(t, got, eventlog.KindApproval)
	assert.Contains(t, got, eventlog.KindPatch)
	assert.Equal(t, 1, s.Approvals.Stats().Approved)

	sessions, err := s.Index.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, len(got), sessions[0].Events)

	logPath := s.Log.Path()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	events, err := eventlog.ReadFile(logPath)
	require.NoError(t, err)
	assert.True(t, eventlog.Verify(events).Pass)
}

func TestSessionReadOnlyRefusesWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Mode = "read-only"
	writeScript(t, cfg, `responses:
  - steps:
      - tool: bash
        args: {command: "rm -rf build"}
  - steps:
      - text: "I am not allowed to do that."
`)
	s, err := New(context.Background(), cfg, Options{NoWatcher: true})
	require.NoError(t, err)
	defer s.Close()

	res, err := s.RunTurn(context.Background(), "clean up")
	require.NoError(t, err)
	assert.Equal(t, agent.Done, res.State)
	assert.Contains(t, kinds(s.Log.Snapshot()), eventlog.KindError)
	assert.NotContains(t, kinds(s.Log.Snapshot()), eventlog.KindToolCall)
	assert.Equal(t, gate.ReadOnly, s.Orchestrator.Mode())
}

func TestSessionMemoryAndPrompt(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Agent.Workspace, "AGENTS.md"), []byte("Use tabs.\n"), 0o644))
	mem := filepath.Join(t.TempDir(), "MEMORY.md")
	require.NoError(t, os.WriteFile(mem, []byte("## Rules\n- staging deploys need a ticket\n"), 0o644))
	skill := filepath.Join(cfg.Agent.Workspace, "skills", "deploy", "SKILL.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(skill), 0o755))
	require.NoError(t, os.WriteFile(skill, []byte("---\nname: deploy\nkeywords: [staging]\n---\nRun make preflight first.\n"), 0o644))
	cfg.Agent.SystemPrompt = "You are careful."
	cfg.Memory.Enabled = true
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "memory.db")
	cfg.Memory.Import = mem

	script := provider.NewScripted(provider.Script{Responses: []provider.Response{
		{Steps: []provider.Step{{Text: "ok"}}},
	}})
	s, err := New(context.Background(), cfg, Options{Provider: script, NoWatcher: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RunTurn(context.Background(), "how do staging deploys work?")
	require.NoError(t, err)
	reqs := script.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "You are careful.")
	assert.Contains(t, reqs[0].System, "Use tabs.")
	assert.Contains(t, reqs[0].System, "staging deploys need a ticket")
	assert.Contains(t, reqs[0].System, "[skill:deploy] Run make preflight first.")
}

func TestSessionCronJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron.Enabled = true
	cfg.Cron.DriftSweep = "@every 1h"
	cfg.Cron.Verify = "@every 1h"
	script := provider.NewScripted(provider.Script{Responses: []provider.Response{
		{Steps: []provider.Step{{Tool: "read_file", Args: map[string]any{"path": "a.txt"}}}},
		{Steps: []provider.Step{{Text: "read it"}}},
	}})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Agent.Workspace, "a.txt"), []byte("one"), 0o644))

	s, err := New(context.Background(), cfg, Options{Provider: script, NoWatcher: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RunTurn(context.Background(), "read a.txt")
	require.NoError(t, err)
	require.NoError(t, s.Cron.RunNow(JobVerifyLog))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Agent.Workspace, "a.txt"), []byte("two"), 0o644))
	require.NoError(t, s.Cron.RunNow(JobDriftSweep))
	assert.Contains(t, kinds(s.Log.Snapshot()), eventlog.KindDrift)

	jobs := s.Cron.Jobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "ok", j.LastStatus, j.Name)
	}
}

func TestSessionWebUIApprovals(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.Channel = config.ApprovalWebUI
	cfg.Approval.WebUI.Addr = "127.0.0.1:0"
	script := provider.NewScripted(provider.Script{Responses: []provider.Response{{Steps: []provider.Step{{Text: "hi"}}}}})
	s, err := New(context.Background(), cfg, Options{Provider: script, NoWatcher: true})
	require.NoError(t, err)

	url := s.ApprovalURL()
	require.NotEmpty(t, url)
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.Close())
}

func TestSessionBadScriptReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Type = config.ProviderScript
	cfg.Provider.Script = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, Options{NoWatcher: true})
	assert.Error(t, err)
}

func TestSystemPromptWithoutAgentsFile(t *testing.T) {
	cfg := testConfig(t)
	assert.Empty(t, SystemPrompt(cfg))
	cfg.Agent.SystemPrompt = "  be brief  "
	assert.Equal(t, "be brief", SystemPrompt(cfg))
}
