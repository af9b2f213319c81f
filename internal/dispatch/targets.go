package dispatch

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

var urlPattern = regexp.MustCompile(`https?://[^\s'"<>|;&]+`)

// plan is what a call touches.
type plan struct {
	access Access
	paths  []string
	urls   []string

	// Targets named inside a shell command. shellAccess is Read for a
	// read-only command and Write otherwise.
	shellPaths  []string
	shellAccess sandbox.Access
	// unresolved is a refusal reason for targets that could not be
	// checked, such as a network command without a readable host.
	unresolved []sandbox.Verdict
}

func (d *Dispatcher) planCall(call Call, spec *Spec, class classify.Classification) plan {
	action := classify.Action{Tool: call.Name, Args: call.Args}
	p := plan{access: AccessInfer}
	if spec != nil {
		p.access = spec.Access
	}
	if p.access == AccessInfer {
		switch {
		case action.IsShell():
			p.access = AccessExec
		case class.ReadOnly:
			p.access = AccessRead
		default:
			p.access = AccessWrite
		}
	}

	keys := defaultPathArgs
	if spec != nil {
		keys = spec.pathArgs()
	}
	for _, k := range keys {
		p.paths = append(p.paths, stringArgs(call.Args[k])...)
	}
	for _, k := range urlArgs {
		p.urls = append(p.urls, stringArgs(call.Args[k])...)
	}

	if p.access == AccessExec {
		cwd := firstString(call.Args, "cwd", "workdir", "dir")
		if cwd == "" {
			cwd = d.policy.Base()
		}
		p.paths = append(p.paths, cwd)
		p.urls = append(p.urls, urlPattern.FindAllString(action.ShellCommand(), -1)...)
		d.planShell(&p, action.ShellCommand(), cwd, class)
	}
	return p
}

// planShell adds the paths and hosts named inside a shell command.
// Relative paths resolve against the command's working directory.
func (d *Dispatcher) planShell(p *plan, command, cwd string, class classify.Classification) {
	p.shellAccess = sandbox.Write
	if class.ReadOnly {
		p.shellAccess = sandbox.Read
	}
	targets, err := classify.ShellTargets(command)
	if err != nil {
		p.unresolved = append(p.unresolved, sandbox.Verdict{
			Kind:   sandbox.RequiresApproval,
			Target: command,
			Reason: "could not parse command targets: " + err.Error(),
		})
		return
	}
	for _, raw := range targets.Paths {
		path := raw
		if strings.Contains(path, "$") {
			path = os.ExpandEnv(path)
		}
		if path == "" {
			continue
		}
		if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "~") {
			path = filepath.Join(cwd, path)
		}
		p.shellPaths = append(p.shellPaths, path)
	}
	p.urls = append(p.urls, targets.Hosts...)
	if targets.Network && len(targets.Hosts) == 0 {
		kind := sandbox.RequiresApproval
		reason := "network command without a recognisable host"
		if !d.policy.NetworkEnabled() {
			kind = sandbox.Denied
			reason = "network access is disabled for this profile"
		}
		p.unresolved = append(p.unresolved, sandbox.Verdict{Kind: kind, Target: command, Reason: reason})
	}
}

// check evaluates every target against the sandbox.
func (d *Dispatcher) check(p plan) sandbox.Verdict {
	access := sandbox.Read
	if p.access == AccessWrite || p.access == AccessExec {
		access = sandbox.Write
	}
	verdicts := make([]sandbox.Verdict, 0, len(p.paths)+len(p.shellPaths)+len(p.urls)+len(p.unresolved))
	for _, path := range p.paths {
		verdicts = append(verdicts, d.policy.CheckPath(path, access))
	}
	for _, path := range p.shellPaths {
		verdicts = append(verdicts, d.policy.CheckPath(path, p.shellAccess))
	}
	for _, u := range p.urls {
		verdicts = append(verdicts, d.policy.CheckNetwork(u))
	}
	verdicts = append(verdicts, p.unresolved...)
	return sandbox.Combine(verdicts...)
}

func stringArgs(v any) []string {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) != "" {
			return []string{val}
		}
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
