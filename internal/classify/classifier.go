package classify

import (
	"fmt"
	"sort"
	"strings"
)

const maxNestedDepth = 4

// Action describes what a tool call proposes to do.
type Action struct {
	Tool    string
	Args    map[string]any
	Command string
}

var shellToolNames = map[string]bool{
	"bash":          true,
	"shell":         true,
	"sh":            true,
	"exec":          true,
	"run_command":   true,
	"shell_exec":    true,
	"execute":       true,
	"run_shell":     true,
	"shell_command": true,
}

// ShellCommand returns the raw command line the action would run, if any.
func (a Action) ShellCommand() string {
	if cmd := strings.TrimSpace(a.Command); cmd != "" {
		return cmd
	}
	if !shellToolNames[strings.ToLower(a.Tool)] {
		return ""
	}
	for _, key := range []string{"command", "cmd", "script"} {
		if s, ok := a.Args[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// IsShell reports whether the action runs through a shell.
func (a Action) IsShell() bool {
	return strings.TrimSpace(a.Command) != "" || shellToolNames[strings.ToLower(a.Tool)]
}

// Override forces a tier for matching commands or tools. Patterns of
// the form "tool:<name>" match tool names; anything else matches a
// command segment exactly, by word prefix, or by prefix when it ends in "*".
type Override struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Tier    Tier   `json:"tier" yaml:"tier"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (o Override) matchCommand(segment string) bool {
	p := normalizeSpace(o.Pattern)
	if p == "" || strings.HasPrefix(p, "tool:") {
		return false
	}
	if strings.HasSuffix(p, "*") {
		return strings.HasPrefix(segment, strings.TrimSuffix(p, "*"))
	}
	return segment == p || strings.HasPrefix(segment, p+" ")
}

func (o Override) matchTool(name string) bool {
	p := strings.TrimSpace(o.Pattern)
	if !strings.HasPrefix(p, "tool:") {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(p, "tool:"), name)
}

func (o Override) classification() Classification {
	reason := o.Reason
	if reason == "" {
		reason = fmt.Sprintf("explicit override %q", o.Pattern)
	}
	return Classification{Tier: o.Tier, Category: CategoryOverride, Rationale: reason}
}

// Classifier maps actions to risk tiers. It holds no mutable state and
// is safe for concurrent use.
type Classifier struct {
	rules     []rule
	overrides []Override
}

type Option func(*Classifier)

// WithOverrides adds explicit overrides; the first matching override wins.
func WithOverrides(overrides ...Override) Option {
	return func(c *Classifier) {
		c.overrides = append(c.overrides, overrides...)
	}
}

func New(opts ...Option) *Classifier {
	c := &Classifier{rules: defaultRules()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify is deterministic for identical input.
func (c *Classifier) Classify(a Action) Classification {
	if cmd := a.ShellCommand(); cmd != "" {
		return c.ClassifyCommand(cmd)
	}
	if a.IsShell() {
		return Classification{Tier: Caution, Category: CategoryShell, Rationale: fmt.Sprintf("%s called without a command", a.Tool)}
	}
	return c.classifyTool(a)
}

// ClassifyCommand classifies a raw shell command line.
func (c *Classifier) ClassifyCommand(command string) Classification {
	return c.classifyCommand(command, 0)
}

func (c *Classifier) classifyCommand(command string, depth int) Classification {
	normalized := normalizeSpace(command)
	if normalized == "" {
		return Classification{Tier: Safe, Category: CategoryDefault, Rationale: "empty command", ReadOnly: true}
	}
	for _, o := range c.overrides {
		if normalizeSpace(o.Pattern) == normalized {
			return o.classification()
		}
	}

	segments, err := splitSegments(command)
	if err != nil {
		return Classification{Tier: Caution, Category: CategoryShell, Rationale: fmt.Sprintf("could not parse command: %v", err)}
	}

	var (
		best     Classification
		reasons  []string
		readOnly = true
	)
	for i, seg := range segments {
		res := c.classifySegment(seg, depth)
		if i == 0 || res.Tier > best.Tier {
			best = res
		}
		if !res.ReadOnly {
			readOnly = false
		}
		reasons = appendUnique(reasons, res.Rationale)
	}
	if len(reasons) > 1 {
		best.Rationale = strings.Join(reasons, "; ")
	}
	best.ReadOnly = readOnly
	return best
}

func (c *Classifier) classifySegment(segment string, depth int) Classification {
	normalized := normalizeSpace(segment)
	for _, o := range c.overrides {
		if o.matchCommand(normalized) {
			return o.classification()
		}
	}

	tokens, err := splitCommand(segment)
	if err != nil {
		return Classification{Tier: Caution, Category: CategoryShell, Rationale: fmt.Sprintf("could not parse %q: %v", segment, err)}
	}
	words := commandWords(tokens)
	if len(words) == 0 {
		return Classification{Tier: Safe, Category: CategoryDefault, Rationale: "environment assignment only", ReadOnly: true}
	}

	var (
		matched bool
		best    Classification
		cats    []string
	)
	for _, r := range c.rules {
		if !r.match(words) {
			continue
		}
		cats = appendUnique(cats, r.category)
		if !matched || r.tier > best.Tier {
			best = Classification{
				Tier:        r.tier,
				Category:    r.category,
				Rationale:   fmt.Sprintf("%s: %s", words[0], r.reason),
				Remediation: r.remediation,
			}
		}
		matched = true
	}

	if inner, ok := nestedCommand(words); ok && depth < maxNestedDepth {
		nested := c.classifyCommand(inner, depth+1)
		if nested.Tier > best.Tier {
			best.Tier = nested.Tier
			best.Remediation = nested.Remediation
		}
		if !matched {
			best.Category = CategoryShell
		}
		best.Rationale = fmt.Sprintf("%s runs %q (%s)", words[0], inner, nested.Rationale)
		matched = true
	}

	if redirectsOutput(words) {
		if !matched || best.Tier < Caution {
			best = Classification{Tier: Caution, Category: CategoryFileModify, Rationale: fmt.Sprintf("%s: writes files through redirection", words[0])}
		}
		return best
	}

	if !matched {
		return Classification{
			Tier:      Safe,
			Category:  CategoryDefault,
			Rationale: fmt.Sprintf("%s: no risk rule matched", words[0]),
		}
	}
	if len(cats) > 1 {
		others := make([]string, 0, len(cats))
		for _, cat := range cats {
			if cat != best.Category {
				others = append(others, cat)
			}
		}
		if len(others) > 0 {
			sort.Strings(others)
			best.Rationale += fmt.Sprintf(" (also matched %s)", strings.Join(others, ", "))
		}
	}
	best.ReadOnly = best.Category == CategoryReadOnly && best.Tier == Safe
	return best
}

// nestedCommand extracts the command run by bash -c, sh -c, eval,
// sudo, or xargs so it can be classified in turn.
func nestedCommand(words []string) (string, bool) {
	switch words[0] {
	case "bash", "sh", "zsh", "dash":
		for i := 1; i < len(words)-1; i++ {
			if words[i] == "-c" {
				return words[i+1], true
			}
		}
	case "eval":
		if len(words) > 1 {
			return strings.Join(words[1:], " "), true
		}
	case "sudo", "doas", "xargs":
		rest := words[1:]
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			return strings.Join(rest, " "), true
		}
	}
	return "", false
}

type toolRule struct {
	tier     Tier
	category string
	keywords []string
	format   string
}

var toolRules = []toolRule{
	{Destructive, CategoryDeletion, []string{"delete", "remove", "rm", "unlink", "purge"}, "%s removes %s which cannot be easily undone"},
	{Caution, CategoryFileModify, []string{"write", "edit", "create", "update", "patch", "rename", "move", "mkdir", "replace", "apply"}, "%s modifies %s which could change project state"},
	{Caution, CategoryNetwork, []string{"http", "fetch", "request", "download", "web", "url", "browse"}, "%s makes network requests which may leak data or consume resources"},
	{Safe, CategoryReadOnly, []string{"read", "get", "list", "search", "glob", "grep", "find", "view", "ls", "cat", "stat", "show"}, "%s is read-only and does not modify files"},
}

func (c *Classifier) classifyTool(a Action) Classification {
	name := strings.TrimSpace(a.Tool)
	for _, o := range c.overrides {
		if o.matchTool(name) {
			return o.classification()
		}
	}

	words := toolWords(name)
	target := targetDescription(a.Args)

	var (
		best    Classification
		matched bool
		hits    []string
	)
	for _, r := range toolRules {
		if !hasKeyword(words, r.keywords) {
			continue
		}
		hits = append(hits, r.category)
		if matched && r.tier <= best.Tier {
			continue
		}
		best = Classification{Tier: r.tier, Category: r.category}
		if r.category == CategoryReadOnly {
			best.Rationale = fmt.Sprintf(r.format, name)
		} else {
			best.Rationale = fmt.Sprintf(r.format, name, target)
		}
		if r.tier == Destructive {
			best.Remediation = "requires backup"
		}
		matched = true
	}
	if !matched {
		return Classification{Tier: Safe, Category: CategoryDefault, Rationale: fmt.Sprintf("%s: no risk rule matched", name)}
	}
	best.ReadOnly = len(hits) == 1 && hits[0] == CategoryReadOnly
	return best
}

// toolWords splits read_file, readFile and read-file into lower-case words.
func toolWords(name string) []string {
	var (
		words   []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	prevLower := false
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ' || r == '/':
			flush()
			prevLower = false
			continue
		case r >= 'A' && r <= 'Z':
			if prevLower {
				flush()
			}
			current.WriteRune(r + ('a' - 'A'))
			prevLower = false
			continue
		}
		current.WriteRune(r)
		prevLower = r >= 'a' && r <= 'z'
	}
	flush()
	return words
}

func hasKeyword(words, keywords []string) bool {
	for _, w := range words {
		for _, k := range keywords {
			if w == k {
				return true
			}
			// multiedit, websearch and friends
			if len(k) >= 4 && strings.Contains(w, k) {
				return true
			}
		}
	}
	return false
}

func targetDescription(args map[string]any) string {
	for _, key := range []string{"file_path", "path", "file", "url", "target"} {
		if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return "files"
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
