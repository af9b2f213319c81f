package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Access distinguishes read checks from write checks.
type Access int

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// SensitiveDirs are denied unless they sit inside a declared root.
var SensitiveDirs = []string{
	"~/.ssh", "~/.gnupg", "~/.aws", "~/.kube",
	"/etc", "/usr", "/bin", "/sbin", "/var", "/sys", "/proc", "/boot", "/root",
}

var ErrEmptyPath = errors.New("sandbox: empty path")

// NetworkPolicy gates outbound network targets.
type NetworkPolicy struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	AllowDomains []string `json:"allowDomains,omitempty" yaml:"allow_domains,omitempty"`
}

// Config is the profile slice the policy is built from.
type Config struct {
	Roots         []string      `json:"roots" yaml:"roots"`
	ExtraWritable []string      `json:"extraWritable,omitempty" yaml:"extra_writable,omitempty"`
	IncludeTemp   bool          `json:"includeTemp" yaml:"include_temp"`
	Allow         []string      `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny          []string      `json:"deny,omitempty" yaml:"deny,omitempty"`
	Network       NetworkPolicy `json:"network" yaml:"network"`
	// Sensitive overrides SensitiveDirs when non-nil.
	Sensitive []string `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
}

// Policy is an immutable evaluator built once per session.
type Policy struct {
	base      string
	roots     []string
	allow     []string
	deny      []pattern
	sensitive []string
	domains   []string
	network   bool
}

type pattern struct {
	raw  string
	path string
	glob bool
	base bool
}

// New canonicalizes every configured root so later comparisons are made
// between real paths.
func New(cfg Config) *Policy {
	p := &Policy{network: cfg.Network.Enabled}

	for _, r := range cfg.Roots {
		if c, err := Canonicalize(r, ""); err == nil {
			p.roots = appendPath(p.roots, c)
		}
	}
	if len(p.roots) > 0 {
		p.base = p.roots[0]
	} else if wd, err := os.Getwd(); err == nil {
		p.base = wd
	}
	for _, r := range cfg.ExtraWritable {
		if c, err := Canonicalize(r, p.base); err == nil {
			p.roots = appendPath(p.roots, c)
		}
	}
	if cfg.IncludeTemp {
		for _, tmp := range []string{os.TempDir(), "/tmp"} {
			if c, err := Canonicalize(tmp, ""); err == nil {
				p.roots = appendPath(p.roots, c)
			}
		}
	}
	for _, a := range cfg.Allow {
		if c, err := Canonicalize(a, p.base); err == nil {
			p.allow = appendPath(p.allow, c)
		}
	}
	for _, d := range cfg.Deny {
		if pat, ok := p.compileDeny(d); ok {
			p.deny = append(p.deny, pat)
		}
	}

	sensitive := SensitiveDirs
	if cfg.Sensitive != nil {
		sensitive = cfg.Sensitive
	}
	for _, s := range sensitive {
		if c, err := Canonicalize(s, ""); err == nil {
			p.sensitive = appendPath(p.sensitive, c)
		}
	}

	for _, d := range cfg.Network.AllowDomains {
		if h := normalizeHost(d); h != "" {
			p.domains = appendPath(p.domains, h)
		}
	}
	return p
}

func (p *Policy) compileDeny(raw string) (pattern, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return pattern{}, false
	}
	if strings.ContainsAny(raw, "*?[") {
		pat := pattern{raw: raw, glob: true}
		if !strings.ContainsRune(raw, filepath.Separator) {
			pat.base = true
			pat.path = raw
			return pat, true
		}
		if !filepath.IsAbs(raw) && !strings.HasPrefix(raw, "~/") {
			pat.path = filepath.Join(p.base, raw)
		} else {
			pat.path = expandHome(raw)
		}
		return pat, true
	}
	c, err := Canonicalize(raw, p.base)
	if err != nil {
		return pattern{}, false
	}
	return pattern{raw: raw, path: c}, true
}

func (pat pattern) match(path string) bool {
	switch {
	case pat.base:
		ok, _ := filepath.Match(pat.path, filepath.Base(path))
		return ok
	case pat.glob:
		ok, _ := filepath.Match(pat.path, path)
		return ok
	default:
		return within(path, pat.path)
	}
}

// Base is the directory relative targets are resolved against.
func (p *Policy) Base() string { return p.base }

// Roots returns the canonical writable roots.
func (p *Policy) Roots() []string {
	out := make([]string, len(p.roots))
	copy(out, p.roots)
	return out
}

// Resolve canonicalizes path the same way CheckPath does.
func (p *Policy) Resolve(path string) (string, error) {
	return Canonicalize(path, p.base)
}

// CheckPath evaluates a filesystem target. Explicit deny always wins.
func (p *Policy) CheckPath(path string, access Access) Verdict {
	target, err := Canonicalize(path, p.base)
	if err != nil {
		return deny(path, "cannot resolve %q: %v", path, err)
	}

	for _, pat := range p.deny {
		if pat.match(target) {
			return deny(target, "%s matches deny rule %q", target, pat.raw)
		}
	}

	inRoot := containedIn(target, p.roots)
	inAllow := containedIn(target, p.allow)
	if !inRoot && !inAllow {
		for _, s := range p.sensitive {
			if within(target, s) {
				return deny(target, "%s is inside sensitive directory %s", target, s)
			}
		}
		return needsApproval(target, "%s is outside the workspace roots (%s access)", target, access)
	}
	return allow(target)
}

func containedIn(path string, roots []string) bool {
	for _, r := range roots {
		if within(path, r) {
			return true
		}
	}
	return false
}

// Canonicalize makes path absolute (relative to base when given), cleans
// it and resolves symlinks on the longest existing prefix so that a
// target which does not exist yet is still compared by its real parent.
func Canonicalize(path, base string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", ErrEmptyPath
	}
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		if base == "" {
			abs, err := filepath.Abs(p)
			if err != nil {
				return "", fmt.Errorf("sandbox: abs %q: %w", path, err)
			}
			p = abs
		} else {
			p = filepath.Join(base, p)
		}
	}
	p = filepath.Clean(p)

	existing := p
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("sandbox: resolve %q: %w", path, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return p, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func appendPath(list []string, p string) []string {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	if path == root {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path, root)
}
