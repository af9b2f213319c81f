// Package skills loads workspace instruction files (<dir>/<name>/SKILL.md)
// and offers the ones whose keywords match a turn's input as extra
// system-prompt context.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/clawgate/internal/agent"
)

const skillFileName = "SKILL.md"

var errInvalidSkillYAML = errors.New("invalid skill YAML frontmatter")

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// Skill is one parsed SKILL.md.
type Skill struct {
	Name        string
	Description string
	Keywords    []string
	Body        string
	Path        string
}

// Matches reports whether any keyword, or the skill name, occurs in prompt.
func (s Skill) Matches(prompt string) bool {
	p := strings.ToLower(prompt)
	if strings.Contains(p, strings.ToLower(s.Name)) {
		return true
	}
	for _, k := range s.Keywords {
		if strings.Contains(p, k) {
			return true
		}
	}
	return false
}

// Set is the loaded skills of one directory.
type Set struct {
	skills []Skill
}

// LoadSkills reads every <skillDir>/<name>/SKILL.md. A missing directory
// yields an empty set; a file with broken YAML is skipped with a warning.
func LoadSkills(skillDir string, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := &Set{}
	skillDir = strings.TrimSpace(skillDir)
	if skillDir == "" {
		return set, nil
	}

	info, err := os.Stat(skillDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return set, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", skillDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", skillDir)
	}

	entries, err := os.ReadDir(skillDir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", skillDir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(skillDir, entry.Name(), skillFileName)
		sk, skip, parseErr := parseSkillFile(skillPath)
		if errors.Is(parseErr, errInvalidSkillYAML) {
			logger.Warn("skip invalid skill", zap.String("path", skillPath), zap.Error(parseErr))
			continue
		}
		if parseErr != nil {
			return nil, parseErr
		}
		if skip {
			continue
		}
		if prevPath, exists := seen[sk.Name]; exists {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", sk.Name, skillPath, prevPath)
		}
		seen[sk.Name] = skillPath
		set.skills = append(set.skills, sk)
	}
	return set, nil
}

func (s *Set) Len() int { return len(s.skills) }

func (s *Set) Skills() []Skill { return append([]Skill(nil), s.skills...) }

// Retrieve returns the bodies of matching skills in name order.
func (s *Set) Retrieve(_ context.Context, query string, limit int) ([]agent.Snippet, error) {
	var out []agent.Snippet
	for _, sk := range s.skills {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !sk.Matches(query) || sk.Body == "" {
			continue
		}
		out = append(out, agent.Snippet{Text: sk.Body, Source: "skill:" + sk.Name, Score: 1})
	}
	return out, nil
}

func parseSkillFile(path string) (Skill, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("read skill %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidSkillYAML) {
			return Skill{}, false, err
		}
		return Skill{}, false, fmt.Errorf("parse skill %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Skill{}, false, fmt.Errorf("parse skill %q: missing name", path)
	}

	return Skill{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Keywords:    sanitizeKeywords(meta.Keywords),
		Body:        strings.TrimSpace(body),
		Path:        path,
	}, false, nil
}

func parseFrontmatter(content []byte) (skillFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return skillFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return skillFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	frontmatter := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return skillFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidSkillYAML, err)
	}
	return meta, body, nil
}

func sanitizeKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
