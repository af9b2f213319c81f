package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var headingCategories = map[string]string{
	"rule":      CategoryRule,
	"rules":     CategoryRule,
	"decision":  CategoryDecision,
	"decisions": CategoryDecision,
	"note":      CategoryNote,
	"notes":     CategoryNote,
	"temp":      CategoryTemp,
	"scratch":   CategoryTemp,
}

// ImportMarkdown loads a MEMORY.md style file: one entry per non-empty line,
// list markers stripped. A heading naming a category ("## Rules") applies to
// the lines below it. Lines already stored are skipped. A missing file is not
// an error.
func (s *Store) ImportMarkdown(ctx context.Context, path, project string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	base := filepath.Base(path)
	category := CategoryNote
	added := 0
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "#")))
			if c, ok := headingCategories[heading]; ok {
				category = c
			} else {
				category = CategoryNote
			}
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-*+ "))
		if line == "" {
			continue
		}
		exists, err := s.hasContent(ctx, line)
		if err != nil {
			return added, err
		}
		if exists {
			continue
		}
		importance := 0.5
		if category == CategoryRule {
			importance = 1
		}
		if _, err := s.Add(ctx, Entry{
			Project:    project,
			Category:   category,
			Content:    line,
			Source:     fmt.Sprintf("%s:%d", base, n),
			Importance: importance,
		}); err != nil {
			return added, err
		}
		added++
	}
	if err := sc.Err(); err != nil {
		return added, fmt.Errorf("read %s: %w", path, err)
	}
	return added, nil
}

func (s *Store) hasContent(ctx context.Context, content string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM memories WHERE content = ? AND is_archived = 0
	`, content).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate memory: %w", err)
	}
	return n > 0, nil
}
