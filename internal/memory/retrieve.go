package memory

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/agent"
)

const (
	maxKeywords      = 8
	candidateLimit   = 20
	defaultRetrieval = 5
)

var wordRegex = regexp.MustCompile(`[\p{L}][\p{L}\p{N}_\-]{2,}`)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "into": {}, "what": {}, "how": {}, "why": {}, "are": {},
	"was": {}, "you": {}, "please": {}, "can": {}, "not": {}, "near": {},
}

// Match is an entry found by Search with its weighted score.
type Match struct {
	Entry
	Score float64
}

// Retrieve implements agent.MemoryRetriever.
func (s *Store) Retrieve(ctx context.Context, query string, limit int) ([]agent.Snippet, error) {
	matches, err := s.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]agent.Snippet, 0, len(matches))
	for _, m := range matches {
		out = append(out, agent.Snippet{Text: m.Content, Source: m.Source, Score: m.Score})
	}
	return out, nil
}

// Search ranks live entries matching any keyword of query and marks the
// returned ones as accessed.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = defaultRetrieval
	}
	match := buildMatchQuery(extractKeywords(query))
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.project, m.category, m.content, m.source, m.importance,
		       m.created_at, m.last_accessed, m.access_count, m.is_archived,
		       bm25(memories_fts) AS bm25_score
		FROM memories m
		JOIN memories_fts f ON m.id = f.rowid
		WHERE memories_fts MATCH ? AND m.is_archived = 0
		ORDER BY bm25_score
		LIMIT ?
	`, match, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var found []Match
	for rows.Next() {
		var (
			e                 Entry
			created, accessed string
			archived          int
			rank              float64
		)
		if err := rows.Scan(&e.ID, &e.Project, &e.Category, &e.Content, &e.Source, &e.Importance,
			&created, &accessed, &e.AccessCount, &archived, &rank); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		e.LastAccessed, _ = time.Parse(timeLayout, accessed)
		// bm25 is lower-is-better and negative for matches.
		text := math.Max(-rank, 1e-6)
		found = append(found, Match{Entry: e, Score: text * weight(e, daysSince(e.LastAccessed, now))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	rows.Close()

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Score == found[j].Score {
			return found[i].ID < found[j].ID
		}
		return found[i].Score > found[j].Score
	})
	if len(found) > limit {
		found = found[:limit]
	}
	s.touch(ctx, found)
	return found, nil
}

func (s *Store) touch(ctx context.Context, found []Match) {
	if len(found) == 0 {
		return
	}
	now := s.now().UTC().Format(timeLayout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range found {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE memories SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?
		`, now, m.ID); err != nil {
			s.logger.Warn("touch memory", zap.Int64("id", m.ID), zap.Error(err))
			return
		}
	}
}

// weight is importance decayed by days since last use. Rules never decay.
func weight(e Entry, days float64) float64 {
	switch e.Category {
	case CategoryRule:
		return e.Importance
	case CategoryDecision:
		return e.Importance * (0.3 + 0.7*math.Exp(-0.004*days))
	case CategoryTemp:
		return e.Importance * math.Exp(-0.099*days)
	default:
		return e.Importance * (0.1 + 0.9*math.Exp(-0.023*days))
	}
}

func daysSince(t, now time.Time) float64 {
	if t.IsZero() {
		return 365
	}
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

func extractKeywords(msg string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, w := range wordRegex.FindAllString(strings.ToLower(msg), -1) {
		w = normalizeToken(w)
		for _, part := range strings.Fields(w) {
			if len([]rune(part)) < 3 {
				continue
			}
			if _, stop := stopwords[part]; stop {
				continue
			}
			if _, dup := seen[part]; dup {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
			if len(out) == maxKeywords {
				return out
			}
		}
	}
	return out
}

// normalizeToken drops anything FTS5 would read as syntax.
func normalizeToken(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteByte(' ')
	}
	return b.String()
}

func buildMatchQuery(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, strconv.Quote(t))
	}
	return strings.Join(quoted, " OR ")
}
