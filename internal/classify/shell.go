package classify

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// splitSegments breaks a command line on ; && || | and newlines,
// ignoring operators inside quotes.
func splitSegments(input string) ([]string, error) {
	var (
		segments           []string
		current            strings.Builder
		inSingle, inDouble bool
		escape             bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\' && !inSingle:
			current.WriteRune(r)
			escape = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(r)
		case r == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(r)
		case inSingle || inDouble:
			current.WriteRune(r)
		case r == ';' || r == '\n':
			flush()
		case r == '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
			flush()
		case r == '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
				flush()
				continue
			}
			// 2>&1 and friends stay in the segment.
			if i > 0 && runes[i-1] == '>' {
				current.WriteRune(r)
				continue
			}
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if inSingle || inDouble {
		return nil, errUnterminatedQuote
	}
	flush()
	return segments, nil
}

// splitCommand tokenises a single command segment with quote awareness.
func splitCommand(input string) ([]string, error) {
	var (
		args               []string
		current            strings.Builder
		inSingle, inDouble bool
		escape             bool
		quoted             bool
	)

	flush := func() {
		if current.Len() == 0 && !quoted {
			return
		}
		args = append(args, current.String())
		current.Reset()
		quoted = false
	}

	for _, r := range input {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			if inSingle {
				current.WriteRune(r)
				continue
			}
			escape = true
		case r == '\'':
			if inDouble {
				current.WriteRune(r)
				continue
			}
			inSingle = !inSingle
			quoted = true
		case r == '"':
			if inSingle {
				current.WriteRune(r)
				continue
			}
			inDouble = !inDouble
			quoted = true
		case unicode.IsSpace(r):
			if inSingle || inDouble {
				current.WriteRune(r)
			} else {
				flush()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape {
		return nil, errors.New("unfinished escape sequence")
	}
	if inSingle || inDouble {
		return nil, errUnterminatedQuote
	}
	flush()
	return args, nil
}

// commandWords strips env assignments and transparent wrappers so the
// first returned token is the program actually run.
func commandWords(tokens []string) []string {
	for len(tokens) > 0 {
		head := tokens[0]
		switch {
		case isAssignment(head):
			tokens = tokens[1:]
		case transparentWrappers[filepath.Base(head)]:
			tokens = tokens[1:]
			for len(tokens) > 0 && strings.HasPrefix(tokens[0], "-") {
				tokens = tokens[1:]
			}
		default:
			out := make([]string, len(tokens))
			copy(out, tokens)
			out[0] = filepath.Base(out[0])
			return out
		}
	}
	return nil
}

var transparentWrappers = map[string]bool{
	"env":     true,
	"time":    true,
	"nohup":   true,
	"nice":    true,
	"command": true,
	"exec":    true,
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range tok[:eq] {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// redirectsOutput reports whether tokens write to a file via > or >>.
func redirectsOutput(tokens []string) bool {
	for i, tok := range tokens {
		if !strings.HasPrefix(tok, ">") && !strings.HasPrefix(tok, "1>") && !strings.HasPrefix(tok, "2>") {
			continue
		}
		if strings.Contains(tok, ">&") || strings.HasSuffix(tok, "/dev/null") {
			continue
		}
		if strings.TrimLeft(tok, "12>") == "" && i+1 < len(tokens) && tokens[i+1] == "/dev/null" {
			continue
		}
		return true
	}
	return false
}
