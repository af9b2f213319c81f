package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCorrupt marks a log whose records fail verification.
var ErrCorrupt = errors.New("eventlog: corrupt log")

// ReadFile loads every complete record of a log file. A trailing record
// without its newline was never durable and is ignored.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	events, _, err := decode(f)
	return events, err
}

// decode parses newline-terminated records and reports the byte offset
// just past the last complete one.
func decode(r io.Reader) ([]Event, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		events []Event
		offset int64
		lineNo int
	)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Anything left in line is a partial record.
			return events, offset, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read log: %w", err)
		}
		lineNo++
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var ev Event
			if err := json.Unmarshal(trimmed, &ev); err != nil {
				return nil, 0, fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineNo, err)
			}
			events = append(events, ev)
		}
		offset += int64(len(line))
	}
}

// Report is the outcome of Verify.
type Report struct {
	Pass        bool   `json:"pass"`
	Count       int    `json:"count"`
	SessionID   string `json:"session_id,omitempty"`
	FirstBroken uint64 `json:"first_broken_seq,omitempty"`
	Message     string `json:"message"`
}

// Verify checks that seq starts at 1 with no gaps, that every record
// belongs to one session, and that the hash chain is intact.
func Verify(events []Event) Report {
	rep := Report{Count: len(events)}
	if len(events) == 0 {
		rep.Pass = true
		rep.Message = "empty log"
		return rep
	}
	rep.SessionID = events[0].SessionID

	prevHash := ""
	for i, ev := range events {
		want := uint64(i + 1)
		broken := func(format string, args ...any) Report {
			rep.FirstBroken = want
			rep.Message = fmt.Sprintf("seq %d: ", want) + fmt.Sprintf(format, args...)
			return rep
		}
		switch {
		case ev.Seq != want:
			return broken("found seq %d", ev.Seq)
		case ev.SessionID != rep.SessionID:
			return broken("session %s differs from %s", ev.SessionID, rep.SessionID)
		case !ev.Kind.Valid():
			return broken("unknown kind %q", ev.Kind)
		case ev.Ref >= ev.Seq:
			return broken("ref %d does not point at an earlier event", ev.Ref)
		case ev.PrevHash != prevHash:
			return broken("prev_hash does not match previous record")
		}
		h, err := hashEvent(ev)
		if err != nil {
			return broken("%v", err)
		}
		if h != ev.Hash {
			return broken("hash mismatch")
		}
		prevHash = ev.Hash
	}
	rep.Pass = true
	rep.Message = fmt.Sprintf("%d events verified", len(events))
	return rep
}

// Check is Verify as an error.
func Check(events []Event) error {
	rep := Verify(events)
	if rep.Pass {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCorrupt, rep.Message)
}
