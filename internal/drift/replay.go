package drift

import (
	"github.com/stellarlinkco/clawgate/internal/eventlog"
)

// Replay rebuilds the read history a session ended with from its log:
// every FileRead and every applied Patch, in sequence order.
func Replay(events []eventlog.Event) (*ReadHistory, error) {
	h := NewReadHistory()
	for _, ev := range events {
		switch ev.Kind {
		case eventlog.KindFileRead:
			var p eventlog.FileRead
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			h.Record(p.Path, Fingerprint{Hash: p.Hash, Size: p.Size, Missing: p.Missing})
		case eventlog.KindPatch:
			var p eventlog.Patch
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			if p.Status == eventlog.PatchDeleted {
				h.Record(p.Path, Fingerprint{Missing: true})
				continue
			}
			h.Record(p.Path, Fingerprint{Hash: p.Hash, Size: p.Size})
		}
	}
	return h, nil
}

// ReplayCheck replays a log and compares the result with the disk.
func (d *Detector) ReplayCheck(events []eventlog.Event) ([]Record, error) {
	h, err := Replay(events)
	if err != nil {
		return nil, err
	}
	return d.Check(h), nil
}

// FileReadPayload converts an observation into its log payload.
func FileReadPayload(callID, path string, fp Fingerprint) eventlog.FileRead {
	return eventlog.FileRead{CallID: callID, Path: path, Hash: fp.Hash, Size: fp.Size, Missing: fp.Missing}
}

// DriftPayload converts a record into its log payload.
func DriftPayload(r Record) eventlog.Drift {
	return eventlog.Drift{Path: r.Path, Status: r.Status.String(), Known: r.Known.Hash, Current: r.Current.Hash}
}
