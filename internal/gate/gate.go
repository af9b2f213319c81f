package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

// Mode is the session approval mode.
type Mode int

const (
	ReadOnly Mode = iota
	Auto
	FullAccess
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case Auto:
		return "auto"
	case FullAccess:
		return "full-access"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode accepts read-only, auto and full-access (with a few aliases).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read-only", "readonly", "read_only", "ro":
		return ReadOnly, nil
	case "auto", "":
		return Auto, nil
	case "full-access", "fullaccess", "full_access", "full":
		return FullAccess, nil
	default:
		return Auto, fmt.Errorf("gate: unknown approval mode %q", s)
	}
}

// Kind is the gating outcome.
type Kind int

const (
	Allow Kind = iota
	Prompt
	Deny
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Prompt:
		return "prompt"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Decision carries the evidence it was computed from.
type Decision struct {
	Kind           Kind                    `json:"kind"`
	Mode           Mode                    `json:"mode"`
	Classification classify.Classification `json:"classification"`
	Verdict        sandbox.Verdict         `json:"verdict"`
	Reason         string                  `json:"reason"`
}

// Evaluate applies the mode/tier/verdict decision table. It is pure.
//
// A Denied sandbox verdict is a hard deny in every mode; widening the
// sandbox is never offered from inside a prompt.
func Evaluate(mode Mode, class classify.Classification, verdict sandbox.Verdict) Decision {
	d := Decision{Mode: mode, Classification: class, Verdict: verdict}

	if verdict.Kind == sandbox.Denied {
		d.Kind = Deny
		d.Reason = "sandbox denied: " + verdict.Reason
		return d
	}

	switch mode {
	case ReadOnly:
		if class.ReadOnly && verdict.Kind == sandbox.Allowed {
			d.Kind = Allow
			d.Reason = "read-only action inside the sandbox"
			return d
		}
		d.Kind = Deny
		if !class.ReadOnly {
			d.Reason = fmt.Sprintf("read-only mode refuses %s action: %s", class.Tier, class.Rationale)
		} else {
			d.Reason = "read-only mode refuses access outside the sandbox: " + verdict.Reason
		}
	case FullAccess:
		d.Kind = Allow
		d.Reason = "full-access mode"
	default:
		switch {
		case verdict.Kind == sandbox.RequiresApproval:
			d.Kind = Prompt
			d.Reason = verdict.Reason
		case class.Tier > classify.Safe:
			d.Kind = Prompt
			d.Reason = fmt.Sprintf("%s action: %s", class.Tier, class.Rationale)
		default:
			d.Kind = Allow
			d.Reason = "safe action inside the sandbox"
		}
	}
	return d
}

var (
	ErrGateDenied       = errors.New("gate: denied by policy")
	ErrSandboxViolation = errors.New("gate: sandbox violation")
)

// Error is returned for a terminal Deny. It unwraps to ErrSandboxViolation
// when the sandbox caused the denial and ErrGateDenied otherwise.
type Error struct {
	Tool     string
	Decision Decision
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.kind(), e.Tool, e.Decision.Reason)
}

func (e *Error) kind() string {
	if e.SandboxViolation() {
		return "sandbox violation"
	}
	return "denied"
}

// SandboxViolation reports whether the sandbox, not the mode, refused.
func (e *Error) SandboxViolation() bool {
	return e.Decision.Verdict.Kind == sandbox.Denied
}

func (e *Error) Unwrap() error {
	if e.SandboxViolation() {
		return ErrSandboxViolation
	}
	return ErrGateDenied
}
