package sandbox

import (
	"fmt"
	"strings"
)

// Kind is the outcome of a sandbox check.
type Kind int

const (
	Allowed Kind = iota
	RequiresApproval
	Denied
)

func (k Kind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case RequiresApproval:
		return "requires_approval"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "allowed":
		*k = Allowed
	case "requires_approval":
		*k = RequiresApproval
	case "denied":
		*k = Denied
	default:
		return fmt.Errorf("sandbox: unknown verdict %q", b)
	}
	return nil
}

// Verdict is the result of checking one or more targets.
type Verdict struct {
	Kind   Kind   `json:"kind"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func allow(target string) Verdict {
	return Verdict{Kind: Allowed, Target: target}
}

func deny(target, format string, args ...any) Verdict {
	return Verdict{Kind: Denied, Target: target, Reason: fmt.Sprintf(format, args...)}
}

func needsApproval(target, format string, args ...any) Verdict {
	return Verdict{Kind: RequiresApproval, Target: target, Reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) Allowed() bool { return v.Kind == Allowed }
func (v Verdict) Denied() bool  { return v.Kind == Denied }

func (v Verdict) String() string {
	if v.Reason == "" {
		return v.Kind.String()
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Reason)
}

// Combine folds verdicts into one: Denied beats RequiresApproval beats
// Allowed. Reasons of the winning kind are joined. An empty input is
// Allowed.
func Combine(verdicts ...Verdict) Verdict {
	out := Verdict{Kind: Allowed}
	var (
		reasons []string
		targets []string
	)
	for _, v := range verdicts {
		if v.Kind > out.Kind {
			out.Kind = v.Kind
			reasons = reasons[:0]
			targets = targets[:0]
		}
		if v.Kind == out.Kind {
			if v.Reason != "" {
				reasons = append(reasons, v.Reason)
			}
			if v.Target != "" {
				targets = append(targets, v.Target)
			}
		}
	}
	out.Reason = strings.Join(reasons, "; ")
	out.Target = strings.Join(targets, ", ")
	return out
}
