package classify

import (
	"fmt"
	"strings"
)

// Tier is an ordered risk level: Safe < Caution < Destructive.
type Tier int

const (
	Safe Tier = iota
	Caution
	Destructive
)

func (t Tier) String() string {
	switch t {
	case Safe:
		return "safe"
	case Caution:
		return "caution"
	case Destructive:
		return "destructive"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier accepts the names produced by String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return Safe, nil
	case "caution", "risky":
		return Caution, nil
	case "destructive", "blocked":
		return Destructive, nil
	default:
		return Safe, fmt.Errorf("classify: unknown tier %q", s)
	}
}

func maxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// Classification is produced fresh for every proposed action.
type Classification struct {
	Tier        Tier   `json:"tier"`
	Category    string `json:"category,omitempty"`
	Rationale   string `json:"rationale"`
	Remediation string `json:"remediation,omitempty"`
	// ReadOnly is set when the action only observes state.
	ReadOnly bool `json:"read_only"`
}
