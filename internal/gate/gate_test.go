package gate

import (
	"errors"
	"testing"

	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

var (
	allTiers    = []classify.Tier{classify.Safe, classify.Caution, classify.Destructive}
	allVerdicts = []sandbox.Kind{sandbox.Allowed, sandbox.RequiresApproval, sandbox.Denied}
)

func TestEvaluate_ReadOnlyNeverAllowsWrites(t *testing.T) {
	for _, tier := range allTiers {
		for _, v := range allVerdicts {
			class := classify.Classification{Tier: tier, ReadOnly: false, Rationale: "writes"}
			d := Evaluate(ReadOnly, class, sandbox.Verdict{Kind: v, Reason: "r"})
			if d.Kind != Deny {
				t.Errorf("tier=%v verdict=%v: got %v, want deny", tier, v, d.Kind)
			}
		}
	}
}

func TestEvaluate_ReadOnlyAllowsPureReads(t *testing.T) {
	class := classify.Classification{Tier: classify.Safe, ReadOnly: true}
	if d := Evaluate(ReadOnly, class, sandbox.Verdict{Kind: sandbox.Allowed}); d.Kind != Allow {
		t.Errorf("got %v, want allow", d.Kind)
	}
	// ReadOnly never prompts, even for a read outside the roots.
	if d := Evaluate(ReadOnly, class, sandbox.Verdict{Kind: sandbox.RequiresApproval, Reason: "outside"}); d.Kind != Deny {
		t.Errorf("got %v, want deny", d.Kind)
	}
}

func TestEvaluate_SandboxDeniedIsNeverAllowed(t *testing.T) {
	for _, mode := range []Mode{ReadOnly, Auto, FullAccess} {
		for _, tier := range allTiers {
			for _, ro := range []bool{true, false} {
				class := classify.Classification{Tier: tier, ReadOnly: ro}
				d := Evaluate(mode, class, sandbox.Verdict{Kind: sandbox.Denied, Reason: "sensitive"})
				if d.Kind != Deny {
					t.Errorf("mode=%v tier=%v: got %v, want deny", mode, tier, d.Kind)
				}
			}
		}
	}
}

func TestEvaluate_AutoTable(t *testing.T) {
	tests := []struct {
		name    string
		tier    classify.Tier
		verdict sandbox.Kind
		want    Kind
	}{
		{"safe inside", classify.Safe, sandbox.Allowed, Allow},
		{"caution inside", classify.Caution, sandbox.Allowed, Prompt},
		{"destructive inside", classify.Destructive, sandbox.Allowed, Prompt},
		{"safe outside roots", classify.Safe, sandbox.RequiresApproval, Prompt},
		{"safe sandbox denied", classify.Safe, sandbox.Denied, Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(Auto, classify.Classification{Tier: tt.tier, Rationale: "x"}, sandbox.Verdict{Kind: tt.verdict})
			if d.Kind != tt.want {
				t.Errorf("got %v, want %v", d.Kind, tt.want)
			}
			if d.Reason == "" {
				t.Error("decision should carry a reason")
			}
		})
	}
}

func TestEvaluate_FullAccess(t *testing.T) {
	d := Evaluate(FullAccess, classify.Classification{Tier: classify.Destructive}, sandbox.Verdict{Kind: sandbox.RequiresApproval})
	if d.Kind != Allow {
		t.Errorf("got %v, want allow", d.Kind)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"read-only":   ReadOnly,
		"READONLY":    ReadOnly,
		"auto":        Auto,
		"full-access": FullAccess,
		"full":        FullAccess,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("yolo"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestError_Unwrap(t *testing.T) {
	sandboxErr := &Error{Tool: "write_file", Decision: Decision{Kind: Deny, Verdict: sandbox.Verdict{Kind: sandbox.Denied}, Reason: "sandbox denied: /etc"}}
	if !errors.Is(sandboxErr, ErrSandboxViolation) || errors.Is(sandboxErr, ErrGateDenied) {
		t.Errorf("sandbox error unwraps wrong: %v", sandboxErr)
	}
	modeErr := &Error{Tool: "write_file", Decision: Decision{Kind: Deny, Reason: "read-only"}}
	if !errors.Is(modeErr, ErrGateDenied) {
		t.Errorf("mode error should unwrap to ErrGateDenied")
	}
	if got := modeErr.Error(); got != "denied: write_file: read-only" {
		t.Errorf("Error() = %q", got)
	}
}
