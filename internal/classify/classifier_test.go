package classify

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestClassifyCommand(t *testing.T) {
	c := New()
	tests := []struct {
		name     string
		command  string
		tier     Tier
		category string
		readOnly bool
	}{
		{"listing", "ls -la", Safe, CategoryReadOnly, true},
		{"git status", "git status --short", Safe, CategoryReadOnly, true},
		{"recursive delete", "rm -rf build", Destructive, CategoryDeletion, false},
		{"network", "curl https://example.com", Caution, CategoryNetwork, false},
		{"package install", "npm install left-pad", Caution, CategoryPackage, false},
		{"privilege", "sudo ls", Destructive, CategoryPrivilege, false},
		{"force push", "git push --force origin main", Destructive, CategoryGitWrite, false},
		{"plain push", "git push origin main", Caution, CategoryGitWrite, false},
		{"chained", "ls && curl http://x", Caution, CategoryNetwork, false},
		{"redirect", "echo hi > out.txt", Caution, CategoryFileModify, false},
		{"redirect to null", "echo hi > /dev/null", Safe, CategoryReadOnly, true},
		{"nested shell", `bash -c "rm -rf /"`, Destructive, CategoryShell, false},
		{"quoted operator", `echo "a; rm -rf /"`, Safe, CategoryReadOnly, true},
		{"env prefix", "FOO=1 go test ./...", Safe, CategoryBuild, false},
		{"mkfs variant", "mkfs.ext4 /dev/sda1", Destructive, CategorySystem, false},
		{"unknown", "frobnicate --all", Safe, CategoryDefault, false},
		{"find delete", "find . -name '*.tmp' -delete", Destructive, CategoryDeletion, false},
		{"sed in place", "sed -i 's/a/b/' file.txt", Caution, CategoryFileModify, false},
		{"xargs delete", "find . -name x | xargs rm", Destructive, CategoryShell, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ClassifyCommand(tt.command)
			if got.Tier != tt.tier {
				t.Errorf("tier = %v, want %v (rationale %q)", got.Tier, tt.tier, got.Rationale)
			}
			if got.Category != tt.category {
				t.Errorf("category = %q, want %q", got.Category, tt.category)
			}
			if got.ReadOnly != tt.readOnly {
				t.Errorf("readOnly = %v, want %v", got.ReadOnly, tt.readOnly)
			}
			if got.Rationale == "" {
				t.Error("rationale should not be empty")
			}
		})
	}
}

func TestClassifyCommand_Remediation(t *testing.T) {
	got := New().ClassifyCommand("rm -rf build")
	if got.Remediation != "requires backup" {
		t.Errorf("remediation = %q, want 'requires backup'", got.Remediation)
	}
}

func TestClassifyCommand_OverridesBeatCategories(t *testing.T) {
	c := New(WithOverrides(
		Override{Pattern: "rm -rf build", Tier: Safe, Reason: "build output is disposable"},
		Override{Pattern: "make deploy", Tier: Destructive},
	))

	got := c.ClassifyCommand("rm  -rf   build")
	if got.Tier != Safe || got.Category != CategoryOverride {
		t.Fatalf("allow override not applied: %+v", got)
	}
	if got.Rationale != "build output is disposable" {
		t.Errorf("rationale = %q", got.Rationale)
	}

	got = c.ClassifyCommand("make deploy prod")
	if got.Tier != Destructive {
		t.Fatalf("deny override not applied: %+v", got)
	}
	if !strings.Contains(got.Rationale, "make deploy") {
		t.Errorf("rationale = %q, want pattern mentioned", got.Rationale)
	}

	// The override only covers its own segment.
	got = c.ClassifyCommand("rm -rf build && curl http://x")
	if got.Tier != Caution {
		t.Errorf("tier = %v, want caution from the curl segment", got.Tier)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := New()
	a := Action{Tool: "bash", Args: map[string]any{"command": "ls; rm -r tmp | tee log"}}
	first := c.Classify(a)
	for i := 0; i < 10; i++ {
		if got := c.Classify(a); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestClassify_Tools(t *testing.T) {
	c := New()
	tests := []struct {
		name     string
		action   Action
		tier     Tier
		readOnly bool
		contains string
	}{
		{"read", Action{Tool: "read_file", Args: map[string]any{"path": "a.txt"}}, Safe, true, "read-only"},
		{"camel read", Action{Tool: "ReadFile"}, Safe, true, "read-only"},
		{"write", Action{Tool: "write_file", Args: map[string]any{"file_path": "src/a.go"}}, Caution, false, "src/a.go"},
		{"multiedit", Action{Tool: "multiedit", Args: map[string]any{"path": "b.go"}}, Caution, false, "b.go"},
		{"delete", Action{Tool: "delete_file", Args: map[string]any{"path": "c.txt"}}, Destructive, false, "cannot be easily undone"},
		{"fetch", Action{Tool: "web_fetch"}, Caution, false, "network"},
		{"shell with command", Action{Tool: "Bash", Args: map[string]any{"command": "ls"}}, Safe, true, "read-only"},
		{"shell without command", Action{Tool: "shell"}, Caution, false, "without a command"},
		{"raw command", Action{Command: "git commit -m x"}, Caution, false, "git"},
		{"unknown tool", Action{Tool: "summarize"}, Safe, false, "no risk rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.action)
			if got.Tier != tt.tier {
				t.Errorf("tier = %v, want %v", got.Tier, tt.tier)
			}
			if got.ReadOnly != tt.readOnly {
				t.Errorf("readOnly = %v, want %v", got.ReadOnly, tt.readOnly)
			}
			if !strings.Contains(got.Rationale, tt.contains) {
				t.Errorf("rationale = %q, want it to contain %q", got.Rationale, tt.contains)
			}
		})
	}
}

func TestClassify_ToolOverride(t *testing.T) {
	c := New(WithOverrides(Override{Pattern: "tool:deploy", Tier: Destructive, Reason: "ships to production"}))
	got := c.Classify(Action{Tool: "Deploy"})
	if got.Tier != Destructive || got.Rationale != "ships to production" {
		t.Fatalf("got %+v", got)
	}
}

func TestTier_OrderingAndText(t *testing.T) {
	if !(Safe < Caution && Caution < Destructive) {
		t.Fatal("tiers are not ordered")
	}
	data, err := json.Marshal(Classification{Tier: Destructive})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"tier":"destructive"`) {
		t.Errorf("json = %s", data)
	}
	var back Classification
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Tier != Destructive {
		t.Errorf("tier = %v, want destructive", back.Tier)
	}
	if _, err := ParseTier("extreme"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestSplitSegments(t *testing.T) {
	got, err := splitSegments(`a | b && c || d; e 2>&1 & f`)
	if err != nil {
		t.Fatalf("splitSegments: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e 2>&1", "f"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("segments = %q, want %q", got, want)
	}
	if _, err := splitSegments(`echo "open`); err == nil {
		t.Error("expected unterminated quote error")
	}
}

func TestShellTargets(t *testing.T) {
	tests := []struct {
		command string
		paths   []string
		hosts   []string
		network bool
	}{
		{"cat /etc/shadow", []string{"/etc/shadow"}, nil, false},
		{"ls", nil, nil, false},
		{"go test ./... 2>/dev/null", []string{"./..."}, nil, false},
		{"echo hi > ../out.txt", []string{"../out.txt"}, nil, false},
		{"echo hi >>~/.bashrc", []string{"~/.bashrc"}, nil, false},
		{"cp a.txt b/ && rm -rf /etc/ssh", []string{"b/", "/etc/ssh"}, nil, false},
		{"sort --output=/tmp/x in.txt", []string{"/tmp/x"}, nil, false},
		{`bash -c "cat '/root/secret file'"`, []string{"/root/secret file"}, nil, false},
		{"sudo rm /var/log/syslog", []string{"/var/log/syslog"}, nil, false},
		{"curl -sSL -o out/page.html example.com/docs", []string{"out/page.html"}, []string{"example.com/docs"}, true},
		{"curl https://example.com/x", nil, []string{"https://example.com/x"}, true},
		{"wget -O /tmp/a evil.example.com", []string{"/tmp/a"}, []string{"evil.example.com"}, true},
		{"ssh -i ~/.ssh/key deploy@prod.internal uptime", []string{"~/.ssh/key"}, []string{"deploy@prod.internal"}, true},
		{"scp build/app.tar ops@host.lan:/srv/", []string{"build/app.tar"}, []string{"ops@host.lan:/srv/"}, true},
		{"nc -w 3 10.0.0.5 80", nil, []string{"10.0.0.5"}, true},
		{"git push origin main", nil, nil, true},
		{"git clone git@github.com:org/repo.git", nil, []string{"git@github.com:org/repo.git"}, true},
		{"git log origin/main", []string{"origin/main"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := ShellTargets(tt.command)
			if err != nil {
				t.Fatalf("ShellTargets(%q): %v", tt.command, err)
			}
			if !reflect.DeepEqual(got.Paths, tt.paths) {
				t.Errorf("paths = %q, want %q", got.Paths, tt.paths)
			}
			if !reflect.DeepEqual(got.Hosts, tt.hosts) {
				t.Errorf("hosts = %q, want %q", got.Hosts, tt.hosts)
			}
			if got.Network != tt.network {
				t.Errorf("network = %v, want %v", got.Network, tt.network)
			}
		})
	}

	if _, err := ShellTargets(`cat "unterminated`); err == nil {
		t.Error("expected an error for an unterminated quote")
	}
}
