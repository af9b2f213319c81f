package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonicalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestCheckPath_InsideRoot(t *testing.T) {
	root := canonicalTempDir(t)
	p := New(Config{Roots: []string{root}})

	existing := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	for _, access := range []Access{Read, Write} {
		assert.Equal(t, Allowed, p.CheckPath(existing, access).Kind)
		assert.Equal(t, Allowed, p.CheckPath(filepath.Join(root, "new", "b.txt"), access).Kind)
		assert.Equal(t, Allowed, p.CheckPath("a.txt", access).Kind, "relative paths resolve against the first root")
	}
}

func TestCheckPath_TraversalIsNormalized(t *testing.T) {
	root := canonicalTempDir(t)
	p := New(Config{Roots: []string{root}, Sensitive: []string{"/etc"}})

	escaped := filepath.Join(root, "..", filepath.Base(root)+"-sibling", "x.txt")
	v := p.CheckPath(escaped, Write)
	assert.Equal(t, RequiresApproval, v.Kind)
	assert.NotContains(t, v.Target, "..")

	v = p.CheckPath("../../../../../../etc/passwd", Write)
	assert.Equal(t, Denied, v.Kind)
	assert.Contains(t, v.Reason, "sensitive")
}

func TestCheckPath_SymlinkEscape(t *testing.T) {
	root := canonicalTempDir(t)
	outside := canonicalTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o600))

	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	p := New(Config{Roots: []string{root}, Sensitive: []string{}})
	v := p.CheckPath(filepath.Join(link, "secret.txt"), Read)
	assert.Equal(t, RequiresApproval, v.Kind)
	assert.Equal(t, filepath.Join(outside, "secret.txt"), v.Target)

	// A link that stays inside the workspace is fine.
	inner := filepath.Join(root, "inner")
	require.NoError(t, os.Mkdir(inner, 0o755))
	require.NoError(t, os.Symlink(inner, filepath.Join(root, "alias")))
	assert.Equal(t, Allowed, p.CheckPath(filepath.Join(root, "alias", "f.txt"), Write).Kind)
}

func TestCheckPath_DenyWins(t *testing.T) {
	root := canonicalTempDir(t)
	p := New(Config{
		Roots: []string{root},
		Allow: []string{filepath.Join(root, "secrets", "public")},
		Deny:  []string{"secrets", "*.pem"},
	})

	v := p.CheckPath(filepath.Join(root, "secrets", "public", "a.txt"), Read)
	assert.Equal(t, Denied, v.Kind)
	assert.Contains(t, v.Reason, `"secrets"`)

	assert.Equal(t, Denied, p.CheckPath(filepath.Join(root, "keys", "server.pem"), Write).Kind)
	assert.Equal(t, Allowed, p.CheckPath(filepath.Join(root, "keys", "server.crt"), Write).Kind)
}

func TestCheckPath_ExtraRoots(t *testing.T) {
	root := canonicalTempDir(t)
	extra := canonicalTempDir(t)
	readable := canonicalTempDir(t)
	p := New(Config{
		Roots:         []string{root},
		ExtraWritable: []string{extra},
		Allow:         []string{readable},
		Sensitive:     []string{},
	})

	assert.Equal(t, Allowed, p.CheckPath(filepath.Join(extra, "out.log"), Write).Kind)
	assert.Equal(t, Allowed, p.CheckPath(filepath.Join(readable, "doc.md"), Read).Kind)
	assert.Contains(t, p.Roots(), extra)
}

func TestCheckPath_EmptyPath(t *testing.T) {
	p := New(Config{Roots: []string{canonicalTempDir(t)}})
	assert.Equal(t, Denied, p.CheckPath("   ", Read).Kind)
}

func TestCheckNetwork(t *testing.T) {
	off := New(Config{Network: NetworkPolicy{AllowDomains: []string{"example.com"}}})
	v := off.CheckNetwork("https://example.com/path")
	assert.Equal(t, Denied, v.Kind)
	assert.Contains(t, v.Reason, "disabled")

	on := New(Config{Network: NetworkPolicy{Enabled: true, AllowDomains: []string{"example.com", "*.golang.org"}}})
	tests := []struct {
		target string
		want   Kind
	}{
		{"https://example.com/path", Allowed},
		{"api.example.com:443", Allowed},
		{"https://user@api.example.com", Allowed},
		{"proxy.golang.org/mod", Allowed},
		{"badexample.com", Denied},
		{"evil.com", Denied},
		{"", Denied},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, on.CheckNetwork(tt.target).Kind)
		})
	}
}

func TestCombine(t *testing.T) {
	assert.Equal(t, Allowed, Combine().Kind)

	v := Combine(
		allow("/w/a"),
		needsApproval("/x", "outside"),
		deny("/etc/passwd", "sensitive"),
		deny("evil.com", "not allow-listed"),
	)
	assert.Equal(t, Denied, v.Kind)
	assert.Equal(t, "sensitive; not allow-listed", v.Reason)
	assert.Equal(t, "/etc/passwd, evil.com", v.Target)

	v = Combine(allow("/w/a"), needsApproval("/x", "outside"))
	assert.Equal(t, RequiresApproval, v.Kind)
	assert.Equal(t, "outside", v.Reason)
}

func TestKindText(t *testing.T) {
	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("requires_approval")))
	assert.Equal(t, RequiresApproval, k)
	assert.Error(t, k.UnmarshalText([]byte("maybe")))
}
