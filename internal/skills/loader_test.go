package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadSkills_LoadSingleSkill(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	skillPath := writeTestSkillFile(t, root, "migrations", "---\nname: migrations\ndescription: schema changes\nkeywords: [schema, migrate]\n---\n# Migrations\nNever edit an applied migration.\n")

	set, err := LoadSkills(root, nil)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("skill count = %d, want 1", set.Len())
	}

	sk := set.Skills()[0]
	if sk.Name != "migrations" || sk.Description != "schema changes" {
		t.Fatalf("skill = %+v", sk)
	}
	if sk.Body != "# Migrations\nNever edit an applied migration." {
		t.Fatalf("unexpected body: %q", sk.Body)
	}
	if sk.Path != skillPath {
		t.Fatalf("path = %q, want %q", sk.Path, skillPath)
	}
	if !sk.Matches("please MIGRATE the users table") {
		t.Fatalf("expected keyword match")
	}
}

func TestLoadSkills_DirNotFound(t *testing.T) {
	t.Parallel()

	set, err := LoadSkills(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil {
		t.Fatalf("load skills from missing dir: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("skill count = %d, want 0", set.Len())
	}
}

func TestLoadSkills_NotADirectory(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "skills")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSkills(file, nil); err == nil {
		t.Fatalf("expected error for a file path")
	}
}

func TestLoadSkills_MissingFrontmatter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "broken", "# No frontmatter")

	if _, err := LoadSkills(root, nil); err == nil {
		t.Fatalf("expected error for missing frontmatter")
	}
}

func TestLoadSkills_DuplicateSkillName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "one", "---\nname: shared\nkeywords: [a]\n---\nfirst body\n")
	writeTestSkillFile(t, root, "two", "---\nname: shared\nkeywords: [b]\n---\nsecond body\n")

	if _, err := LoadSkills(root, nil); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLoadSkills_KeywordsNormalized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "release", "---\nname: release\nkeywords:\n  - \" Tag \"\n  - DEPLOY\n  - deploy\n  - cut a release\n  - \"  \"\n---\n# Release\n")

	set, err := LoadSkills(root, nil)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	want := []string{"cut a release", "deploy", "tag"}
	got := set.Skills()[0].Keywords
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("keywords = %q, want %q", got, want)
	}
}

func TestLoadSkills_InvalidYAMLSkipped(t *testing.T) {
	root := t.TempDir()
	invalidSkillPath := writeTestSkillFile(t, root, "broken", "---\nname: broken\nkeywords: [search, web\n---\n# Broken\n")
	writeTestSkillFile(t, root, "ok", "---\nname: ok\nkeywords: [ok]\n---\n# OK\n")

	core, logs := observer.New(zap.WarnLevel)
	set, err := LoadSkills(root, zap.New(core))
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if set.Len() != 1 || set.Skills()[0].Name != "ok" {
		t.Fatalf("skills = %+v", set.Skills())
	}

	entries := logs.FilterMessage("skip invalid skill").All()
	if len(entries) != 1 {
		t.Fatalf("warnings = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["path"] != invalidSkillPath {
		t.Fatalf("warning path = %v, want %q", entries[0].ContextMap()["path"], invalidSkillPath)
	}
}

func TestSet_Retrieve(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "alpha", "---\nname: alpha\nkeywords: [schema]\n---\nalpha body\n")
	writeTestSkillFile(t, root, "beta", "---\nname: beta\nkeywords: [schema, deploy]\n---\nbeta body\n")
	writeTestSkillFile(t, root, "gamma", "---\nname: gamma\nkeywords: [deploy]\n---\n")

	set, err := LoadSkills(root, nil)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	ctx := context.Background()

	got, _ := set.Retrieve(ctx, "change the schema", 5)
	if len(got) != 2 || got[0].Source != "skill:alpha" || got[1].Source != "skill:beta" {
		t.Fatalf("retrieve = %+v", got)
	}
	got, _ = set.Retrieve(ctx, "change the schema", 1)
	if len(got) != 1 {
		t.Fatalf("limit ignored: %+v", got)
	}
	// gamma matches but has no body.
	got, _ = set.Retrieve(ctx, "deploy now", 5)
	if len(got) != 1 || got[0].Text != "beta body" {
		t.Fatalf("retrieve = %+v", got)
	}
	if got, _ := set.Retrieve(ctx, "write me a poem", 5); len(got) != 0 {
		t.Fatalf("unexpected match: %+v", got)
	}
}

func writeTestSkillFile(t *testing.T, root, dirName, content string) string {
	t.Helper()

	skillPath := filepath.Join(root, dirName, skillFileName)
	if err := os.MkdirAll(filepath.Dir(skillPath), 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	if err := os.WriteFile(skillPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write skill file: %v", err)
	}
	return skillPath
}
