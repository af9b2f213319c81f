package classify

import "strings"

// Category names surfaced in Classification.Category.
const (
	CategoryReadOnly   = "read-only"
	CategoryBuild      = "build-test"
	CategoryFileModify = "file-modify"
	CategoryDeletion   = "deletion"
	CategoryNetwork    = "network"
	CategoryPackage    = "package-manager"
	CategoryShell      = "nested-shell"
	CategoryGitWrite   = "git-write"
	CategoryPrivilege  = "privilege-escalation"
	CategorySystem     = "system"
	CategoryProcess    = "process-control"
	CategoryOverride   = "override"
	CategoryDefault    = "default"
)

// rule matches one command segment. words is a prefix of the non-flag
// tokens; a trailing "*" on the first word matches by prefix (mkfs.ext4).
// When flags is set at least one of them must be present.
type rule struct {
	category    string
	tier        Tier
	words       []string
	flags       []string
	reason      string
	remediation string
}

func (r rule) match(tokens []string) bool {
	if len(tokens) == 0 || len(r.words) == 0 {
		return false
	}
	head := r.words[0]
	if strings.HasSuffix(head, "*") {
		if !strings.HasPrefix(tokens[0], strings.TrimSuffix(head, "*")) {
			return false
		}
	} else if tokens[0] != head {
		return false
	}

	if len(r.words) > 1 {
		positional := make([]string, 0, len(tokens))
		for _, tok := range tokens[1:] {
			if !strings.HasPrefix(tok, "-") {
				positional = append(positional, tok)
			}
		}
		if len(positional) < len(r.words)-1 {
			return false
		}
		for i, w := range r.words[1:] {
			if positional[i] != w {
				return false
			}
		}
	}

	if len(r.flags) == 0 {
		return true
	}
	for _, tok := range tokens[1:] {
		for _, f := range r.flags {
			if tok == f || strings.HasPrefix(tok, f+"=") {
				return true
			}
		}
	}
	return false
}

func simple(category string, tier Tier, reason string, names ...string) []rule {
	out := make([]rule, 0, len(names))
	for _, n := range names {
		out = append(out, rule{category: category, tier: tier, words: strings.Fields(n), reason: reason})
	}
	return out
}

func defaultRules() []rule {
	var rules []rule

	rules = append(rules, simple(CategoryReadOnly, Safe, "read-only command",
		"cat", "ls", "head", "tail", "less", "more", "grep", "rg", "ag", "find", "fd",
		"wc", "pwd", "echo", "printf", "which", "whereis", "file", "stat", "diff", "tree",
		"du", "df", "printenv", "date", "whoami", "id", "uname", "sort", "uniq", "cut",
		"basename", "dirname", "realpath", "readlink", "jq", "true", "test",
	)...)
	rules = append(rules, simple(CategoryReadOnly, Safe, "read-only git command",
		"git status", "git log", "git diff", "git show", "git blame", "git rev-parse",
		"git ls-files", "git branch", "git remote", "git describe",
	)...)
	rules = append(rules, simple(CategoryBuild, Safe, "build, test or formatting command",
		"go test", "go vet", "go build", "go fmt", "gofmt", "go mod tidy",
		"cargo test", "cargo check", "cargo build", "cargo fmt", "cargo clippy", "rustfmt",
		"npm test", "npm run", "yarn test", "pnpm test", "pytest", "make", "prettier", "black",
	)...)

	rules = append(rules, simple(CategoryFileModify, Caution, "modifies files or permissions",
		"mv", "cp", "chmod", "chown", "chgrp", "touch", "mkdir", "ln", "tee", "truncate", "install", "patch",
	)...)
	rules = append(rules,
		rule{category: CategoryFileModify, tier: Caution, words: []string{"sed"}, flags: []string{"-i", "--in-place"}, reason: "edits files in place"},
		rule{category: CategoryFileModify, tier: Caution, words: []string{"gofmt"}, flags: []string{"-w"}, reason: "rewrites source files"},
	)

	rules = append(rules, rule{category: CategoryDeletion, tier: Destructive, words: []string{"rm"}, reason: "deletes files", remediation: "requires backup"})
	rules = append(rules, simple(CategoryDeletion, Destructive, "deletes files",
		"rmdir", "shred", "unlink", "git clean",
	)...)
	rules = append(rules,
		rule{category: CategoryDeletion, tier: Destructive, words: []string{"find"}, flags: []string{"-delete"}, reason: "deletes files found by find", remediation: "requires backup"},
		rule{category: CategoryDeletion, tier: Destructive, words: []string{"git", "reset"}, flags: []string{"--hard"}, reason: "discards uncommitted work", remediation: "stash or commit first"},
		rule{category: CategoryDeletion, tier: Destructive, words: []string{"git", "branch"}, flags: []string{"-D"}, reason: "force-deletes a branch"},
	)

	rules = append(rules, simple(CategoryNetwork, Caution, "reaches the network",
		"curl", "wget", "nc", "ncat", "netcat", "ssh", "scp", "sftp", "rsync", "ftp", "telnet", "http", "git clone", "git fetch", "git pull",
	)...)

	rules = append(rules, simple(CategoryPackage, Caution, "installs or changes packages",
		"apt", "apt-get", "yum", "dnf", "pacman", "apk", "brew",
		"pip install", "pip3 install", "pip uninstall", "npm install", "npm i", "npm uninstall",
		"yarn add", "pnpm add", "go get", "go install", "cargo install", "gem install",
	)...)

	rules = append(rules, simple(CategoryShell, Caution, "runs arbitrary code through an interpreter",
		"eval", "source", "xargs", "python -c", "node -e",
	)...)
	rules = append(rules,
		rule{category: CategoryShell, tier: Caution, words: []string{"bash"}, flags: []string{"-c"}, reason: "runs a nested shell"},
		rule{category: CategoryShell, tier: Caution, words: []string{"sh"}, flags: []string{"-c"}, reason: "runs a nested shell"},
		rule{category: CategoryShell, tier: Caution, words: []string{"zsh"}, flags: []string{"-c"}, reason: "runs a nested shell"},
	)

	rules = append(rules, simple(CategoryGitWrite, Caution, "changes git history or remote state",
		"git push", "git commit", "git rebase", "git merge", "git reset", "git checkout",
		"git switch", "git tag", "git cherry-pick", "git stash", "git am", "git restore",
	)...)
	rules = append(rules, rule{
		category: CategoryGitWrite, tier: Destructive, words: []string{"git", "push"},
		flags: []string{"--force", "-f", "--force-with-lease"}, reason: "force-pushes over remote history",
		remediation: "push to a new branch instead",
	})

	rules = append(rules, simple(CategoryProcess, Caution, "signals other processes",
		"kill", "pkill", "killall",
	)...)

	rules = append(rules, rule{category: CategoryPrivilege, tier: Destructive, words: []string{"sudo"}, reason: "escalates privileges", remediation: "run it manually outside the agent"})
	rules = append(rules, simple(CategoryPrivilege, Destructive, "escalates privileges", "su", "doas", "pkexec")...)

	rules = append(rules, simple(CategorySystem, Destructive, "alters disks or system power state",
		"dd", "mkfs*", "fdisk", "parted", "format", "mount", "umount",
		"shutdown", "reboot", "halt", "poweroff", "systemctl", "crontab",
	)...)
	return rules
}
