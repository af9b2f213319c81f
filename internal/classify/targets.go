package classify

import (
	"strings"
)

// Targets is what a shell command line reaches outside its own process.
type Targets struct {
	// Paths are path-like words and redirection targets, unresolved.
	Paths []string
	// Hosts are remote endpoints named by network commands.
	Hosts []string
	// Network is set when any segment runs a network command, even if
	// no host could be read from its arguments.
	Network bool
}

// networkCommands maps network binaries to the flags that consume the
// following word, so a flag value is not mistaken for the host.
var networkCommands = map[string]map[string]bool{
	"curl":   flagSet("-o", "--output", "-H", "--header", "-d", "--data", "--data-raw", "--data-binary", "-X", "--request", "-u", "--user", "-A", "--user-agent", "-e", "--referer", "-b", "--cookie", "-c", "--cookie-jar", "-F", "--form", "-T", "--upload-file", "-x", "--proxy", "-m", "--max-time", "-w", "--write-out"),
	"wget":   flagSet("-O", "--output-document", "-P", "--directory-prefix", "-o", "--output-file", "-U", "--user-agent", "--header", "-e"),
	"http":   flagSet("-o", "--output", "-a", "--auth"),
	"ssh":    flagSet("-i", "-p", "-l", "-o", "-F", "-L", "-R", "-D", "-J", "-b", "-c", "-E", "-W"),
	"scp":    flagSet("-i", "-P", "-o", "-F", "-J", "-l", "-c"),
	"sftp":   flagSet("-i", "-P", "-o", "-F", "-J", "-b"),
	"rsync":  flagSet("-e", "--rsh", "--exclude", "--include", "--filter"),
	"nc":     flagSet("-p", "-w", "-s", "-i", "-x", "-X"),
	"ncat":   flagSet("-p", "-w", "-s", "-i", "-x"),
	"netcat": flagSet("-p", "-w", "-s", "-i"),
	"telnet": flagSet("-l", "-b"),
	"ftp":    flagSet(),
}

// gitNetwork lists git subcommands that talk to a remote.
var gitNetwork = map[string]bool{
	"clone": true, "fetch": true, "pull": true, "push": true, "ls-remote": true, "submodule": true,
}

// copyCommands take local paths and remote host:path words side by side.
var copyCommands = map[string]bool{"scp": true, "rsync": true, "sftp": true}

var devicePaths = map[string]bool{
	"/dev/null": true, "/dev/stdout": true, "/dev/stderr": true, "/dev/stdin": true, "/dev/tty": true, "/dev/zero": true,
}

func flagSet(flags ...string) map[string]bool {
	out := make(map[string]bool, len(flags))
	for _, f := range flags {
		out[f] = true
	}
	return out
}

// ShellTargets extracts the paths and hosts a command line touches. It
// reads every segment of pipelines and lists and follows nested shells.
func ShellTargets(command string) (Targets, error) {
	var t Targets
	if err := t.collect(command, 0); err != nil {
		return Targets{}, err
	}
	return t, nil
}

func (t *Targets) collect(command string, depth int) error {
	segments, err := splitSegments(command)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		tokens, err := splitCommand(seg)
		if err != nil {
			return err
		}
		words := commandWords(tokens)
		if len(words) == 0 {
			continue
		}
		if inner, ok := nestedCommand(words); ok && depth < maxNestedDepth {
			switch words[0] {
			case "bash", "sh", "zsh", "dash", "eval":
				if err := t.collect(inner, depth+1); err != nil {
					return err
				}
				continue
			}
		}
		hosts := t.collectHosts(words)
		t.collectPaths(words[1:], hosts)
	}
	return nil
}

// collectHosts records the remote endpoints of a network segment and
// returns them so they are not also treated as paths.
func (t *Targets) collectHosts(words []string) map[string]bool {
	head := words[0]
	skip := map[string]bool{}
	if head == "sudo" || head == "doas" {
		rest := words[1:]
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return skip
		}
		words = commandWords(rest)
		if len(words) == 0 {
			return skip
		}
		head = words[0]
	}

	if head == "git" {
		sub := firstPositional(words[1:], nil)
		if !gitNetwork[sub] {
			return skip
		}
		t.Network = true
		for _, w := range words[2:] {
			if strings.Contains(w, "://") || isSCPTarget(w) {
				t.Hosts = append(t.Hosts, w)
				skip[w] = true
			}
		}
		return skip
	}

	valueFlags, ok := networkCommands[head]
	if !ok {
		return skip
	}
	t.Network = true
	args := positionals(words[1:], valueFlags)

	switch {
	case copyCommands[head]:
		for _, w := range args {
			if isSCPTarget(w) {
				t.Hosts = append(t.Hosts, w)
				skip[w] = true
			}
		}
	case head == "curl" || head == "wget" || head == "http":
		for _, w := range args {
			if strings.Contains(w, "://") || looksLikeHost(w) {
				t.Hosts = append(t.Hosts, w)
				skip[w] = true
			}
		}
	default:
		// ssh, nc, telnet, ftp: the first positional is the host.
		if len(args) > 0 {
			t.Hosts = append(t.Hosts, args[0])
			skip[args[0]] = true
		}
	}
	return skip
}

func (t *Targets) collectPaths(args []string, hosts map[string]bool) {
	for i := 0; i < len(args); i++ {
		w := args[i]
		if hosts[w] {
			continue
		}
		if op := redirectOperator(w); op != "" {
			target := strings.TrimPrefix(w, op)
			if target == "" && i+1 < len(args) {
				i++
				target = args[i]
			}
			if target != "" && !strings.HasPrefix(target, "&") {
				t.addPath(target)
			}
			continue
		}
		if strings.HasPrefix(w, "-") {
			if eq := strings.IndexByte(w, '='); eq > 0 && isPathWord(w[eq+1:]) {
				t.addPath(w[eq+1:])
			}
			continue
		}
		if isPathWord(w) {
			t.addPath(w)
		}
	}
}

func (t *Targets) addPath(p string) {
	if devicePaths[p] || strings.HasPrefix(p, "/dev/fd/") || strings.Contains(p, "://") {
		return
	}
	for _, existing := range t.Paths {
		if existing == p {
			return
		}
	}
	t.Paths = append(t.Paths, p)
}

// redirectOperator returns the leading redirection operator of a word,
// such as >, >>, <, 2> or &>.
func redirectOperator(w string) string {
	i := 0
	for i < len(w) && (w[i] >= '0' && w[i] <= '9' || w[i] == '&') {
		i++
	}
	j := i
	for j < len(w) && (w[j] == '>' || w[j] == '<') {
		j++
	}
	if j == i {
		return ""
	}
	return w[:j]
}

func isPathWord(w string) bool {
	switch {
	case w == "" || strings.Contains(w, "://"):
		return false
	case w == "." || w == ".." || w == "~":
		return true
	case strings.HasPrefix(w, "/"), strings.HasPrefix(w, "./"), strings.HasPrefix(w, "../"), strings.HasPrefix(w, "~/"):
		return true
	}
	return strings.Contains(w, "/")
}

// isSCPTarget matches [user@]host:path words.
func isSCPTarget(w string) bool {
	if strings.HasPrefix(w, "/") || strings.HasPrefix(w, ".") || strings.Contains(w, "://") {
		return false
	}
	colon := strings.IndexByte(w, ':')
	if colon <= 0 {
		return false
	}
	slash := strings.IndexByte(w, '/')
	return slash < 0 || colon < slash
}

func looksLikeHost(w string) bool {
	if strings.HasPrefix(w, "/") || strings.HasPrefix(w, ".") || strings.HasPrefix(w, "~") {
		return false
	}
	host := w
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	return host == "localhost" || strings.Contains(host, ".") || strings.Contains(host, ":")
}

func positionals(args []string, valueFlags map[string]bool) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		w := args[i]
		if strings.HasPrefix(w, "-") {
			if valueFlags[w] {
				i++
			}
			continue
		}
		if redirectOperator(w) != "" {
			if redirectOperator(w) == w {
				i++
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

func firstPositional(args []string, valueFlags map[string]bool) string {
	if p := positionals(args, valueFlags); len(p) > 0 {
		return p[0]
	}
	return ""
}
