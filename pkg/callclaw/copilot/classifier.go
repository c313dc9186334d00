package copilot

import "strings"

// Risk is the execution class assigned to a shell command.
type Risk int

const (
	// RiskReadOnly means the command cannot modify system state and may run
	// without approval on any channel.
	RiskReadOnly Risk = iota
	// RiskDestructive means the command may have side effects. It requires
	// human approval on the text channel and is refused outright on voice.
	RiskDestructive
)

func (r Risk) String() string {
	if r == RiskReadOnly {
		return "read-only"
	}
	return "destructive"
}

// readOnlyPrefixes lists command prefixes that are side-effect-free. A
// command is only classified read-only when every link of its chain and
// every segment of its pipelines starts with one of these. Anything
// unrecognized is destructive.
var readOnlyPrefixes = []string{
	"ls", "cat", "head", "tail", "less", "more",
	"grep", "rg", "awk", "sed", // sed without -i does not write
	"wc", "sort", "uniq", "cut", "tr",
	"find", "which", "whereis", "type", "file",
	"echo", "printf", "date", "cal", "uptime",
	"whoami", "id", "hostname", "uname",
	"env", "printenv",
	"pwd", "realpath", "dirname", "basename",
	"df", "du", "free", "top", "ps", "pgrep",
	"dig", "nslookup", "ping", "traceroute",
	"stat", "md5sum", "sha256sum", "sha1sum",
	"diff", "cmp", "comm",
	"jq", "yq",
	"go version", "go env",
	"git status", "git log", "git diff", "git show", "git branch",
	"docker ps", "docker images", "docker logs",
	"tree",
}

// Classify assigns a risk class to a shell command. The empty command and
// any command it cannot positively recognize are destructive; the allowlist
// never grows at runtime. Safe for concurrent use.
func Classify(command string) Risk {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return RiskDestructive
	}

	// Output redirection anywhere outside quotes writes to the filesystem.
	if hasUnquotedRedirect(cmd) {
		return RiskDestructive
	}

	for _, link := range splitCommandChain(cmd) {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		if !matchesReadOnlyPrefix(link) {
			return RiskDestructive
		}
	}
	return RiskReadOnly
}

func hasUnquotedRedirect(cmd string) bool {
	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if ch == '\'' || ch == '"' {
			quote := ch
			i++
			for i < len(cmd) && cmd[i] != quote {
				if cmd[i] == '\\' {
					i++
				}
				i++
			}
			continue
		}
		if ch == '>' {
			return true
		}
	}
	return false
}

// splitCommandChain splits on &&, ||, ; and | so every link of a chain and
// every segment of a pipeline gets checked. A pipe feeding a writer (xargs,
// sh, tee) must classify by the writer, not by the safe producer before it.
func splitCommandChain(cmd string) []string {
	var parts []string
	var current strings.Builder
	inQuote := byte(0)

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]

		if inQuote != 0 {
			current.WriteByte(ch)
			if ch == inQuote && (i == 0 || cmd[i-1] != '\\') {
				inQuote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			inQuote = ch
			current.WriteByte(ch)
			continue
		}

		if i < len(cmd)-1 && ((ch == '&' && cmd[i+1] == '&') || (ch == '|' && cmd[i+1] == '|')) {
			parts = append(parts, current.String())
			current.Reset()
			i++
			continue
		}
		if ch == ';' || ch == '|' {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteByte(ch)
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func matchesReadOnlyPrefix(cmd string) bool {
	cmd = strings.TrimSpace(cmd)

	// Strip leading VAR=val assignments before the command word.
	for {
		if idx := strings.Index(cmd, "="); idx > 0 && idx < strings.Index(cmd+" ", " ") {
			rest := cmd[idx+1:]
			spaceIdx := strings.IndexByte(rest, ' ')
			if spaceIdx < 0 {
				break
			}
			cmd = strings.TrimSpace(rest[spaceIdx:])
		} else {
			break
		}
	}

	for _, prefix := range readOnlyPrefixes {
		if cmd == prefix ||
			strings.HasPrefix(cmd, prefix+" ") ||
			strings.HasPrefix(cmd, prefix+"\t") {
			return !hasWriteFlags(cmd)
		}
	}
	return false
}

// hasWriteFlags catches allowlisted commands whose flags turn them into
// writers: sed -i edits files in place, find -delete/-exec has side effects.
func hasWriteFlags(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "sed":
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "-i") || strings.HasPrefix(f, "--in-place") {
				return true
			}
		}
	case "find":
		for _, f := range fields[1:] {
			switch f {
			case "-delete", "-exec", "-execdir", "-ok", "-okdir":
				return true
			}
		}
	}
	return false
}
