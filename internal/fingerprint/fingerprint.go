// Package fingerprint derives stable identities from shell command lines.
//
// A fingerprint is a short hash of a normalized command, used to group
// exact repeats. A template is a fuzzier reduction that keeps the command
// word, a known subcommand and flags while wildcarding operands, used to
// group commands that differ only in their arguments.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	reWhitespace   = regexp.MustCompile(`\s+`)
	reDoubleQuoted = regexp.MustCompile(`"[^"]*"`)
	reSingleQuoted = regexp.MustCompile(`'[^']*'`)
	reBareNumbers  = regexp.MustCompile(`\b\d+\b`)
)

// Hash returns the first 16 hex chars of a SHA-256 over the normalized
// command: whitespace collapsed, quoted string bodies emptied, bare
// numbers replaced with N.
func Hash(command string) string {
	normalized := strings.TrimSpace(command)
	normalized = reWhitespace.ReplaceAllString(normalized, " ")
	normalized = reDoubleQuoted.ReplaceAllString(normalized, `""`)
	normalized = reSingleQuoted.ReplaceAllString(normalized, "''")
	normalized = reBareNumbers.ReplaceAllString(normalized, "N")

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// baseCommands are commands that take a subcommand worth keeping in the
// template (git push, docker run, ...).
var baseCommands = map[string]bool{
	"git": true, "npm": true, "yarn": true, "pip": true, "docker": true,
	"kubectl": true, "make": true, "cargo": true, "go": true, "python": true,
	"node": true, "ruby": true, "curl": true, "wget": true, "cat": true,
	"grep": true, "find": true, "ls": true, "cd": true, "rm": true,
	"cp": true, "mv": true, "mkdir": true, "systemctl": true,
	"journalctl": true, "apt": true, "pacman": true, "brew": true,
}

// Template reduces a command to a fuzzy matching form: command word and
// subcommand kept, flags kept, other operands replaced with a single *
// per run of operands.
func Template(command string) string {
	normalized := reWhitespace.ReplaceAllString(strings.TrimSpace(command), " ")
	if normalized == "" {
		return ""
	}
	parts := strings.Split(normalized, " ")

	out := make([]string, 0, len(parts))
	foundBase := false

	for i, part := range parts {
		if !foundBase {
			out = append(out, part)
			if baseCommands[strings.ToLower(part)] {
				// Keep the next part too if it looks like a subcommand.
				if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "-") {
					continue
				}
				foundBase = true
			} else if i >= 1 {
				foundBase = true
			}
			continue
		}
		if strings.HasPrefix(part, "-") {
			out = append(out, part)
		} else if len(out) == 0 || out[len(out)-1] != "*" {
			out = append(out, "*")
		}
	}

	return strings.Join(out, " ")
}

// BaseCommand extracts the command name: first word, path stripped.
// "git status" -> "git", "/usr/bin/grep foo" -> "grep".
func BaseCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	first := fields[0]
	if idx := strings.LastIndexByte(first, '/'); idx >= 0 {
		first = first[idx+1:]
	}
	return first
}

// Preview returns the command truncated to n bytes for storage.
func Preview(command string, n int) string {
	if len(command) <= n {
		return command
	}
	return command[:n]
}

// SplitPipeline splits a command on unquoted single pipe characters.
// Pipes inside quotes or escaped stay put, and || is logical OR, not a
// pipe.
func SplitPipeline(command string) []string {
	var segments []string
	var current strings.Builder
	runes := []rune(command)
	inSingle, inDouble, escapeNext := false, false, false

	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if escapeNext {
			current.WriteRune(ch)
			escapeNext = false
			continue
		}
		switch {
		case ch == '\\':
			escapeNext = true
			current.WriteRune(ch)
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(ch)
		case ch == '|' && !inSingle && !inDouble:
			if i+1 < len(runes) && runes[i+1] == '|' {
				current.WriteString("||")
				i++
				continue
			}
			if seg := strings.TrimSpace(current.String()); seg != "" {
				segments = append(segments, seg)
			}
			current.Reset()
		default:
			current.WriteRune(ch)
		}
	}

	if seg := strings.TrimSpace(current.String()); seg != "" {
		segments = append(segments, seg)
	}
	return segments
}

// SSHInfo is what ParseSSH extracts from an ssh invocation.
type SSHInfo struct {
	Host          string
	RemoteCommand string
	User          string
	Port          string
}

// sshValueFlags are ssh options that consume the following token.
var sshValueFlags = map[string]bool{
	"-p": true, "-l": true, "-i": true, "-o": true,
	"-F": true, "-J": true, "-W": true,
}

// ParseSSH extracts host, user, port and remote command from an ssh
// command line. Returns nil when the command is not ssh.
func ParseSSH(command string) *SSHInfo {
	parts := strings.Fields(command)
	if len(parts) == 0 || parts[0] != "ssh" {
		return nil
	}

	info := &SSHInfo{}
	i := 1
	for i < len(parts) {
		part := parts[i]

		if sshValueFlags[part] {
			if part == "-p" && i+1 < len(parts) {
				info.Port = parts[i+1]
			} else if part == "-l" && i+1 < len(parts) {
				info.User = parts[i+1]
			}
			i += 2
			continue
		}
		if strings.HasPrefix(part, "-") {
			i++
			continue
		}

		// First non-flag token is the host, possibly user@host.
		if at := strings.LastIndexByte(part, '@'); at >= 0 {
			info.User = part[:at]
			info.Host = part[at+1:]
		} else {
			info.Host = part
		}
		if i+1 < len(parts) {
			info.RemoteCommand = strings.Join(parts[i+1:], " ")
		}
		return info
	}

	if info.Host == "" {
		return nil
	}
	return info
}
