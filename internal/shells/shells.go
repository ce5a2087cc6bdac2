// Package shells locates an execution shell and wraps commands so every
// pipeline segment's exit code survives to the caller.
package shells

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// PipestatusMarker prefixes the wrapper's final output line. The collector
// strips that line and parses the per-segment exit codes from it.
const PipestatusMarker = "___LEASH_PIPESTATUS_7f3d9c___"

// Kind identifies a supported shell.
type Kind string

const (
	KindZsh  Kind = "zsh"
	KindBash Kind = "bash"
	KindSh   Kind = "sh"
)

// Shell is a resolved shell binary.
type Shell struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
}

// Name returns the shell's short name for status surfaces.
func (s Shell) Name() string {
	return string(s.Kind)
}

// Detection is the result of scanning the host for tools we depend on.
type Detection struct {
	Shell Shell  `json:"shell"`
	Man   string `json:"man,omitempty"`
	Col   string `json:"col,omitempty"`
}

var commonPaths = map[Kind][]string{
	KindZsh:  {"/bin/zsh", "/usr/bin/zsh", "/usr/local/bin/zsh"},
	KindBash: {"/bin/bash", "/usr/bin/bash", "/usr/local/bin/bash"},
	KindSh:   {"/bin/sh", "/usr/bin/sh"},
}

// Detect scans for an execution shell, preferring zsh (full pipestatus),
// then bash, then sh. It also records man/col paths for the option miner.
func Detect() Detection {
	det := Detection{}

	for _, k := range []Kind{KindZsh, KindBash, KindSh} {
		if path := find(k); path != "" {
			det.Shell = Shell{Kind: k, Path: path}
			break
		}
	}
	if det.Shell.Path == "" {
		// Nothing resolvable, assume POSIX sh and let spawn report the error.
		det.Shell = Shell{Kind: KindSh, Path: "/bin/sh"}
	}

	if path, err := exec.LookPath("man"); err == nil {
		det.Man = path
	}
	if path, err := exec.LookPath("col"); err == nil {
		det.Col = path
	}
	return det
}

func find(k Kind) string {
	if path, err := exec.LookPath(string(k)); err == nil {
		return path
	}
	for _, p := range commonPaths[k] {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Wrap builds the string passed to `shell -c`. After the command finishes
// the wrapper prints one marker line with every pipeline segment's exit
// code, then exits with the last segment's code. The wrapper joins with a
// newline so trailing comments or background operators in the command
// cannot swallow it. Plain sh has no pipestatus array and reports only the
// overall code.
func (s Shell) Wrap(command string) string {
	switch s.Kind {
	case KindZsh:
		return fmt.Sprintf("%s\n__ps=\"${pipestatus[*]}\"; printf '\\n%%s %%s\\n' '%s' \"$__ps\"; exit \"${__ps##* }\"",
			command, PipestatusMarker)
	case KindBash:
		return fmt.Sprintf("%s\n__ps=\"${PIPESTATUS[*]}\"; printf '\\n%%s %%s\\n' '%s' \"$__ps\"; exit \"${__ps##* }\"",
			command, PipestatusMarker)
	default:
		return fmt.Sprintf("%s\n__rc=$?; printf '\\n%%s %%s\\n' '%s' \"$__rc\"; exit \"$__rc\"",
			command, PipestatusMarker)
	}
}

// ParseMarker finds the wrapper's marker line in collected output and
// returns the output without it plus the parsed exit codes. When no valid
// marker line exists (command was killed before the wrapper ran, or the
// shell never printed one) it returns the input unchanged and ok=false.
func ParseMarker(output string) (clean string, codes []int, ok bool) {
	idx := strings.LastIndex(output, PipestatusMarker)
	if idx == -1 {
		return output, nil, false
	}
	// The marker must start its own line; anything else is command output
	// that merely contains the string.
	if idx > 0 && output[idx-1] != '\n' {
		return output, nil, false
	}

	rest := output[idx+len(PipestatusMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return output, nil, false
	}
	codes = make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return output, nil, false
		}
		codes = append(codes, n)
	}

	clean = output[:idx]
	// Drop the newline the wrapper injected before the marker. Under a PTY
	// it arrives as \r\n.
	clean = strings.TrimSuffix(clean, "\n")
	clean = strings.TrimSuffix(clean, "\r")
	return clean, codes, true
}
