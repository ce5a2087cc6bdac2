// Package manopt extracts option tables from man pages. Lookups run in
// the background after a command keeps failing; the parsed table is
// cached write-once in the learning store and surfaced as an insight on
// the next failure.
package manopt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"unicode/utf8"
)

// tableWidth is the rendered width of the option table.
const tableWidth = 120

// maxFlagWidth caps the flag column so one long flag cannot squeeze the
// descriptions out.
const maxFlagWidth = 34

var (
	reSectionHeader = regexp.MustCompile(`^[A-Z][A-Z /()-]+$`)
	reOptLine       = regexp.MustCompile(`^( {4,12})(-.+)$`)
	reDescLine      = regexp.MustCompile(`^\t[\t ]*(\S.*)$`)
	reFlagExtract   = regexp.MustCompile(`^(-\w(?:,\s+--[^\s]+)?|--[^\s]+)(?:\s+(.+))?$`)
)

// preferredSections are scanned for options in order; every matching
// section contributes. DESCRIPTION is the fallback when none exist.
var preferredSections = []string{
	"ALL OPTIONS",
	"OPTIONS",
	"COMMAND OPTIONS",
	"GENERAL OPTIONS",
	"GLOBAL OPTIONS",
	"COMMON OPTIONS",
}

type optionEntry struct {
	flags string
	desc  string
}

// Parse runs man for a command and renders its options as a table.
// manPath and colPath name the binaries to shell out to. Returns ""
// when the command has a man page but no parseable options.
func Parse(ctx context.Context, manPath, colPath, command string, maxWidth int) (string, error) {
	text, err := manText(ctx, manPath, colPath, command)
	if err != nil {
		return "", err
	}

	section := extractOptionsSection(text)
	if len(section) == 0 {
		// No recognizable section headers; scan the whole page.
		section = strings.Split(text, "\n")
	}

	entries := parseOptions(section)
	if len(entries) == 0 {
		return "", nil
	}
	return buildTable(command, entries, maxWidth), nil
}

// manText returns the plain-text man page, backspace formatting
// stripped via col -b.
func manText(ctx context.Context, manPath, colPath, command string) (string, error) {
	man := exec.CommandContext(ctx, manPath, command)
	out, err := man.Output()
	if err != nil {
		return "", fmt.Errorf("man %s: %w", command, err)
	}

	col := exec.CommandContext(ctx, colPath, "-b")
	col.Stdin = bytes.NewReader(out)
	stripped, err := col.Output()
	if err != nil {
		return "", fmt.Errorf("col -b: %w", err)
	}
	return string(stripped), nil
}

type sectionHeader struct {
	name string
	line int
}

// extractOptionsSection returns the lines of the preferred option
// sections, or of DESCRIPTION when no option section exists.
func extractOptionsSection(text string) []string {
	lines := strings.Split(text, "\n")

	var headers []sectionHeader
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if len(stripped) > 2 && reSectionHeader.MatchString(stripped) {
			headers = append(headers, sectionHeader{name: stripped, line: i})
		}
	}

	type span struct{ start, end int }
	ranges := make(map[string][]span)
	for idx, h := range headers {
		end := len(lines)
		if idx+1 < len(headers) {
			end = headers[idx+1].line
		}
		ranges[h.name] = append(ranges[h.name], span{start: h.line + 1, end: end})
	}

	var result []string
	collect := func(names []string) {
		for _, name := range names {
			for _, sp := range ranges[name] {
				result = append(result, lines[sp.start:sp.end]...)
			}
		}
	}

	collect(preferredSections)
	if len(result) == 0 {
		collect([]string{"DESCRIPTION"})
	}
	return result
}

// parseOptions walks section lines pairing flag lines (indented, start
// with a dash) with the tab-indented description lines that follow.
func parseOptions(lines []string) []optionEntry {
	var entries []optionEntry
	var curFlags string
	var curDesc []string
	haveFlags := false

	flush := func() {
		if haveFlags {
			entries = append(entries, optionEntry{
				flags: strings.TrimSpace(curFlags),
				desc:  strings.TrimSpace(strings.Join(curDesc, " ")),
			})
		}
	}

	for _, line := range lines {
		if m := reOptLine.FindStringSubmatch(line); m != nil {
			flush()
			raw := strings.TrimSpace(m[2])
			if fm := reFlagExtract.FindStringSubmatch(raw); fm != nil {
				curFlags = fm[1]
				curDesc = nil
				if fm[2] != "" {
					curDesc = []string{fm[2]}
				}
			} else {
				curFlags = raw
				curDesc = nil
			}
			haveFlags = true
		} else if m := reDescLine.FindStringSubmatch(line); m != nil && haveFlags {
			curDesc = append(curDesc, m[1])
		}
	}
	flush()

	seen := make(map[string]bool)
	var deduped []optionEntry
	for _, e := range entries {
		canon := strings.TrimRight(e.flags, ".,;:")
		if canon == "" || seen[canon] {
			continue
		}
		seen[canon] = true
		deduped = append(deduped, optionEntry{flags: canon, desc: e.desc})
	}
	return deduped
}

// buildTable renders entries as a box-drawn two-column table.
func buildTable(command string, entries []optionEntry, maxWidth int) string {
	if len(entries) == 0 {
		return fmt.Sprintf("No options found for '%s'.", command)
	}

	flagWidth := 0
	for _, e := range entries {
		if n := utf8.RuneCountInString(e.flags); n > flagWidth {
			flagWidth = n
		}
	}
	if flagWidth > maxFlagWidth {
		flagWidth = maxFlagWidth
	}
	descWidth := maxWidth - (flagWidth + 7)
	if descWidth < 0 {
		descWidth = 0
	}

	var lines []string
	lines = append(lines, "┌"+strings.Repeat("─", maxWidth-2)+"┐")
	lines = append(lines, "│"+center(fmt.Sprintf("  %s options", command), maxWidth-2)+"│")
	lines = append(lines, "├"+strings.Repeat("─", flagWidth+2)+"┬"+strings.Repeat("─", descWidth+2)+"┤")
	for _, e := range entries {
		lines = append(lines, "│ "+padTruncate(e.flags, flagWidth)+" │ "+padTruncate(e.desc, descWidth)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", flagWidth+2)+"┴"+strings.Repeat("─", descWidth+2)+"┘")
	return strings.Join(lines, "\n")
}

func padTruncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) > width {
		runes := []rune(s)
		s = string(runes[:width-1]) + "…"
	}
	if pad := width - utf8.RuneCountInString(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}
	return s
}

func center(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	left := (width - n) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-n-left)
}
