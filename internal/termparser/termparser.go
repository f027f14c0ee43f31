// Package termparser detects Claude-Code-style interactive UI regions and
// status lines inside a rendered terminal pane, and strips the pane's
// bottom chrome (prompt box + status bar) when isolating command output.
//
// Every pattern and heuristic here is provider-specific to Claude Code's
// terminal rendering; the Codex and Gemini providers in internal/provider
// parse their panes without these patterns.
package termparser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// UIPattern delimits an interactive UI region by a top marker (any of
// Top matching) and a bottom marker (any of Bottom matching). Extraction
// scans top-down: the first line matching a Top pattern starts the
// region; the first subsequent line matching a Bottom pattern ends it.
// When Bottom is empty, the region runs to the last non-empty line.
type UIPattern struct {
	Name   string
	Top    []*regexp.Regexp
	Bottom []*regexp.Regexp
	MinGap int // minimum line distance between top and bottom, inclusive
}

// ClaudeUIPatterns are Claude Code's interactive UI markers, in the order
// they're tried — first match wins.
var ClaudeUIPatterns = []UIPattern{
	{
		Name: "ExitPlanMode",
		Top: []*regexp.Regexp{
			regexp.MustCompile(`^\s*Would you like to proceed\?`),
			regexp.MustCompile(`^\s*Claude has written up a plan`),
		},
		Bottom: []*regexp.Regexp{
			regexp.MustCompile(`^\s*ctrl-g to edit in `),
			regexp.MustCompile(`^\s*Esc to (cancel|exit)`),
		},
		MinGap: 2,
	},
	{
		Name:   "AskUserQuestion",
		Top:    []*regexp.Regexp{regexp.MustCompile(`^\s*←\s+[☐✔☒]`)},
		Bottom: nil,
		MinGap: 1,
	},
	{
		Name:   "AskUserQuestion",
		Top:    []*regexp.Regexp{regexp.MustCompile(`^\s*[☐✔☒]`)},
		Bottom: []*regexp.Regexp{regexp.MustCompile(`^\s*Enter to select`)},
		MinGap: 1,
	},
	{
		Name:   "PermissionPrompt",
		Top:    []*regexp.Regexp{regexp.MustCompile(`^\s*Do you want to proceed\?`)},
		Bottom: []*regexp.Regexp{regexp.MustCompile(`^\s*Esc to cancel`)},
		MinGap: 2,
	},
	{
		Name:   "RestoreCheckpoint",
		Top:    []*regexp.Regexp{regexp.MustCompile(`^\s*Restore the code`)},
		Bottom: []*regexp.Regexp{regexp.MustCompile(`^\s*Enter to continue`)},
		MinGap: 2,
	},
	{
		Name: "Settings",
		Top:  []*regexp.Regexp{regexp.MustCompile(`^\s*Settings:`)},
		Bottom: []*regexp.Regexp{
			regexp.MustCompile(`Esc to cancel`),
			regexp.MustCompile(`^\s*Type to filter`),
		},
		MinGap: 2,
	},
	{
		Name:   "SelectModel",
		Top:    []*regexp.Regexp{regexp.MustCompile(`^\s*Select model`)},
		Bottom: []*regexp.Regexp{regexp.MustCompile(`Enter to confirm`)},
		MinGap: 2,
	},
}

// InteractiveUIContent is extracted content from a matched interactive UI.
type InteractiveUIContent struct {
	Content string
	Name    string
}

var reLongDash = regexp.MustCompile(`^─{5,}$`)

func shortenSeparators(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if reLongDash.MatchString(line) {
			lines[i] = "─────"
		}
	}
	return strings.Join(lines, "\n")
}

func tryExtract(lines []string, pattern UIPattern) *InteractiveUIContent {
	topIdx := -1
	bottomIdx := -1

	for i, line := range lines {
		if topIdx == -1 {
			if matchesAny(pattern.Top, line) {
				topIdx = i
			}
			continue
		}
		if len(pattern.Bottom) > 0 && matchesAny(pattern.Bottom, line) {
			bottomIdx = i
			break
		}
	}

	if topIdx == -1 {
		return nil
	}

	if len(pattern.Bottom) == 0 {
		for i := len(lines) - 1; i > topIdx; i-- {
			if strings.TrimSpace(lines[i]) != "" {
				bottomIdx = i
				break
			}
		}
	}

	if bottomIdx == -1 || bottomIdx-topIdx < pattern.MinGap {
		return nil
	}

	content := strings.TrimRight(strings.Join(lines[topIdx:bottomIdx+1], "\n"), " \t\n")
	return &InteractiveUIContent{Content: shortenSeparators(content), Name: pattern.Name}
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// ExtractInteractiveContent tries each pattern in order against paneText
// (defaulting to ClaudeUIPatterns) and returns the first match.
func ExtractInteractiveContent(paneText string, patterns []UIPattern) *InteractiveUIContent {
	if strings.TrimSpace(paneText) == "" {
		return nil
	}
	if patterns == nil {
		patterns = ClaudeUIPatterns
	}
	lines := strings.Split(strings.TrimSpace(paneText), "\n")
	for _, pattern := range patterns {
		if result := tryExtract(lines, pattern); result != nil {
			return result
		}
	}
	return nil
}

// IsInteractiveUI reports whether paneText currently shows an interactive
// UI matching any of ClaudeUIPatterns.
func IsInteractiveUI(paneText string) bool {
	return ExtractInteractiveContent(paneText, nil) != nil
}

// StatusSpinners are the fast-path spinner glyphs Claude Code's status
// line animates through.
var StatusSpinners = map[rune]bool{
	'·': true, '✻': true, '✽': true, '✶': true, '✳': true, '✢': true,
}

const (
	brailleStart = 0x2800
	brailleEnd   = 0x28FF
)

var nonSpinnerRanges = [][2]rune{{0x2500, 0x257F}}

var nonSpinnerChars = map[rune]bool{}

func init() {
	for _, r := range "─│┌┐└┘├┤┬┴┼═║╔╗╚╝╠╣╦╩╬>|·" {
		nonSpinnerChars[r] = true
	}
}

// IsLikelySpinner reports whether r is likely a status-line spinner glyph:
// a known fast-path symbol, a Braille-block character, or an other-symbol
// / math-symbol / other-punctuation Unicode category character not in the
// box-drawing exclusion set.
func IsLikelySpinner(r rune) bool {
	if StatusSpinners[r] {
		return true
	}
	if nonSpinnerChars[r] {
		return false
	}
	for _, rng := range nonSpinnerRanges {
		if r >= rng[0] && r <= rng[1] {
			return false
		}
	}
	if r >= brailleStart && r <= brailleEnd {
		return true
	}
	return unicode.Is(unicode.So, r) || unicode.Is(unicode.Sm, r) || unicode.Is(unicode.Po, r)
}

const minSeparatorWidth = 20
const maxChromeLineLength = 80

func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if utf8.RuneCountInString(trimmed) < minSeparatorWidth {
		return false
	}
	for _, r := range trimmed {
		if r != '─' {
			return false
		}
	}
	return true
}

// ParseStatusLine extracts the status text above the bottom chrome
// separator. paneRows, when > 0, limits the separator scan to the bottom
// 40% of the screen (minimum 16 lines) as an optimization.
func ParseStatusLine(paneText string, paneRows int) string {
	if strings.TrimSpace(paneText) == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(paneText), "\n")

	scanStart := 0
	if paneRows > 0 {
		scanLimit := int(float64(paneRows) * 0.4)
		if scanLimit < 16 {
			scanLimit = 16
		}
		scanStart = len(lines) - scanLimit
		if scanStart < 0 {
			scanStart = 0
		}
	}

	for i := len(lines) - 1; i >= scanStart; i-- {
		if !isSeparator(lines[i]) {
			continue
		}
		for _, offset := range []int{1, 2} {
			j := i - offset
			if j < scanStart {
				break
			}
			candidate := strings.TrimSpace(lines[j])
			if candidate == "" {
				continue
			}
			runes := []rune(candidate)
			if IsLikelySpinner(runes[0]) {
				return strings.TrimSpace(string(runes[1:]))
			}
			break
		}
	}
	return ""
}

// statusKeywords maps a substring to a short display label. First match
// wins; checked against the first word, then the full string.
var statusKeywords = []struct {
	keyword string
	label   string
}{
	{"think", "…thinking"}, {"reason", "…thinking"},
	{"test", "…testing"},
	{"read", "…reading"},
	{"edit", "…editing"},
	{"writ", "…writing"},
	{"search", "…searching"}, {"grep", "…searching"}, {"glob", "…searching"},
	{"install", "…installing"},
	{"runn", "…running"}, {"bash", "…running"}, {"execut", "…running"},
	{"compil", "…building"}, {"build", "…building"},
	{"lint", "…linting"},
	{"format", "…formatting"},
	{"deploy", "…deploying"},
	{"fetch", "…fetching"},
	{"download", "…downloading"},
	{"upload", "…uploading"},
	{"commit", "…committing"},
	{"push", "…pushing"},
	{"pull", "…pulling"},
	{"clone", "…cloning"},
	{"debug", "…debugging"},
	{"delet", "…deleting"},
	{"creat", "…creating"},
	{"check", "…checking"},
	{"updat", "…updating"},
	{"analyz", "…analyzing"}, {"analys", "…analyzing"},
	{"pars", "…parsing"},
	{"verif", "…verifying"},
}

// FormatStatusDisplay converts a raw status string into a short label for
// Telegram display, e.g. "Writing tests…" -> "…writing".
func FormatStatusDisplay(raw string) string {
	lower := strings.ToLower(raw)
	firstWord := lower
	if idx := strings.IndexAny(lower, " \t"); idx >= 0 {
		firstWord = lower[:idx]
	}
	for _, kw := range statusKeywords {
		if strings.Contains(firstWord, kw.keyword) {
			return kw.label
		}
	}
	for _, kw := range statusKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.label
		}
	}
	return "…working"
}

// FindChromeBoundary returns the line index of the topmost separator of
// Claude Code's bottom chrome block (prompt + status bar), or -1 if none
// is found.
func FindChromeBoundary(lines []string) int {
	if len(lines) == 0 {
		return -1
	}

	var separatorIndices []int
	for i := len(lines) - 1; i >= 0; i-- {
		if isSeparator(lines[i]) {
			separatorIndices = append(separatorIndices, i)
		}
	}
	if len(separatorIndices) == 0 {
		return -1
	}

	boundary := separatorIndices[0]
	for _, idx := range separatorIndices[1:] {
		gapIsChrome := true
		for j := idx + 1; j < boundary; j++ {
			line := strings.TrimSpace(lines[j])
			if line == "" {
				continue
			}
			if len([]rune(line)) > maxChromeLineLength {
				gapIsChrome = false
				break
			}
		}
		if gapIsChrome {
			boundary = idx
		} else {
			break
		}
	}
	return boundary
}

// StripPaneChrome removes Claude Code's bottom chrome (prompt + status
// bar) from a captured pane's lines.
func StripPaneChrome(lines []string) []string {
	boundary := FindChromeBoundary(lines)
	if boundary < 0 {
		return lines
	}
	return lines[:boundary]
}

// ExtractBashOutput finds the "! <command>" echo line (searching from the
// bottom, matching on the first 10 bytes of command to tolerate
// truncation) and returns that line plus everything below it, with
// trailing blank lines stripped. Returns "" if the echo line isn't found.
func ExtractBashOutput(paneText, command string) string {
	lines := StripPaneChrome(strings.Split(paneText, "\n"))

	prefix := command
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}

	cmdIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		stripped := strings.TrimSpace(lines[i])
		if strings.HasPrefix(stripped, "! "+prefix) || strings.HasPrefix(stripped, "!"+prefix) {
			cmdIdx = i
			break
		}
	}
	if cmdIdx == -1 {
		return ""
	}

	output := lines[cmdIdx:]
	for len(output) > 0 && strings.TrimSpace(output[len(output)-1]) == "" {
		output = output[:len(output)-1]
	}
	if len(output) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(output, "\n"))
}
