// Package screenbuffer implements a small VT100 terminal emulator that
// turns a raw tmux pane capture (with ANSI/CSI escape sequences) into a
// clean rendered line grid, for consumption by internal/termparser.
//
// It supports exactly what status/UI detection needs: cursor movement,
// SGR (consumed, not rendered — colors don't matter for text matching),
// erase-in-line/display, and basic line wrapping. It does not support
// mouse reporting, scrollback, or sixel graphics — spec.md §4.1 scopes
// those out explicitly.
package screenbuffer

import "strconv"

const minSeparatorWidth = 20

// Buffer is a fixed-size virtual terminal screen.
type Buffer struct {
	cols, rows int
	grid       [][]rune
	cursorRow  int
	cursorCol  int
}

// New creates a Buffer with the given dimensions (default 200x50 is the
// caller's responsibility; tests commonly use smaller grids).
func New(cols, rows int) *Buffer {
	b := &Buffer{cols: cols, rows: rows}
	b.Reset()
	return b
}

// Columns returns the screen width.
func (b *Buffer) Columns() int { return b.cols }

// Rows returns the screen height.
func (b *Buffer) Rows() int { return b.rows }

// CursorRow returns the cursor's current row (0-indexed).
func (b *Buffer) CursorRow() int { return b.cursorRow }

// Reset clears all screen state for reuse.
func (b *Buffer) Reset() {
	b.grid = make([][]rune, b.rows)
	for i := range b.grid {
		b.grid[i] = make([]rune, b.cols)
		for j := range b.grid[i] {
			b.grid[i][j] = ' '
		}
	}
	b.cursorRow = 0
	b.cursorCol = 0
}

// Feed accumulates a raw terminal capture containing ANSI/CSI sequences.
func (b *Buffer) Feed(raw []byte) {
	runes := []rune(string(raw))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\x1b':
			consumed := b.handleEscape(runes[i+1:])
			i += consumed
		case '\r':
			b.cursorCol = 0
		case '\n':
			b.newline()
		case '\b':
			if b.cursorCol > 0 {
				b.cursorCol--
			}
		case '\t':
			next := ((b.cursorCol / 8) + 1) * 8
			for b.cursorCol < next && b.cursorCol < b.cols {
				b.cursorCol++
			}
		default:
			b.put(r)
		}
	}
}

func (b *Buffer) put(r rune) {
	if r < 0x20 {
		return
	}
	if b.cursorCol >= b.cols {
		b.newline()
	}
	b.grid[b.cursorRow][b.cursorCol] = r
	b.cursorCol++
}

func (b *Buffer) newline() {
	b.cursorCol = 0
	if b.cursorRow == b.rows-1 {
		copy(b.grid, b.grid[1:])
		last := make([]rune, b.cols)
		for i := range last {
			last[i] = ' '
		}
		b.grid[b.rows-1] = last
		return
	}
	b.cursorRow++
}

// handleEscape parses one escape sequence starting right after the ESC
// byte and returns how many runes of the input it consumed.
func (b *Buffer) handleEscape(rest []rune) int {
	if len(rest) == 0 {
		return 0
	}
	if rest[0] != '[' {
		// Non-CSI escape (e.g. DEC save/restore cursor) — consume just
		// the introducer, content has no rendering effect we track.
		return 1
	}
	// CSI sequence: ESC [ params... final
	i := 1
	start := i
	for i < len(rest) && !isFinalByte(rest[i]) {
		i++
	}
	if i >= len(rest) {
		return len(rest) // malformed/truncated, consume the rest
	}
	params := string(rest[start:i])
	final := rest[i]
	b.applyCSI(params, final)
	return i + 1
}

func isFinalByte(r rune) bool {
	return r >= 0x40 && r <= 0x7e
}

func (b *Buffer) applyCSI(params string, final rune) {
	args := parseParams(params)
	arg := func(idx int, def int) int {
		if idx < len(args) && args[idx] > 0 {
			return args[idx]
		}
		if idx < len(args) {
			return def
		}
		return def
	}

	switch final {
	case 'A': // cursor up
		b.cursorRow = clamp(b.cursorRow-arg(0, 1), 0, b.rows-1)
	case 'B': // cursor down
		b.cursorRow = clamp(b.cursorRow+arg(0, 1), 0, b.rows-1)
	case 'C': // cursor forward
		b.cursorCol = clamp(b.cursorCol+arg(0, 1), 0, b.cols-1)
	case 'D': // cursor back
		b.cursorCol = clamp(b.cursorCol-arg(0, 1), 0, b.cols-1)
	case 'E': // cursor next line
		b.cursorRow = clamp(b.cursorRow+arg(0, 1), 0, b.rows-1)
		b.cursorCol = 0
	case 'F': // cursor previous line
		b.cursorRow = clamp(b.cursorRow-arg(0, 1), 0, b.rows-1)
		b.cursorCol = 0
	case 'G': // cursor horizontal absolute
		b.cursorCol = clamp(arg(0, 1)-1, 0, b.cols-1)
	case 'H', 'f': // cursor position
		row := 1
		col := 1
		if len(args) > 0 && args[0] > 0 {
			row = args[0]
		}
		if len(args) > 1 && args[1] > 0 {
			col = args[1]
		}
		b.cursorRow = clamp(row-1, 0, b.rows-1)
		b.cursorCol = clamp(col-1, 0, b.cols-1)
	case 'J': // erase in display
		b.eraseDisplay(arg(0, 0))
	case 'K': // erase in line
		b.eraseLine(arg(0, 0))
	case 'm': // SGR — consumed, not rendered
	default:
		// Unhandled CSI finals (scroll region, mode toggles, etc.) are
		// no-ops: they don't affect the text content we parse.
	}
}

func (b *Buffer) eraseLine(mode int) {
	row := b.grid[b.cursorRow]
	switch mode {
	case 0:
		for i := b.cursorCol; i < b.cols; i++ {
			row[i] = ' '
		}
	case 1:
		for i := 0; i <= b.cursorCol && i < b.cols; i++ {
			row[i] = ' '
		}
	case 2:
		for i := range row {
			row[i] = ' '
		}
	}
}

func (b *Buffer) eraseDisplay(mode int) {
	switch mode {
	case 0:
		b.eraseLine(0)
		for r := b.cursorRow + 1; r < b.rows; r++ {
			clearRow(b.grid[r])
		}
	case 1:
		b.eraseLine(1)
		for r := 0; r < b.cursorRow; r++ {
			clearRow(b.grid[r])
		}
	case 2, 3:
		for r := range b.grid {
			clearRow(b.grid[r])
		}
	}
}

func clearRow(row []rune) {
	for i := range row {
		row[i] = ' '
	}
}

func parseParams(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	cur := ""
	flush := func() {
		if cur == "" {
			out = append(out, 0)
			return
		}
		n, err := strconv.Atoi(cur)
		if err != nil {
			n = 0
		}
		out = append(out, n)
		cur = ""
	}
	for _, r := range s {
		if r == ';' {
			flush()
			continue
		}
		if r >= '0' && r <= '9' {
			cur += string(r)
		}
	}
	flush()
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Display returns the rendered lines with trailing spaces stripped.
func (b *Buffer) Display() []string {
	lines := make([]string, b.rows)
	for i, row := range b.grid {
		lines[i] = trimTrailingSpace(row)
	}
	return lines
}

func trimTrailingSpace(row []rune) string {
	end := len(row)
	for end > 0 && row[end-1] == ' ' {
		end--
	}
	return string(row[:end])
}

// FindSeparatorRows returns row indices whose content is a run of at
// least minSeparatorWidth "─" characters.
func (b *Buffer) FindSeparatorRows() []int {
	var rows []int
	for i, line := range b.Display() {
		if isSeparatorLine(line) {
			rows = append(rows, i)
		}
	}
	return rows
}

func isSeparatorLine(line string) bool {
	trimmed := trimSpaces(line)
	if len([]rune(trimmed)) < minSeparatorWidth {
		return false
	}
	for _, r := range trimmed {
		if r != '─' {
			return false
		}
	}
	return true
}

func trimSpaces(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
