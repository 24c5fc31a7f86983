package strategy

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// percentPattern matches progress tokens such as "23.45%" in tool output
var percentPattern = regexp.MustCompile(`(\d+\.\d+)%`)

// ParsePercent extracts the first progress token from line. Lines without a
// token are not progress and report false.
func ParsePercent(line string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// progressWriter consumes tool output, forwarding progress tokens and
// keeping the remaining text as diagnostics. Both '\r' and '\n' end a line
// since progress meters redraw with carriage returns.
type progressWriter struct {
	buf      []byte
	progress ProgressFunc
	tail     *tailBuffer
}

const maxLineBytes = 64 * 1024

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.line(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush processes a trailing unterminated line
func (w *progressWriter) Flush() {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = w.buf[:0]
	}
}

func (w *progressWriter) line(text string) {
	if pct, ok := ParsePercent(text); ok {
		report(w.progress, pct)
		return
	}
	w.tail.Add(text)
}

// tailBuffer keeps the last lines of diagnostic output within a byte budget
type tailBuffer struct {
	limit int
	lines []string
	size  int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if len(line) > t.limit {
		line = line[len(line)-t.limit:]
	}

	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.limit && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
