package extract

import "strings"

// Logger is the logging surface used by the extractors.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// TextBuffer accumulates streamed text, pulls complete tool calls out of it
// and releases the prose around them. Text that may still turn into a call,
// such as a partial marker or an opening fence, is held back.
type TextBuffer struct {
	buf        string
	afterFence bool
	log        Logger
}

// NewTextBuffer creates an empty TextBuffer.
func NewTextBuffer(log Logger) *TextBuffer {
	return &TextBuffer{log: log}
}

// Write appends chunk and returns the prose that is safe to forward and the
// calls completed by it, in order.
func (b *TextBuffer) Write(chunk string) (string, []Call) {
	b.buf += chunk
	var prose strings.Builder
	var calls []Call

	for {
		if b.afterFence {
			trimmed := strings.TrimLeft(b.buf, " \t\r\n")
			switch {
			case strings.HasPrefix(trimmed, fence):
				b.buf = trimmed[len(fence):]
				b.afterFence = false
			case strings.HasPrefix(fence, trimmed):
				// closing fence may still be arriving
				return prose.String(), calls
			default:
				b.afterFence = false
			}
		}

		r := scan(b.buf, 0)
		switch r.status {
		case scanFound:
			prose.WriteString(b.buf[:r.call.Start])
			calls = append(calls, r.call)
			b.buf = b.buf[r.call.End:]
			b.afterFence = r.fenced && !r.closed
			continue
		case scanIncomplete:
			prose.WriteString(b.buf[:r.start])
			b.buf = b.buf[r.start:]
			return prose.String(), calls
		case scanMalformed:
			b.log.Debug("dropping malformed tool call", "text", truncate(b.buf[r.marker:r.resume], 200))
			prose.WriteString(b.buf[:r.start])
			b.buf = b.buf[r.resume:]
			b.afterFence = r.fenced
			continue
		}

		// no marker: keep a tail that could begin one
		keep := heldTail(b.buf)
		prose.WriteString(b.buf[:len(b.buf)-keep])
		b.buf = b.buf[len(b.buf)-keep:]
		return prose.String(), calls
	}
}

// Flush returns the remaining prose at end of stream. An unfinished call is
// dropped.
func (b *TextBuffer) Flush() string {
	rest := b.buf
	b.buf = ""
	if b.afterFence {
		b.afterFence = false
		rest = strings.TrimLeft(rest, " \t\r\n")
		rest = strings.TrimPrefix(rest, fence)
	}
	if idx := strings.Index(rest, Marker); idx >= 0 {
		start, _ := openingFence(rest, idx)
		b.log.Warn("dropping incomplete tool call at end of output", "text", truncate(rest[idx:], 200))
		rest = rest[:start]
	}
	return rest
}

// heldTail returns how many trailing bytes of s could be the start of a
// call: a partial marker, or an opening fence with optional language tag.
func heldTail(s string) int {
	for n := len(Marker) - 1; n > 0; n-- {
		if n <= len(s) && strings.HasSuffix(s, Marker[:n]) {
			return n + fenceBefore(s, len(s)-n)
		}
	}
	return fenceBefore(s, len(s))
}

// fenceBefore returns the length of an opening fence (plus language tag and
// whitespace) ending at offset end, or zero.
func fenceBefore(s string, end int) int {
	j := end
	for j > 0 && isSpace(s[j-1]) {
		j--
	}
	for j > 0 && isNameByte(s[j-1]) {
		j--
	}
	// backticks of a fence that is still being written
	k := j
	for k > 0 && s[k-1] == '`' && j-k < len(fence) {
		k--
	}
	if k == j {
		return 0
	}
	if j-k < len(fence) && (j != end) {
		return 0
	}
	return end - k
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
