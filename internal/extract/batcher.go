package extract

import "strings"

// DefaultBatchSize is the length at which a Batcher flushes without waiting
// for a sentence boundary.
const DefaultBatchSize = 80

// Batcher groups text deltas so the client receives sentences or lines
// rather than single tokens.
type Batcher struct {
	buf       strings.Builder
	threshold int
	emit      func(string)
}

// NewBatcher returns a Batcher that passes each batch to emit. A threshold
// of zero or less selects DefaultBatchSize.
func NewBatcher(threshold int, emit func(string)) *Batcher {
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	return &Batcher{threshold: threshold, emit: emit}
}

// Add buffers s and flushes when the buffer ends a sentence, contains a
// newline or has reached the threshold.
func (b *Batcher) Add(s string) {
	if s == "" {
		return
	}
	b.buf.WriteString(s)
	text := b.buf.String()
	trimmed := strings.TrimRight(text, " \t")
	switch {
	case strings.Contains(s, "\n"),
		strings.HasSuffix(trimmed, "."), strings.HasSuffix(trimmed, "!"), strings.HasSuffix(trimmed, "?"),
		len(text) >= b.threshold:
		b.Flush()
	}
}

// Flush emits whatever is buffered.
func (b *Batcher) Flush() {
	if b.buf.Len() == 0 {
		return
	}
	text := b.buf.String()
	b.buf.Reset()
	b.emit(text)
}
