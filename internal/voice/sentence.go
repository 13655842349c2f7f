package voice

import "strings"

// sentenceBuffer accumulates streamed tokens and flushes complete sentences
// for synthesis. A sentence is complete when the latest token ends with
// terminal punctuation, or when the buffer outgrows max characters (long
// clauses should not stall audio indefinitely).
type sentenceBuffer struct {
	max int
	buf strings.Builder
}

// push appends tok and returns the flushed sentence, or "" when the buffer
// is still accumulating.
func (b *sentenceBuffer) push(tok string) string {
	b.buf.WriteString(tok)
	trimmed := strings.TrimRight(tok, " \t\n")
	if endsSentence(trimmed) || b.buf.Len() >= b.max {
		return b.flush()
	}
	return ""
}

// flush returns the buffered text verbatim and resets the buffer. No
// trimming: the flushed sentences must concatenate back to the exact
// streamed text, inter-sentence spacing included.
func (b *sentenceBuffer) flush() string {
	out := b.buf.String()
	b.buf.Reset()
	return out
}

// endsSentence reports whether s ends with terminal punctuation.
func endsSentence(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
