package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricmars/visualization-sub001/internal/logging"
)

func TestExtractToolCallBalancesBraces(t *testing.T) {
	args := `{"caseId": 1, "fields": [{"name": "note", "label": "a {weird} \"quoted }\" label", "options": ["{", "}}"]}]}`
	text := "I'll add the field now. TOOL: saveFields PARAMS: " + args + " and then more {text}."

	call, ok := ExtractToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "saveFields", call.Name)
	assert.JSONEq(t, args, string(call.Arguments))
	assert.Equal(t, args, string(call.Arguments))
	assert.Equal(t, " and then more {text}.", text[call.End:])
	assert.Equal(t, "I'll add the field now. ", text[:call.Start])
	assert.True(t, strings.HasPrefix(call.ID, "call_"))
	assert.Len(t, call.ID, len("call_")+24)
}

func TestExtractToolCallNoCall(t *testing.T) {
	cases := map[string]string{
		"plain prose":     "Nothing to do here.",
		"incomplete":      `TOOL: saveFields PARAMS: {"caseId": 1, "fields": [`,
		"open string":     `TOOL: saveFields PARAMS: {"caseId": "}`,
		"invalid json":    `TOOL: saveFields PARAMS: {"caseId": }`,
		"no params":       `TOOL: saveFields {"caseId": 1}`,
		"no name":         `TOOL: PARAMS: {"caseId": 1}`,
		"not an object":   `TOOL: saveFields PARAMS: [1, 2]`,
		"marker only":     "TOOL:",
		"partial params":  "TOOL: saveFields PAR",
		"escaped closing": `TOOL: createCase PARAMS: {"name": "x\"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := ExtractToolCall(text)
			assert.False(t, ok)
		})
	}
}

func TestExtractToolCallStripsFence(t *testing.T) {
	text := "Sure.\n```json\nTOOL: createCase PARAMS: {\"name\": \"Onboarding\"}\n```\nDone."
	call, ok := ExtractToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "createCase", call.Name)
	assert.Equal(t, "Sure.\n", text[:call.Start])
	assert.Equal(t, "\nDone.", text[call.End:])
}

func TestSequentialCalls(t *testing.T) {
	text := `TOOL: saveFields PARAMS: {"caseId": 1, "fields": [{"name": "a", "type": "Text"}]}
Now the second batch.
TOOL: saveFields PARAMS: {"caseId": 1, "fields": [{"name": "b", "type": "Email"}]}`

	first, ok := ExtractToolCall(text)
	require.True(t, ok)
	assert.Contains(t, string(first.Arguments), `"a"`)

	rest := text[first.End:]
	second, ok := ExtractToolCall(rest)
	require.True(t, ok)
	assert.Equal(t, "saveFields", second.Name)
	assert.Contains(t, string(second.Arguments), `"b"`)
	assert.NotEqual(t, first.ID, second.ID)

	_, ok = ExtractToolCall(rest[second.End:])
	assert.False(t, ok)

	prose, calls := NewTextBuffer(logging.Nop()).Write(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "\nNow the second batch.\n", prose)
}

type feedResult struct {
	prose string
	names []string
	args  []string
}

func feed(chunks []string) feedResult {
	b := NewTextBuffer(logging.Nop())
	var out feedResult
	var prose strings.Builder
	for _, c := range chunks {
		p, calls := b.Write(c)
		prose.WriteString(p)
		for _, call := range calls {
			out.names = append(out.names, call.Name)
			out.args = append(out.args, string(call.Arguments))
		}
	}
	prose.WriteString(b.Flush())
	out.prose = prose.String()
	return out
}

func split(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}

func TestTextBufferIncrementalEquivalence(t *testing.T) {
	texts := []string{
		"Intro. TOOL: saveFields PARAMS: {\"caseId\": 1, \"fields\": [{\"name\": \"a\", \"label\": \"}{\\\"\"}]}\nAfter.",
		"Sure.\n```json\nTOOL: createCase PARAMS: {\"name\": \"Onboarding\"}\n```\nDone.",
		"```\nTOOL: getCase PARAMS: {\"caseId\": 7}\n```TOOL: listViews PARAMS: {\"caseId\": 7}",
		"Use `code` and T-shirts. TOOL: listCases PARAMS: {} ok",
	}
	for _, text := range texts {
		whole := feed([]string{text})
		require.NotEmpty(t, whole.names, text)
		for size := 1; size <= len(text); size++ {
			got := feed(split(text, size))
			require.Equal(t, whole, got, "chunk size %d of %q", size, text)
		}
	}
}

func TestTextBufferHoldsPartialMarker(t *testing.T) {
	b := NewTextBuffer(logging.Nop())

	prose, calls := b.Write("Working on it TO")
	assert.Equal(t, "Working on it ", prose)
	assert.Empty(t, calls)

	prose, calls = b.Write("OL: createCase PARAMS: {\"name\": \"X\"")
	assert.Empty(t, prose)
	assert.Empty(t, calls)

	prose, calls = b.Write("} done")
	assert.Equal(t, " done", prose)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"name": "X"}`, string(calls[0].Arguments))

	assert.Empty(t, b.Flush())
}

func TestTextBufferDropsBadCalls(t *testing.T) {
	b := NewTextBuffer(logging.Nop())
	prose, calls := b.Write(`before TOOL: x PARAMS: {"a": } after`)
	assert.Empty(t, calls)
	assert.Equal(t, "before  after", prose)

	prose, calls = b.Write(` TOOL: saveFields PARAMS: {"caseId": 1`)
	assert.Equal(t, " ", prose)
	assert.Empty(t, calls)
	assert.Empty(t, b.Flush())
}
