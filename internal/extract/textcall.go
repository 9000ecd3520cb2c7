// Package extract turns model output into tool calls. Text-convention
// providers embed calls in prose as
//
//	TOOL: name PARAMS: {"json": "object"}
//
// while structured providers stream index-keyed call fragments.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Marker introduces a tool call in text output.
const Marker = "TOOL:"

const paramsMarker = "PARAMS:"

const fence = "```"

// Call is a complete tool invocation. Start and End are the byte offsets of
// the consumed span in the text it was extracted from, including any
// markdown fence around it.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Start     int             `json:"-"`
	End       int             `json:"-"`
}

type scanStatus int

const (
	scanNone scanStatus = iota
	scanFound
	scanIncomplete
	scanMalformed
)

type scanResult struct {
	status scanStatus
	call   Call
	// marker is the offset of the TOOL: marker and start the offset of the
	// span including an opening fence.
	marker int
	start  int
	fenced bool
	closed bool
	// resume is where scanning may continue after a malformed match.
	resume int
}

// ExtractToolCall returns the first well-formed tool call in text. It
// reports false when there is no call, when the call is still incomplete,
// or when its parameters are not a JSON object.
func ExtractToolCall(text string) (Call, bool) {
	r := scan(text, 0)
	if r.status != scanFound {
		return Call{}, false
	}
	return r.call, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isNameByte(b byte) bool {
	return b == '_' || b == '-' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

// scan looks for the first call at or after from.
func scan(text string, from int) scanResult {
	rel := strings.Index(text[from:], Marker)
	if rel < 0 {
		return scanResult{status: scanNone}
	}
	idx := from + rel
	start, fenced := openingFence(text, idx)
	bad := scanResult{status: scanMalformed, marker: idx, start: start, fenced: fenced, resume: idx + len(Marker)}
	incomplete := scanResult{status: scanIncomplete, marker: idx, start: start, fenced: fenced}

	i := skipSpace(text, idx+len(Marker))
	nameStart := i
	for i < len(text) && isNameByte(text[i]) {
		i++
	}
	name := text[nameStart:i]
	if i == len(text) {
		return incomplete
	}
	if name == "" {
		return bad
	}

	i = skipSpace(text, i)
	rest := text[i:]
	if len(rest) < len(paramsMarker) {
		if strings.HasPrefix(paramsMarker, rest) {
			return incomplete
		}
		return bad
	}
	if !strings.HasPrefix(rest, paramsMarker) {
		return bad
	}
	i = skipSpace(text, i+len(paramsMarker))
	if i == len(text) {
		return incomplete
	}
	if text[i] != '{' {
		return bad
	}

	end, ok := balance(text, i)
	if !ok {
		return incomplete
	}
	raw := text[i:end]

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		bad.resume = end
		return bad
	}

	closed := false
	if fenced {
		if e := closingFence(text, end); e != end {
			end, closed = e, true
		}
	}
	return scanResult{
		status: scanFound,
		marker: idx,
		start:  start,
		fenced: fenced,
		closed: closed,
		call: Call{
			ID:        newCallID(),
			Name:      name,
			Arguments: json.RawMessage(raw),
			Start:     start,
			End:       end,
		},
	}
}

// balance scans from the opening brace at i and returns the offset just
// past its matching closing brace. Braces inside string literals, including
// strings with escaped quotes, are ignored.
func balance(text string, i int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for ; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// openingFence reports whether the marker at idx sits right after a
// markdown fence line such as "```json", returning the fence offset.
func openingFence(text string, idx int) (int, bool) {
	j := idx
	for j > 0 && isSpace(text[j-1]) {
		j--
	}
	for j > 0 && isNameByte(text[j-1]) {
		j--
	}
	if j >= len(fence) && text[j-len(fence):j] == fence {
		return j - len(fence), true
	}
	return idx, false
}

// closingFence extends end over a fence that follows the call.
func closingFence(text string, end int) int {
	j := skipSpace(text, end)
	if strings.HasPrefix(text[j:], fence) {
		return j + len(fence)
	}
	return end
}

// newCallID returns an id in the shape providers use for tool calls.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
