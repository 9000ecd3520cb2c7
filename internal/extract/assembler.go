package extract

import (
	"encoding/json"
	"sort"
	"strings"
)

// Fragment is one piece of a streamed tool call. Providers key fragments by
// Index; ID and Name usually arrive with the first fragment only.
type Fragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type pending struct {
	id   string
	name string
	args strings.Builder
}

// Assembler merges streamed fragments into complete calls. It is not safe
// for concurrent use; one Assembler serves one model turn.
type Assembler struct {
	calls map[int]*pending
	log   Logger
}

// NewAssembler creates an empty Assembler.
func NewAssembler(log Logger) *Assembler {
	return &Assembler{calls: make(map[int]*pending), log: log}
}

// Add merges fragments into the records they belong to.
func (a *Assembler) Add(frags ...Fragment) {
	for _, f := range frags {
		p, ok := a.calls[f.Index]
		if !ok {
			p = &pending{}
			a.calls[f.Index] = p
		}
		if p.id == "" && f.ID != "" {
			p.id = f.ID
		}
		if p.name == "" && f.Name != "" {
			p.name = f.Name
		}
		p.args.WriteString(f.Arguments)
	}
}

// Len reports how many calls are in progress.
func (a *Assembler) Len() int { return len(a.calls) }

// Finalize returns the assembled calls ordered by index and resets the
// Assembler. Calls without a name or whose arguments are not a JSON object
// were cut off and are dropped.
func (a *Assembler) Finalize() []Call {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]Call, 0, len(indexes))
	for _, i := range indexes {
		p := a.calls[i]
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		var obj map[string]any
		if p.name == "" || json.Unmarshal([]byte(args), &obj) != nil {
			a.log.Warn("dropping incomplete tool call", "index", i, "name", p.name, "arguments", truncate(args, 200))
			continue
		}
		id := p.id
		if id == "" {
			id = newCallID()
		}
		out = append(out, Call{ID: id, Name: p.name, Arguments: json.RawMessage(args)})
	}
	a.calls = make(map[int]*pending)
	return out
}
