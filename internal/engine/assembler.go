package engine

import (
	"sort"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Assembler reassembles fragmented tool-call deltas into whole tool calls.
// Deltas are keyed by index; the whole shape is produced only at iteration
// end. One Assembler serves one iteration.
type Assembler struct {
	partials map[int]*partialCall
}

type partialCall struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

// NewAssembler returns an empty assembler for one iteration.
func NewAssembler() *Assembler {
	return &Assembler{partials: make(map[int]*partialCall)}
}

// Feed folds one streamed delta into the assembly state. Deltas without an
// index are ignored; providers that fragment calls always key them.
func (a *Assembler) Feed(deltas []models.ToolCallDelta) {
	for _, d := range deltas {
		if d.Index == nil {
			continue
		}
		p, ok := a.partials[*d.Index]
		if !ok {
			p = &partialCall{}
			a.partials[*d.Index] = p
		}
		// The id is adopted once; later fragments repeat or omit it.
		if d.ID != "" && p.id == "" {
			p.id = d.ID
		}
		if d.Type != "" {
			p.typ = d.Type
		}
		if d.Function.Name != "" {
			p.name = d.Function.Name
		}
		p.args.WriteString(d.Function.Arguments)
	}
}

// Pending reports whether any partial calls are buffered.
func (a *Assembler) Pending() bool {
	return len(a.partials) > 0
}

// Finish materialises whole tool calls sorted by index. Empty arguments are
// normalised to "{}". Partials missing an id or a name are dropped and
// returned separately so the caller can surface a malformed_tool_call.
func (a *Assembler) Finish() (calls []models.ToolCall, malformed []int) {
	indexes := make([]int, 0, len(a.partials))
	for idx := range a.partials {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		p := a.partials[idx]
		if p.id == "" || p.name == "" {
			malformed = append(malformed, idx)
			continue
		}
		args := p.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		typ := p.typ
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, models.ToolCall{
			ID:    p.id,
			Index: idx,
			Type:  typ,
			Function: models.FunctionCall{
				Name:      p.name,
				Arguments: args,
			},
		})
	}
	return calls, malformed
}

// Reset clears the assembly state for the next iteration.
func (a *Assembler) Reset() {
	a.partials = make(map[int]*partialCall)
}
