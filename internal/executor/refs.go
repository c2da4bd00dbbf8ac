package executor

import (
	"regexp"
	"strconv"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
)

// refPattern matches "$N.field": a reference to the result of the Nth
// prior tool call in the current batch (1-based).
var refPattern = regexp.MustCompile(`^\$(\d+)\.([A-Za-z_][A-Za-z0-9_]*)$`)

// Batch tracks results of prior calls in one LLM turn so later calls can
// reference them with $N.field. Every executed call records a result, and
// failed calls record an error map, so indices stay aligned with the batch.
type Batch struct {
	results []map[string]any
}

func NewBatch() *Batch {
	return &Batch{}
}

// Record appends one call's result. Call order defines the $N index.
func (b *Batch) Record(result map[string]any) {
	b.results = append(b.results, result)
}

// Len reports how many calls have recorded results.
func (b *Batch) Len() int {
	return len(b.results)
}

func (b *Batch) lookup(index int, field string) (any, bool) {
	if index < 1 || index > len(b.results) {
		return nil, false
	}
	v, ok := b.results[index-1][field]
	return v, ok
}

// resolveRefs deep-copies args and substitutes every $N.field string with
// the referenced result value. The input map is never mutated: the LLM
// conversation history keeps the raw call while the store sees resolved ids.
func resolveRefs(args map[string]any, batch *Batch) (map[string]any, error) {
	resolved, err := resolveValue(args, batch)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return out, nil
}

func resolveValue(v any, batch *Batch) (any, error) {
	switch val := v.(type) {
	case string:
		m := refPattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		index, _ := strconv.Atoi(m[1])
		field := m[2]
		if batch == nil {
			return nil, errkind.New(errkind.Validation, "reference %s used outside a batch", val)
		}
		resolved, ok := batch.lookup(index, field)
		if !ok {
			return nil, errkind.New(errkind.Validation,
				"reference %s does not resolve: %d call(s) have run and field %q must exist on that result", val, batch.Len(), field)
		}
		return resolved, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			r, err := resolveValue(inner, batch)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			r, err := resolveValue(inner, batch)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}
