package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is the outcome of a single validation attempt. It is transient: results
// feed the retry loop and are never persisted.
type Result struct {
	Valid    bool   `json:"valid"`
	Feedback string `json:"feedback"`
}

func accept() Result {
	return Result{Valid: true}
}

func reject(format string, args ...any) Result {
	return Result{Valid: false, Feedback: fmt.Sprintf(format, args...)}
}

// Guardrail validates a task's raw output. Implementations never return an
// error: an internal failure produces an invalid Result carrying a diagnostic,
// so a misbehaving guardrail can never crash the execution.
type Guardrail interface {
	Validate(ctx context.Context, output Output) Result
}

// CountSource is the external record source consulted by count-based guardrails
type CountSource interface {
	CountTotal(ctx context.Context) (int, error)
	CountUnprocessed(ctx context.Context) (int, error)
	CreateIfMissing(ctx context.Context) error
}

type outputKind int

const (
	outputText outputKind = iota
	outputStructured
	outputOpaque
)

// Output is the task output under validation, as a tagged union over the shapes
// the engine may hand back: plain text, a structured document, or opaque bytes.
type Output struct {
	kind       outputKind
	text       string
	structured map[string]any
	opaque     []byte
}

func Text(s string) Output {
	return Output{kind: outputText, text: s}
}

func Structured(m map[string]any) Output {
	return Output{kind: outputStructured, structured: m}
}

func Opaque(b []byte) Output {
	return Output{kind: outputOpaque, opaque: b}
}

// FromRaw builds an Output from raw engine bytes, preferring the structured view
// when the payload parses as a JSON object
func FromRaw(raw []byte) Output {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return Structured(m)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Text(s)
	}
	return Opaque(raw)
}

// textFields are the structured keys recognised as holding the primary content,
// probed in order
var textFields = []string{"content", "raw_output", "output", "text", "result", "response"}

// Normalize coerces the output into a single text view. Structured outputs yield
// their first recognised text field; when none is found, the whole document is
// rendered as JSON so downstream predicates always have something to inspect.
func (o Output) Normalize() string {
	switch o.kind {
	case outputText:
		return o.text
	case outputStructured:
		for _, field := range textFields {
			if v, ok := o.structured[field]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		encoded, err := json.Marshal(o.structured)
		if err != nil {
			return fmt.Sprint(o.structured)
		}
		return string(encoded)
	default:
		return string(o.opaque)
	}
}

// Field returns the named value of a structured output. Text and opaque outputs
// are decoded on the fly so that a JSON string payload still resolves fields.
func (o Output) Field(name string) (any, bool) {
	doc := o.structured
	if o.kind != outputStructured {
		if err := json.Unmarshal([]byte(o.Normalize()), &doc); err != nil {
			return nil, false
		}
	}
	v, ok := doc[name]
	return v, ok
}
