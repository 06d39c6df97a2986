package guardrail

import (
	"context"
	"strings"
)

// NonNullField rejects outputs whose named field is absent, null or blank
type NonNullField struct {
	Field string
}

func (g *NonNullField) Validate(_ context.Context, output Output) Result {
	value, ok := output.Field(g.Field)
	if !ok || value == nil {
		return reject("The output is missing a value for %q. Include a non-null %q field in every record.", g.Field, g.Field)
	}

	if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
		return reject("The %q field is empty. Fill it with a meaningful value.", g.Field)
	}

	return accept()
}
