package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// MinimumNumber rejects outputs whose numeric field does not exceed MinValue.
// The value is read from the structured document first; plain-text outputs
// still pass when they mention the field inline, like "total_count: 42".
type MinimumNumber struct {
	Field    string
	MinValue float64
	Message  string
}

func (g *MinimumNumber) Validate(_ context.Context, output Output) Result {
	value, ok := g.extract(output)
	if !ok {
		return reject("No %s found in the output. Include a %s value greater than %v.", g.Field, g.Field, g.MinValue)
	}

	number, err := toNumber(value)
	if err != nil {
		return reject("The %s value %q is not a valid number. Provide a numeric value greater than %v.", g.Field, fmt.Sprint(value), g.MinValue)
	}

	if number > g.MinValue {
		return accept()
	}
	if g.Message != "" {
		return Result{Valid: false, Feedback: g.Message}
	}
	return reject("The output should contain a %q value greater than %v.", g.Field, g.MinValue)
}

func (g *MinimumNumber) extract(output Output) (any, bool) {
	if value, ok := output.Field(g.Field); ok && value != nil {
		return value, true
	}

	pattern, err := regexp.Compile(`(?i)["']?` + regexp.QuoteMeta(g.Field) + `["']?\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)`)
	if err != nil {
		return nil, false
	}
	if match := pattern.FindStringSubmatch(output.Normalize()); match != nil {
		return match[1], true
	}
	return nil, false
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
}
