package guardrail

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Config is the serialized guardrail rule attached to a task spec
type Config struct {
	Type     string  `json:"type"`
	MinCount int     `json:"min_count,omitempty"`
	MinValue float64 `json:"min_value,omitempty"`
	Field    string  `json:"field,omitempty"`
	Message  string  `json:"message,omitempty"`
}

const (
	defaultMinCount     = 50
	defaultMinValue     = 1
	defaultNumericField = "total_count"
)

// New builds a guardrail from its raw rule config. The count source is only
// required by the count-backed variants; passing nil for the others is fine.
func New(raw json.RawMessage, source CountSource) (Guardrail, error) {
	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("could not parse guardrail config: %w", err)
	}

	minCount := config.MinCount
	if minCount <= 0 {
		minCount = defaultMinCount
	}

	switch config.Type {
	case "entity_count":
		return &EntityCount{MinCount: minCount}, nil
	case "record_count":
		if source == nil {
			return nil, fmt.Errorf("guardrail %q requires a count source", config.Type)
		}
		return &RecordCount{Source: source, MinCount: minCount}, nil
	case "records_processed":
		if source == nil {
			return nil, fmt.Errorf("guardrail %q requires a count source", config.Type)
		}
		return &RecordsProcessed{Source: source}, nil
	case "empty_records":
		if source == nil {
			return nil, fmt.Errorf("guardrail %q requires a count source", config.Type)
		}
		return &EmptyRecords{Source: source}, nil
	case "non_null_field":
		if config.Field == "" {
			return nil, fmt.Errorf("guardrail %q requires a field name", config.Type)
		}
		return &NonNullField{Field: config.Field}, nil
	case "minimum_number":
		field := config.Field
		if field == "" {
			field = defaultNumericField
		}
		minValue := config.MinValue
		if minValue == 0 {
			minValue = defaultMinValue
		}
		return &MinimumNumber{Field: field, MinValue: minValue, Message: config.Message}, nil
	case "":
		return nil, fmt.Errorf("no guardrail type specified")
	default:
		log.Error().Str("type", config.Type).Msg("Unknown guardrail type")
		return nil, fmt.Errorf("unknown guardrail type: %s", config.Type)
	}
}
