package guardrail

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// entityPatterns match organisation names in free text: legal-suffix forms,
// quoted names and bulleted list entries
var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`([A-Z][a-zA-Z0-9&\-'.]*(?: [A-Z][a-zA-Z0-9&\-'.]*){0,4} (?:Inc|Corp|Corporation|LLC|Ltd|Limited|Co|Company|Group|Holdings|Industries|Technologies|Partners|Solutions|International|Systems|Services|Bank|Insurance|Capital|AG|GmbH|SA|SARL))\.?`),
	regexp.MustCompile(`"([A-Z][^"\n]{2,})"`),
	regexp.MustCompile(`(?m)^(?:\d+\.|[-*•])\s+([A-Z][A-Za-z0-9&\-'. ]{2,})$`),
}

// EntityCount rejects outputs naming fewer than MinCount distinct entities
type EntityCount struct {
	MinCount int
}

func (g *EntityCount) Validate(_ context.Context, output Output) Result {
	text := output.Normalize()
	if strings.TrimSpace(text) == "" {
		return reject("No content found in the output. Provide a list of at least %d distinct entities.", g.MinCount)
	}

	entities := extractEntities(text)
	count := len(entities)

	log.Debug().
		Int("found", count).
		Int("minimum", g.MinCount).
		Msg("Entity count guardrail evaluated")

	if count >= g.MinCount {
		return accept()
	}
	return reject(
		"Your response only includes %d entities, but at least %d are required. "+
			"Try again and list more entries, one per line, each with its full legal name.",
		count, g.MinCount)
}

func extractEntities(text string) []string {
	seen := make(map[string]bool)
	var entities []string
	for _, pattern := range entityPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(match[1])
			key := strings.ToLower(name)
			if len(name) >= 3 && !seen[key] {
				seen[key] = true
				entities = append(entities, name)
			}
		}
	}
	return entities
}
