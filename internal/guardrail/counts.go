package guardrail

import (
	"context"

	"github.com/rs/zerolog/log"
)

// countWithRetry reads a count from the source. When the read fails it makes
// sure the underlying resource exists and retries exactly once.
func countWithRetry(ctx context.Context, source CountSource, read func(context.Context) (int, error)) (int, error) {
	count, err := read(ctx)
	if err == nil {
		return count, nil
	}

	log.Warn().Err(err).Msg("Count source read failed, creating resource and retrying")
	if createErr := source.CreateIfMissing(ctx); createErr != nil {
		return 0, createErr
	}
	return read(ctx)
}

// RecordCount rejects when the count source holds fewer than MinCount records
type RecordCount struct {
	Source   CountSource
	MinCount int
}

func (g *RecordCount) Validate(ctx context.Context, _ Output) Result {
	count, err := countWithRetry(ctx, g.Source, g.Source.CountTotal)
	if err != nil {
		return reject("Could not verify record count: %v", err)
	}

	if count >= g.MinCount {
		return accept()
	}
	return reject("Only %d records are present, but at least %d are required. Produce the missing records before finishing.", count, g.MinCount)
}

// RecordsProcessed rejects while unprocessed records remain in the count source
type RecordsProcessed struct {
	Source CountSource
}

func (g *RecordsProcessed) Validate(ctx context.Context, _ Output) Result {
	total, err := countWithRetry(ctx, g.Source, g.Source.CountTotal)
	if err != nil {
		return reject("Could not verify processing status: %v", err)
	}
	if total == 0 {
		return reject("No records found to process. Populate the record source first.")
	}

	unprocessed, err := countWithRetry(ctx, g.Source, g.Source.CountUnprocessed)
	if err != nil {
		return reject("Could not verify processing status: %v", err)
	}

	if unprocessed == 0 {
		return accept()
	}
	return reject("%d of %d records are still unprocessed. Process every remaining record and try again.", unprocessed, total)
}

// EmptyRecords accepts only when the count source holds no records at all
type EmptyRecords struct {
	Source CountSource
}

func (g *EmptyRecords) Validate(ctx context.Context, _ Output) Result {
	count, err := countWithRetry(ctx, g.Source, g.Source.CountTotal)
	if err != nil {
		return reject("Could not verify record count: %v", err)
	}

	if count == 0 {
		return accept()
	}
	return reject("The record source still holds %d records but must be empty. Clear the remaining records and try again.", count)
}
