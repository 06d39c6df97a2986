package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// RecordSource counts rows in the flow.data_record table for the count-based
// guardrails. The table is populated by tasks that extract records during a
// run, so on a fresh database it may not exist yet; CreateIfMissing brings it
// up so counting guardrails can start from zero instead of erroring out.
type RecordSource struct {
	db *sqlx.DB
}

func NewRecordSource(db *sqlx.DB) *RecordSource {
	return &RecordSource{db: db}
}

func (r *RecordSource) CountTotal(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flow.data_record`); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *RecordSource) CountUnprocessed(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flow.data_record WHERE NOT processed`); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *RecordSource) CreateIfMissing(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS flow.data_record
(
    id         BIGSERIAL PRIMARY KEY,
    job_id     TEXT      NOT NULL,
    payload    JSONB     NOT NULL DEFAULT '{}'::JSONB,
    processed  BOOLEAN   NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
)`)
	return err
}
