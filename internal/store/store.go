// Package store writes rejected recipients to Postgres.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mutter0815/campaign-dispatch/internal/sink"
)

type Store struct {
	DB *sql.DB
}

type InvalidRecipientRow struct {
	RunID      string
	Campaign   string
	Address    string
	Reason     string
	RecordedAt time.Time
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

const schema = `
	CREATE TABLE IF NOT EXISTS invalid_recipients (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT        NOT NULL,
		campaign    TEXT        NOT NULL DEFAULT '',
		address     TEXT        NOT NULL,
		reason      TEXT        NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS invalid_recipients_run_id_idx ON invalid_recipients (run_id);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) InsertInvalidRecipient(ctx context.Context, tx *sql.Tx, r InvalidRecipientRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO invalid_recipients (run_id, campaign, address, reason, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
	`, r.RunID, r.Campaign, r.Address, r.Reason, r.RecordedAt)
	return err
}

// Write stores a run's entries in one transaction; it satisfies sink.Writer.
func (s *Store) Write(ctx context.Context, at time.Time, runID, campaign string, entries []sink.Entry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			err := s.InsertInvalidRecipient(ctx, tx, InvalidRecipientRow{
				RunID:      runID,
				Campaign:   campaign,
				Address:    e.Address,
				Reason:     e.Reason,
				RecordedAt: at,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CountByRun returns how many addresses a run rejected.
func (s *Store) CountByRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invalid_recipients WHERE run_id = $1
	`, runID).Scan(&n)
	return n, err
}
