package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the parts table PGSource reads from.
const Schema = `
CREATE TABLE IF NOT EXISTS parts (
	id               SERIAL PRIMARY KEY,
	presentation_id  INTEGER NOT NULL,
	position         INTEGER NOT NULL DEFAULT 0,
	name             TEXT NOT NULL DEFAULT '',
	text             TEXT NOT NULL DEFAULT '',
	name_version     INTEGER NOT NULL DEFAULT 0,
	text_version     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS parts_presentation_idx ON parts (presentation_id, position);
`

// PGSource reads parts straight from PostgreSQL.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// EnsureSchema creates the parts table if missing.
func (s *PGSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("snapshot: ensure schema: %w", err)
	}
	return nil
}

func (s *PGSource) Fetch(ctx context.Context, presentationID int) ([]Part, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, text, name_version, text_version
		FROM parts
		WHERE presentation_id = $1
		ORDER BY position, id`, presentationID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query presentation %d: %w", presentationID, err)
	}
	parts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Part, error) {
		var p Part
		err := row.Scan(&p.ID, &p.Name, &p.Text, &p.NameVersion, &p.TextVersion)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: scan presentation %d: %w", presentationID, err)
	}
	return parts, nil
}
