package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"docflow/pkg/platform/sentinel"
)

// PostgresStore persists documents in a single table: metadata and features
// as JSONB blobs plus promoted columns (doc_type, lifecycle_state, removed,
// series) for query filtering. Check-then-write sequences run inside a
// transaction with SELECT ... FOR UPDATE so concurrent writers serialize per
// document.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema returns the DDL for the documents table. Applied by migrations
// outside this package.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS documents (
    id                uuid PRIMARY KEY,
    doc_type          text NOT NULL,
    title             text NOT NULL DEFAULT '',
    filename          text NOT NULL DEFAULT '',
    lifecycle_state   text NOT NULL,
    state_max_minutes int  NOT NULL DEFAULT 0,
    state_changed_at  timestamptz NOT NULL DEFAULT now(),
    metadata          jsonb NOT NULL DEFAULT '{}'::jsonb,
    features          jsonb NOT NULL DEFAULT '{}'::jsonb,
    binary_content    bytea,
    binary_filename   text NOT NULL DEFAULT '',
    series            text NOT NULL DEFAULT '',
    removed           boolean NOT NULL DEFAULT false,
    created_at        timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_state_idx ON documents (doc_type, lifecycle_state) WHERE NOT removed;
`
}

const docColumns = `id, doc_type, title, filename, lifecycle_state, state_max_minutes,
state_changed_at, metadata, features, binary_content, binary_filename, series, removed, created_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.DocType, &d.Title, &d.Filename, &d.State.Name, &d.State.MaxMinutes,
		&d.StateChangedAt, &d.Metadata, &d.Features, &d.Binary, &d.BinaryFilename,
		&d.Series, &d.Removed, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	if d.Features == nil {
		d.Features = map[string]string{}
	}
	return &d, nil
}

func (s *PostgresStore) Create(ctx context.Context, doc *Document) error {
	md := doc.Metadata
	if md == nil {
		md = map[string]string{}
	}
	ft := doc.Features
	if ft == nil {
		ft = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (id, doc_type, title, filename, lifecycle_state, state_max_minutes,
    metadata, features, binary_content, binary_filename, series)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		doc.ID, doc.DocType, doc.Title, doc.Filename, doc.State.Name, doc.State.MaxMinutes,
		md, ft, doc.Binary, doc.BinaryFilename, doc.Series)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *PostgresStore) SetMetadata(ctx context.Context, id uuid.UUID, key, value string, overwrite bool) error {
	query := `UPDATE documents SET metadata = jsonb_set(metadata, ARRAY[$2], to_jsonb($3::text)) WHERE id = $1`
	if !overwrite {
		query += ` AND NOT metadata ? $2`
	}
	tag, err := s.pool.Exec(ctx, query, id, key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	if tag.RowsAffected() == 0 && overwrite {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetFeature(ctx context.Context, id uuid.UUID, key, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET features = jsonb_set(features, ARRAY[$2], to_jsonb($3::text)) WHERE id = $1`,
		id, key, value)
	if err != nil {
		return fmt.Errorf("set feature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// ChangeState is a single-statement compare-and-swap: the WHERE clause pins
// the expected source states, so two concurrent transitions cannot both win.
func (s *PostgresStore) ChangeState(ctx context.Context, id uuid.UUID, expectedFrom []string, to LifecycleState) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(expectedFrom) > 0 {
		tag, err = s.pool.Exec(ctx, `
UPDATE documents SET lifecycle_state = $2, state_max_minutes = $3, state_changed_at = now()
WHERE id = $1 AND lifecycle_state = ANY($4)`,
			id, to.Name, to.MaxMinutes, expectedFrom)
	} else {
		tag, err = s.pool.Exec(ctx, `
UPDATE documents SET lifecycle_state = $2, state_max_minutes = $3, state_changed_at = now()
WHERE id = $1`,
			id, to.Name, to.MaxMinutes)
	}
	if err != nil {
		return fmt.Errorf("change state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrStateMismatch
	}
	return nil
}

func (s *PostgresStore) ReplaceBinary(ctx context.Context, id uuid.UUID, content []byte, filename string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET binary_content = $2, binary_filename = $3 WHERE id = $1`,
		id, content, filename)
	if err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MoveToSeries(ctx context.Context, id uuid.UUID, series string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET series = $2 WHERE id = $1`, id, series)
	if err != nil {
		return fmt.Errorf("move to series: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRemoved(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET removed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Execute(ctx context.Context, id uuid.UUID, validate func(*Document) error, mutate func(*Document)) (*Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	if validate != nil {
		if err := validate(d.Clone()); err != nil {
			return nil, err
		}
	}
	prev := d.State.Name
	if mutate != nil {
		mutate(d)
	}
	stateChanged := d.State.Name != prev
	_, err = tx.Exec(ctx, `
UPDATE documents SET title=$2, filename=$3, lifecycle_state=$4, state_max_minutes=$5,
    state_changed_at = CASE WHEN $6 THEN now() ELSE state_changed_at END,
    metadata=$7, features=$8, binary_content=$9, binary_filename=$10, series=$11, removed=$12
WHERE id = $1`,
		d.ID, d.Title, d.Filename, d.State.Name, d.State.MaxMinutes, stateChanged,
		d.Metadata, d.Features, d.Binary, d.BinaryFilename, d.Series, d.Removed)
	if err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ListByState(ctx context.Context, docType, state string, excludedSeries []string) ([]*Document, error) {
	if excludedSeries == nil {
		excludedSeries = []string{}
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+docColumns+` FROM documents
WHERE doc_type = $1 AND lifecycle_state = $2 AND NOT removed AND NOT (series = ANY($3))`,
		docType, state, excludedSeries)
	if err != nil {
		return nil, fmt.Errorf("list by state: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
