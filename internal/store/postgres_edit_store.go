package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/lib/pq"
)

var ErrEditExists = errors.New("edit already exists")

const editSchemaSQL = `
CREATE TABLE IF NOT EXISTS edits (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	instruction TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_key TEXT NOT NULL DEFAULT '',
	output_key TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	applied_operations TEXT[] NOT NULL DEFAULT '{}',
	rule_ids TEXT[] NOT NULL DEFAULT '{}',
	model_label TEXT NOT NULL DEFAULT '',
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	block_reason TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS edits_user_created_idx ON edits (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	edit_id TEXT NOT NULL,
	pixels_processed BIGINT NOT NULL,
	bytes_in BIGINT NOT NULL,
	bytes_out BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const editColumns = `id, user_id, status, instruction, source_type, source_key, output_key, webhook_url,
	applied_operations, rule_ids, model_label, processing_time_ms, block_reason, error, created_at, updated_at`

const pgUniqueViolation = "23505"

type PostgresEditStore struct {
	db *sql.DB
}

func NewPostgresEditStore(ctx context.Context, dsn string) (*PostgresEditStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresEditStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresEditStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, editSchemaSQL); err != nil {
		return fmt.Errorf("ensure edits schema: %w", err)
	}
	return nil
}

func (s *PostgresEditStore) Close() error {
	return s.db.Close()
}

func (s *PostgresEditStore) Create(ctx context.Context, edit domain.Edit) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO edits (`+editColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		edit.ID,
		edit.UserID,
		edit.Status,
		edit.Instruction,
		edit.SourceType,
		edit.SourceKey,
		edit.OutputKey,
		edit.WebhookURL,
		pq.Array(nonNil(edit.AppliedOperations)),
		pq.Array(nonNil(edit.RuleIDs)),
		edit.ModelLabel,
		edit.ProcessingTimeMS,
		edit.BlockReason,
		edit.Error,
		edit.CreatedAt,
		edit.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrEditExists, edit.ID)
		}
		return fmt.Errorf("insert edit: %w", err)
	}

	return nil
}

func (s *PostgresEditStore) Get(ctx context.Context, id string) (domain.Edit, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+editColumns+` FROM edits WHERE id = $1`, id)

	edit, err := scanEdit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Edit{}, false, nil
		}
		return domain.Edit{}, false, fmt.Errorf("query edit: %w", err)
	}
	return edit, true, nil
}

func (s *PostgresEditStore) UpdateStatus(ctx context.Context, id, status string) (domain.Edit, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE edits
		 SET status = $1, updated_at = $2
		 WHERE id = $3
		 RETURNING `+editColumns,
		status,
		time.Now().UTC(),
		id,
	)
	return s.scanUpdated(row, "update edit status")
}

func (s *PostgresEditStore) Complete(ctx context.Context, id string, c domain.Completion) (domain.Edit, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE edits
		 SET status = $1, output_key = $2, applied_operations = $3, rule_ids = $4, model_label = $5,
		     processing_time_ms = $6, block_reason = $7, error = $8, updated_at = $9
		 WHERE id = $10
		 RETURNING `+editColumns,
		c.Status,
		c.OutputKey,
		pq.Array(nonNil(c.AppliedOperations)),
		pq.Array(nonNil(c.RuleIDs)),
		c.ModelLabel,
		c.ProcessingTimeMS,
		c.BlockReason,
		c.Error,
		time.Now().UTC(),
		id,
	)
	return s.scanUpdated(row, "complete edit")
}

func (s *PostgresEditStore) scanUpdated(row *sql.Row, action string) (domain.Edit, error) {
	edit, err := scanEdit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Edit{}, ErrEditNotFound
		}
		return domain.Edit{}, fmt.Errorf("%s: %w", action, err)
	}
	return edit, nil
}

func (s *PostgresEditStore) List(ctx context.Context, userID string, limit, skip int) ([]domain.Edit, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edits WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count edits: %w", err)
	}

	// LIMIT NULL means no limit in Postgres.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+editColumns+`
		 FROM edits
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		limitArg,
		max(skip, 0),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	edits := make([]domain.Edit, 0)
	for rows.Next() {
		edit, err := scanEdit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan edit: %w", err)
		}
		edits = append(edits, edit)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate edits: %w", err)
	}

	return edits, total, nil
}

func (s *PostgresEditStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edits WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete edit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete edit: %w", err)
	}
	if n == 0 {
		return ErrEditNotFound
	}
	return nil
}

func (s *PostgresEditStore) Clear(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edits WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear edits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear edits: %w", err)
	}
	return int(n), nil
}

func (s *PostgresEditStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, edit_id, pixels_processed, bytes_in, bytes_out, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.UserID,
		usage.EditID,
		usage.PixelsProcessed,
		usage.BytesIn,
		usage.BytesOut,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEdit(row rowScanner) (domain.Edit, error) {
	var edit domain.Edit
	err := row.Scan(
		&edit.ID,
		&edit.UserID,
		&edit.Status,
		&edit.Instruction,
		&edit.SourceType,
		&edit.SourceKey,
		&edit.OutputKey,
		&edit.WebhookURL,
		pq.Array(&edit.AppliedOperations),
		pq.Array(&edit.RuleIDs),
		&edit.ModelLabel,
		&edit.ProcessingTimeMS,
		&edit.BlockReason,
		&edit.Error,
		&edit.CreatedAt,
		&edit.UpdatedAt,
	)
	return edit, err
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
