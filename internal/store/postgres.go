package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertRows writes all rows in one statement, overwriting on composite key
// conflicts. Calling it twice with the same rows leaves the table unchanged.
func (s *PostgresStore) UpsertRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	var (
		values strings.Builder
		args   []any
	)
	for i, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for %s: %w", row.CompositeKey, err)
		}
		if i > 0 {
			values.WriteByte(',')
		}
		base := i * 4
		fmt.Fprintf(&values, "($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4)
		args = append(args, row.TenantID, row.CompositeKey, string(payload), row.SyncedAt)
	}

	query := `
		INSERT INTO sheet_rows (tenant_id, composite_key, payload, synced_at)
		VALUES ` + values.String() + `
		ON CONFLICT (composite_key)
		DO UPDATE SET tenant_id=EXCLUDED.tenant_id, payload=EXCLUDED.payload, synced_at=EXCLUDED.synced_at
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %d rows: %w", len(rows), err)
	}
	return nil
}

// ListRows returns rows for one tenant, newest sync first. limit <= 0 means
// no limit.
func (s *PostgresStore) ListRows(ctx context.Context, tenantID string, limit int) ([]Row, error) {
	query := `
		SELECT tenant_id, composite_key, payload, synced_at
		FROM sheet_rows
		WHERE tenant_id = $1
		ORDER BY composite_key
	`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryRows(ctx, query, args...)
}

// ListAllRows is the unscoped fallback read used by /rows and the store
// debug probe.
func (s *PostgresStore) ListAllRows(ctx context.Context, limit int) ([]Row, error) {
	query := `
		SELECT tenant_id, composite_key, payload, synced_at
		FROM sheet_rows
		ORDER BY composite_key
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.queryRows(ctx, query, args...)
}

func (s *PostgresStore) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer result.Close()

	var rows []Row
	for result.Next() {
		var (
			row     Row
			payload []byte
		)
		if err := result.Scan(&row.TenantID, &row.CompositeKey, &payload, &row.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", row.CompositeKey, err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rows, nil
}

// ProcessedRowKeys returns the set of row keys that already have a task of
// the given type for this tenant. The task runner skips these.
func (s *PostgresStore) ProcessedRowKeys(ctx context.Context, tenantID, taskType string) (map[string]bool, error) {
	result, err := s.db.QueryContext(ctx, `
		SELECT row_key FROM agent_tasks WHERE tenant_id = $1 AND task_type = $2
	`, tenantID, taskType)
	if err != nil {
		return nil, fmt.Errorf("list processed row keys: %w", err)
	}
	defer result.Close()

	keys := map[string]bool{}
	for result.Next() {
		var key string
		if err := result.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan row key: %w", err)
		}
		keys[key] = true
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate row keys: %w", err)
	}
	return keys, nil
}

// InsertTask records one completed unit of work. The (row_key, task_type)
// unique constraint backstops the runner's skip check if two passes race.
func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (tenant_id, row_key, task_type, input_snapshot, result, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (row_key, task_type) DO NOTHING
	`, task.TenantID, task.RowKey, task.TaskType, task.InputSnapshot, task.Result, task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task for %s: %w", task.RowKey, err)
	}
	return nil
}
