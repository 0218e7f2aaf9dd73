package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"dialer-bridge/internal/contract"
	"dialer-bridge/pkg/utils"
)

// NOTE: This repository assumes the call_commands table from
// migrations/001_call_commands.sql, including the partial index on
// (workspace_id, owner_user_id, created_at) WHERE status = 'pending'.

const commandColumns = `
id, workspace_id, owner_user_id, created_by, phone, refs, status, delivered_to,
outcome_status, call_started_at, duration, call_ended_at, direction, resolve_method, attempts, action_source,
created_at, updated_at, delivered_at, reported_at, cancelled_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (CallCommand, error) {
	var (
		c                                           CallCommand
		refs                                        []byte
		createdBy, deliveredTo                      sql.NullString
		status, direction, resolveMethod, actionSrc sql.NullString
		duration, attempts                          sql.NullInt64
		startedAt, endedAt, deliveredAt, reportedAt sql.NullTime
		cancelledAt                                 sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.OwnerUserID,
		&createdBy,
		&c.Phone,
		&refs,
		&c.Status,
		&deliveredTo,
		&status,
		&startedAt,
		&duration,
		&endedAt,
		&direction,
		&resolveMethod,
		&attempts,
		&actionSrc,
		&c.CreatedAt,
		&c.UpdatedAt,
		&deliveredAt,
		&reportedAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallCommand{}, ErrNotFound
		}
		return CallCommand{}, err
	}
	if len(refs) > 0 && string(refs) != "null" {
		if err := json.Unmarshal(refs, &c.Refs); err != nil {
			return CallCommand{}, err
		}
	}
	c.CreatedBy = createdBy.String
	c.DeliveredTo = deliveredTo.String
	c.Outcome = Outcome{
		Status:        enumPtr[contract.Status](status),
		StartedAt:     timePtr(startedAt),
		Duration:      intPtr(duration),
		EndedAt:       timePtr(endedAt),
		Direction:     enumPtr[contract.Direction](direction),
		ResolveMethod: enumPtr[contract.ResolveMethod](resolveMethod),
		Attempts:      intPtr(attempts),
		ActionSource:  enumPtr[contract.ActionSource](actionSrc),
	}
	c.DeliveredAt = timePtr(deliveredAt)
	c.ReportedAt = timePtr(reportedAt)
	c.CancelledAt = timePtr(cancelledAt)
	return c, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, c CallCommand) error {
	refs, err := json.Marshal(c.Refs)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO call_commands (
  id, workspace_id, owner_user_id, created_by, phone, refs, status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.WorkspaceID,
		c.OwnerUserID,
		nullString(c.CreatedBy),
		c.Phone,
		refs,
		string(c.Status),
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, workspaceID, id string) (CallCommand, error) {
	q := `SELECT ` + commandColumns + `
FROM call_commands
WHERE workspace_id = $1 AND id = $2
`
	return scanCommand(r.db.QueryRowContext(ctx, q, workspaceID, id))
}

// ClaimNext marks the oldest pending command delivered in one statement.
// SKIP LOCKED lets concurrent pulls for the same owner pass over a row another
// transaction is claiming instead of waiting on it, so no command is handed
// out twice.
func (r *PostgresRepo) ClaimNext(ctx context.Context, workspaceID, ownerUserID, deviceID string, now time.Time) (CallCommand, bool, error) {
	q := `
UPDATE call_commands
SET status = 'delivered', delivered_to = $3, delivered_at = $4, updated_at = $4
WHERE id = (
  SELECT id
  FROM call_commands
  WHERE workspace_id = $1 AND owner_user_id = $2 AND status = 'pending'
  ORDER BY created_at, id
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + commandColumns

	c, err := scanCommand(r.db.QueryRowContext(ctx, q, workspaceID, ownerUserID, deviceID, now))
	if errors.Is(err, ErrNotFound) {
		return CallCommand{}, false, nil
	}
	if err != nil {
		return CallCommand{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) Mutate(ctx context.Context, workspaceID, id string, fn func(*CallCommand) error) (CallCommand, error) {
	var out CallCommand
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the row to serialize concurrent updates for one command.
		q := `SELECT ` + commandColumns + `
FROM call_commands
WHERE workspace_id = $1 AND id = $2
FOR UPDATE
`
		c, err := scanCommand(tx.QueryRowContext(ctx, q, workspaceID, id))
		if err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		if err := updateCommand(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return CallCommand{}, err
	}
	return out, nil
}

func updateCommand(ctx context.Context, tx *sql.Tx, c CallCommand) error {
	const q = `
UPDATE call_commands SET
  status = $3,
  delivered_to = $4,
  outcome_status = $5,
  call_started_at = $6,
  duration = $7,
  call_ended_at = $8,
  direction = $9,
  resolve_method = $10,
  attempts = $11,
  action_source = $12,
  updated_at = $13,
  delivered_at = $14,
  reported_at = $15,
  cancelled_at = $16
WHERE workspace_id = $1 AND id = $2
`
	o := c.Outcome
	_, err := tx.ExecContext(ctx, q,
		c.WorkspaceID,
		c.ID,
		string(c.Status),
		nullString(c.DeliveredTo),
		nullEnum(o.Status),
		nullTime(o.StartedAt),
		nullInt(o.Duration),
		nullTime(o.EndedAt),
		nullEnum(o.Direction),
		nullEnum(o.ResolveMethod),
		nullInt(o.Attempts),
		nullEnum(o.ActionSource),
		c.UpdatedAt,
		nullTime(c.DeliveredAt),
		nullTime(c.ReportedAt),
		nullTime(c.CancelledAt),
	)
	return err
}

func (r *PostgresRepo) ListReported(ctx context.Context, workspaceID, ownerUserID string, from, to time.Time) ([]CallCommand, error) {
	q := `SELECT ` + commandColumns + `
FROM call_commands
WHERE workspace_id = $1
  AND ($2 = '' OR owner_user_id = $2)
  AND reported_at >= $3 AND reported_at < $4
ORDER BY reported_at
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, ownerUserID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallCommand, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullEnum[T ~string](p *T) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func enumPtr[T ~string](s sql.NullString) *T {
	if !s.Valid {
		return nil
	}
	v := T(s.String)
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
