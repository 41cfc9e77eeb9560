package audit

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/etchmuzik/fleetbus/internal/schema"
)

// PostgresStore persists audit records in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const maxListLimit = 1024

const (
	auditInsertSQL = `
INSERT INTO audit_records (
    event_id,
    event_type,
    actor,
    action,
    entity,
    entity_id,
    details
)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb))
RETURNING
    id,
    event_id,
    event_type,
    actor,
    action,
    entity,
    entity_id,
    details,
    created_at;
`

	auditListSQL = `
SELECT
    id,
    event_id,
    event_type,
    actor,
    action,
    entity,
    entity_id,
    details,
    created_at
FROM audit_records
WHERE ($1 = '' OR entity = $1)
  AND ($2 = '' OR entity_id = $2)
  AND ($3 = '' OR event_id = $3)
ORDER BY created_at DESC, id DESC
LIMIT $4;
`
)

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, record Record) (Record, error) {
	if s.pool == nil {
		return Record{}, fmt.Errorf("audit store: nil pool")
	}
	if err := validateRecord(record); err != nil {
		return Record{}, err
	}
	details, err := encodeDetails(record.Details)
	if err != nil {
		return Record{}, fmt.Errorf("audit store: encode details: %w", err)
	}
	row := s.pool.QueryRow(ctx, auditInsertSQL,
		strings.TrimSpace(record.EventID),
		string(record.EventType),
		strings.TrimSpace(record.Actor),
		strings.TrimSpace(record.Action),
		strings.TrimSpace(record.Entity),
		strings.TrimSpace(record.EntityID),
		details)
	return scanAuditRecord(row)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("audit store: nil pool")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.pool.Query(ctx, auditListSQL, q.Entity, q.EntityID, q.EventID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit store: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: iterate: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditRecord(row rowScanner) (Record, error) {
	var (
		record      Record
		eventType   string
		actor       pgtype.Text
		detailsJSON []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.EventID,
		&eventType,
		&actor,
		&record.Action,
		&record.Entity,
		&record.EntityID,
		&detailsJSON,
		&record.CreatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("audit store: scan record: %w", err)
	}
	record.EventType = schema.EventType(eventType)
	if actor.Valid {
		record.Actor = actor.String
	}
	details, err := decodeDetails(detailsJSON)
	if err != nil {
		return Record{}, fmt.Errorf("audit store: decode details: %w", err)
	}
	record.Details = details
	return record, nil
}

func encodeDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}

func decodeDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, nil
	}
	return details, nil
}

var _ Store = (*PostgresStore)(nil)
