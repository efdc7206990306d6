package purchasesdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"tradepost/internal/purchase"
)

// SagaStore persists purchase sagas in Postgres. Every write bumps the
// version column; updates only apply when the caller's version still matches.
type SagaStore struct {
	db *sql.DB
}

func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS purchase_sagas (
			correlation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			current_state TEXT NOT NULL,
			items_granted BOOLEAN NOT NULL DEFAULT FALSE,
			error_reason TEXT,
			new_balance DOUBLE PRECISION,
			pending_commands JSONB NOT NULL DEFAULT '[]'::jsonb,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			last_updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS purchase_sagas_idle_idx ON purchase_sagas (last_updated_at)`,
		`CREATE TABLE IF NOT EXISTS purchase_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			trace_id TEXT,
			span_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (correlation_id) REFERENCES purchase_sagas(correlation_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const sagaColumns = `correlation_id, user_id, item_id, quantity, unit_price, total_price,
	current_state, items_granted, error_reason, new_balance, pending_commands,
	notified, version, received_at, last_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*purchase.SagaState, error) {
	var (
		rec        purchase.SagaState
		state      string
		errReason  sql.NullString
		newBalance sql.NullFloat64
		pending    []byte
	)
	err := row.Scan(
		&rec.CorrelationID, &rec.UserID, &rec.ItemID, &rec.Quantity, &rec.UnitPrice, &rec.TotalPrice,
		&state, &rec.ItemsGranted, &errReason, &newBalance, &pending,
		&rec.Notified, &rec.Version, &rec.ReceivedAt, &rec.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CurrentState = purchase.State(state)
	rec.ErrorReason = errReason.String
	rec.NewBalance = newBalance.Float64
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &rec.PendingCommands); err != nil {
			return nil, fmt.Errorf("decode pending commands for %s: %w", rec.CorrelationID, err)
		}
	}
	if len(rec.PendingCommands) == 0 {
		rec.PendingCommands = nil
	}
	return &rec, nil
}

func (s *SagaStore) Get(ctx context.Context, correlationID string) (*purchase.SagaState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM purchase_sagas
		WHERE correlation_id = $1`,
		correlationID,
	)
	rec, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, purchase.ErrNotFound
	}
	return rec, err
}

// Create inserts a new saga at version 1.
func (s *SagaStore) Create(ctx context.Context, rec *purchase.SagaState) (*purchase.SagaState, error) {
	pending, err := encodePending(rec.PendingCommands)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_sagas (`+sagaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
		ON CONFLICT (correlation_id) DO NOTHING`,
		rec.CorrelationID, rec.UserID, rec.ItemID, rec.Quantity, rec.UnitPrice, rec.TotalPrice,
		string(rec.CurrentState), rec.ItemsGranted, nullString(rec.ErrorReason), nullBalance(rec), pending,
		rec.Notified, rec.ReceivedAt, rec.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, purchase.ErrAlreadyExists
	}
	out := rec.Clone()
	out.Version = 1
	return out, nil
}

// CompareAndSwap writes the mutable columns of rec when the stored version
// equals expectedVersion. Purchase parameters are never rewritten.
func (s *SagaStore) CompareAndSwap(ctx context.Context, rec *purchase.SagaState, expectedVersion int64) (*purchase.SagaState, error) {
	pending, err := encodePending(rec.PendingCommands)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_sagas
		SET current_state = $3,
			items_granted = $4,
			error_reason = $5,
			new_balance = $6,
			pending_commands = $7,
			notified = $8,
			last_updated_at = $9,
			version = version + 1
		WHERE correlation_id = $1 AND version = $2`,
		rec.CorrelationID, expectedVersion,
		string(rec.CurrentState), rec.ItemsGranted, nullString(rec.ErrorReason), nullBalance(rec), pending,
		rec.Notified, rec.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, purchase.ErrVersionConflict
	}
	out := rec.Clone()
	out.Version = expectedVersion + 1
	return out, nil
}

// ListIdle returns sagas untouched since before that are not finished:
// non-terminal, carrying unsent commands, or not yet notified.
func (s *SagaStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]*purchase.SagaState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM purchase_sagas
		WHERE last_updated_at < $1
			AND (current_state NOT IN ('completed', 'faulted')
				OR pending_commands <> '[]'::jsonb
				OR NOT notified)
		ORDER BY last_updated_at
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*purchase.SagaState
	for rows.Next() {
		rec, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddStep appends a step row tagged with the active trace, if any.
func (s *SagaStore) AddStep(ctx context.Context, correlationID, step, status, detail string) error {
	var traceID, spanID any
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		traceID = sc.TraceID().String()
		spanID = sc.SpanID().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_saga_steps (correlation_id, step, status, detail, trace_id, span_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		correlationID, step, status, detail, traceID, spanID,
	)
	return err
}

func encodePending(cmds []purchase.Command) (string, error) {
	if len(cmds) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(cmds)
	if err != nil {
		return "", fmt.Errorf("encode pending commands: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBalance(rec *purchase.SagaState) any {
	if rec.CurrentState != purchase.StateCompleted {
		return nil
	}
	return rec.NewBalance
}
