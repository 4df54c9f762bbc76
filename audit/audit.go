// Package audit appends immutable rows to the trade audit trail. Writes are
// tx-scoped so a failed ledger append rolls back the state change it records.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Log mirrors the audit_logs table.
type Log struct {
	ID        int64
	TradeID   string
	ActorID   *string
	Action    string
	FromState *string
	ToState   *string
	Metadata  []byte
	CreatedAt time.Time
}

// Entry is one event to append. ActorID nil means the system acted.
type Entry struct {
	TradeID   string
	ActorID   *string
	Action    string
	FromState string
	ToState   string
	Metadata  map[string]any
}

// Recorder appends audit rows inside the caller's transaction.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record inserts exactly one row. From/to states are stored as NULL when
// empty so non-transition events (e.g. invitation_sent) stay unambiguous.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, entry Entry) error {
	if entry.TradeID == "" {
		return fmt.Errorf("audit: missing trade id")
	}
	if entry.Action == "" {
		return fmt.Errorf("audit: missing action")
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	var from, to any
	if entry.FromState != "" {
		from = entry.FromState
	}
	if entry.ToState != "" {
		to = entry.ToState
	}

	var actor any
	if entry.ActorID != nil && *entry.ActorID != "" {
		actor = *entry.ActorID
	}

	const q = `
INSERT INTO audit_logs (trade_id, actor_id, action, from_state, to_state, metadata)
VALUES ($1, $2::uuid, $3, $4, $5, $6::jsonb)
`
	if _, err := tx.Exec(ctx, q, entry.TradeID, actor, entry.Action, from, to, body); err != nil {
		return fmt.Errorf("audit: insert log: %w", err)
	}
	return nil
}

// List returns the trail for one trade ordered by creation time with the
// insertion sequence as tie-break.
func List(ctx context.Context, q pgx.Tx, tradeID string) ([]Log, error) {
	const query = `
SELECT id, trade_id, actor_id::text, action, from_state, to_state, metadata, created_at
FROM audit_logs
WHERE trade_id = $1
ORDER BY created_at, id
`
	rows, err := q.Query(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Log, 0, 16)
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.TradeID, &l.ActorID, &l.Action, &l.FromState, &l.ToState, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
