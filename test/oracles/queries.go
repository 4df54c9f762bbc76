package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns invariant queries that must produce zero rows on a healthy
// database, no matter how the actors interleave.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_funded_exactly_once",
			SQL: `SELECT trade_id, COUNT(*) FROM audit_logs
                  WHERE action = 'mark_funded'
                  GROUP BY trade_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_escrow_state_coherent",
			SQL: `SELECT e.trade_id, e.status, t.state FROM escrows e
                  JOIN trades t ON t.id = e.trade_id
                  WHERE (e.status = 'released' AND t.state NOT IN ('released','resolved_release','resolved_split'))
                     OR (e.status = 'refunded' AND t.state NOT IN ('refunded','resolved_refund'))
                     OR (e.status = 'pending' AND t.state NOT IN ('awaiting_funding','disputed'))`,
		},
		{
			Name: "O3_settlement_conservation",
			SQL: `SELECT t.id, t.price_cents, COALESCE(p.total,0) + COALESCE(r.total,0) AS settled
                  FROM trades t
                  LEFT JOIN (SELECT trade_id, SUM(amount_cents) AS total FROM payouts GROUP BY trade_id) p ON p.trade_id = t.id
                  LEFT JOIN (SELECT trade_id, SUM(amount_cents) AS total FROM refunds GROUP BY trade_id) r ON r.trade_id = t.id
                  WHERE COALESCE(p.total,0) + COALESCE(r.total,0) > t.price_cents`,
		},
		{
			Name: "O4_settled_only_from_held",
			SQL: `SELECT id, trade_id, status FROM escrows
                  WHERE status IN ('released','refunded') AND funded_at IS NULL`,
		},
		{
			Name: "O5_resolved_dispute_complete",
			SQL: `SELECT id, trade_id FROM disputes
                  WHERE status = 'resolved'
                    AND (resolution_type IS NULL OR resolved_at IS NULL
                         OR (resolution_type = 'split' AND seller_percentage IS NULL))`,
		},
		{
			Name: "O6_resolution_settles_once",
			SQL: `SELECT trade_id, COUNT(*) FROM audit_logs
                  WHERE action IN ('resolve_with_release','resolve_with_refund','resolve_with_split')
                  GROUP BY trade_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_signed_round_complete",
			SQL: `SELECT d.id FROM trade_documents d
                  WHERE d.status = 'completed'
                    AND EXISTS (SELECT 1 FROM document_signatures s
                                WHERE s.document_id = d.id AND s.signed_at IS NULL)`,
		},
		{
			Name: "O8_terminal_states_audited",
			SQL: `SELECT t.id, t.state FROM trades t
                  WHERE t.state IN ('released','refunded','resolved_release','resolved_refund','resolved_split')
                    AND NOT EXISTS (SELECT 1 FROM audit_logs a
                                    WHERE a.trade_id = t.id AND a.to_state = t.state)`,
		},
		{
			Name: "O9_audit_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_rewrite_audit_logs')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
