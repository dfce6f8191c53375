package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lucidstream/viewsync/internal/model"
)

// InspectQueryRow is one (client, query) entry of the inspection read path.
type InspectQueryRow struct {
	ClientID      string           `json:"clientID"`
	QueryID       string           `json:"queryID"`
	Name          *string          `json:"name"`
	Args          json.RawMessage  `json:"args"`
	AST           json.RawMessage  `json:"ast"`
	Got           bool             `json:"got"`
	Deleted       bool             `json:"deleted"`
	TTLMillis     int64            `json:"ttl"`
	InactivatedAt *int64           `json:"inactivatedAt"`
	RowCount      int              `json:"rowCount"`
}

// Inspector serves the read-only inspection interface used by operational
// tooling. It shares nothing with the write path and must not be used to
// infer write concurrency.
type Inspector struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewInspector creates an inspector over the CVR store's pool.
func NewInspector(pool *pgxpool.Pool, logger *zap.Logger) *Inspector {
	return &Inspector{pool: pool, logger: logger}
}

// InspectQueries returns per-(client, query) desire and materialization
// state for a client group, filtering out desires expired at ttlClock.
// Rows of expired-but-undeleted queries still count toward rowCount: the
// row tier is only trimmed by a later flush, and inspection reports what is
// stored.
func (i *Inspector) InspectQueries(ctx context.Context, clientGroupID string, ttlClock model.TTLClock) ([]InspectQueryRow, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT d.client_id, d.query_hash, q.query_name, q.query_args, q.client_ast,
			q.transformation_hash IS NOT NULL AS got,
			d.deleted, d.ttl_ms, d.inactivated_at,
			(SELECT count(*) FROM cvr_rows r
			 WHERE r.client_group_id = d.client_group_id
			   AND r.ref_counts ? d.query_hash) AS row_count
		 FROM cvr_desires d
		 JOIN cvr_queries q
		   ON q.client_group_id = d.client_group_id AND q.query_hash = d.query_hash
		 WHERE d.client_group_id = $1
		   AND (d.inactivated_at IS NULL OR d.ttl_ms < 0 OR d.inactivated_at + d.ttl_ms > $2)
		 ORDER BY d.client_id, d.query_hash`,
		clientGroupID, ttlClock.AsNumber(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queries: %w", err)
	}
	defer rows.Close()

	out := make([]InspectQueryRow, 0)
	for rows.Next() {
		var r InspectQueryRow
		if err := rows.Scan(&r.ClientID, &r.QueryID, &r.Name, &r.Args, &r.AST,
			&r.Got, &r.Deleted, &r.TTLMillis, &r.InactivatedAt, &r.RowCount); err != nil {
			return nil, fmt.Errorf("failed to scan inspect row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inspect rows: %w", err)
	}

	i.logger.Debug("Inspected queries",
		zap.String("client_group_id", clientGroupID),
		zap.Int64("ttl_clock", ttlClock.AsNumber()),
		zap.Int("entries", len(out)))
	return out, nil
}
