package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lucidstream/viewsync/internal/config"
	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/metrics"
	"github.com/lucidstream/viewsync/internal/model"
)

// initialStateVersion is the state a CVR starts at on first connection.
const initialStateVersion = "00"

// dbtx is the subset of pgx execution shared by pools and transactions.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// CVRStore owns persistence for one client group's CVR: snapshot load with
// ownership arbitration and row catch-up, transactional diff flush with an
// optimistic version guard, deferred row batching behind the rows-version
// frontier, and catch-up patch iteration for lagging clients.
//
// Ownership is advisory: it is claimed by comparing granted_at on load, not
// by a lock service. The version guard at flush time is the actual safety
// net and is never skipped.
type CVRStore struct {
	pool   *pgxpool.Pool
	cvrID  string
	taskID string

	loadMaxAttempts int
	loadRetryDelay  time.Duration
	inlineRowLimit  int
	catchupPageSize int

	flusher *rowFlusher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCVRStore creates a store for the given client group, writing as the
// given task.
func NewCVRStore(pool *pgxpool.Pool, cvrID, taskID string, cfg config.CVRConfig, m *metrics.Metrics, logger *zap.Logger) *CVRStore {
	s := &CVRStore{
		pool:            pool,
		cvrID:           cvrID,
		taskID:          taskID,
		loadMaxAttempts: cfg.LoadMaxAttempts,
		loadRetryDelay:  cfg.LoadRetryDelay,
		inlineRowLimit:  cfg.InlineRowLimit,
		catchupPageSize: cfg.CatchupPageSize,
		logger:          logger.With(zap.String("cvr_id", cvrID), zap.String("task_id", taskID)),
		metrics:         m,
	}
	s.flusher = newRowFlusher(s, cfg.MaxRowBatchSize, cfg.FlushQueueSize, m, s.logger)
	return s
}

// Stop stops the deferred row flusher. Pending batches are abandoned; call
// Flushed first when durability matters.
func (s *CVRStore) Stop(timeout time.Duration) error {
	return s.flusher.Stop(timeout)
}

// Load claims or verifies ownership, waits for the row tier to catch up to
// the committed metadata version, and assembles the immutable CVR snapshot,
// dropping desires expired at ttlClock. A CVR is created empty at version
// "00" on first connection.
func (s *CVRStore) Load(ctx context.Context, lastConnect time.Time, ttlClock model.TTLClock) (*model.CVR, error) {
	start := time.Now()

	if err := s.claimOwnership(ctx, lastConnect); err != nil {
		s.metrics.RecordLoad("ownership_rejected", time.Since(start).Seconds())
		return nil, err
	}

	if err := s.awaitRowCatchup(ctx); err != nil {
		// The ownership grant stays in place: a retry from this task can
		// succeed once the background flush settles.
		s.metrics.RecordLoad("rows_behind", time.Since(start).Seconds())
		return nil, err
	}

	cvr, err := s.readSnapshot(ctx, ttlClock)
	if err != nil {
		s.metrics.RecordLoad("error", time.Since(start).Seconds())
		return nil, err
	}

	s.metrics.RecordLoad("ok", time.Since(start).Seconds())
	s.logger.Debug("CVR loaded",
		zap.String("version", cvr.Version.String()),
		zap.Int("clients", len(cvr.Clients)),
		zap.Int("queries", len(cvr.Queries)))
	return cvr, nil
}

// claimOwnership performs the ownership compare-and-set inside a
// transaction. Idempotent when this task already owns the CVR.
func (s *CVRStore) claimOwnership(ctx context.Context, lastConnect time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ownership transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner *string
	var grantedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT owner, granted_at FROM cvr_instances WHERE client_group_id = $1 FOR UPDATE`,
		s.cvrID,
	).Scan(&owner, &grantedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_instances
				(client_group_id, state_version, minor_version, last_active, ttl_clock, owner, granted_at)
			 VALUES ($1, $2, 0, $3, 0, $4, $5)`,
			s.cvrID, initialStateVersion, lastConnect, s.taskID, lastConnect,
		); err != nil {
			return fmt.Errorf("failed to create CVR instance: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_rows_version (client_group_id, state_version, minor_version)
			 VALUES ($1, $2, 0)
			 ON CONFLICT (client_group_id) DO NOTHING`,
			s.cvrID, initialStateVersion,
		); err != nil {
			return fmt.Errorf("failed to create rows-version marker: %w", err)
		}
		s.logger.Info("Created new CVR", zap.String("version", initialStateVersion))

	case err != nil:
		return fmt.Errorf("failed to read ownership: %w", err)

	default:
		if owner != nil && *owner != s.taskID && grantedAt != nil && !grantedAt.Before(lastConnect) {
			s.metrics.RecordOwnershipRejection()
			return syncerr.Ownership(s.cvrID, *owner, *grantedAt)
		}
		// Ownership only moves forward in granted_at.
		if _, err := tx.Exec(ctx,
			`UPDATE cvr_instances
			 SET owner = $2, granted_at = GREATEST(COALESCE(granted_at, $3), $3)
			 WHERE client_group_id = $1`,
			s.cvrID, s.taskID, lastConnect,
		); err != nil {
			return fmt.Errorf("failed to claim ownership: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ownership claim: %w", err)
	}
	return nil
}

// awaitRowCatchup polls until the rows-version frontier reaches the
// committed metadata version, with bounded backoff. Exhausting the retry
// budget surfaces the retryable staleness error.
func (s *CVRStore) awaitRowCatchup(ctx context.Context) error {
	var version, rowsVersion model.CVRVersion
	for attempt := 1; ; attempt++ {
		err := s.pool.QueryRow(ctx,
			`SELECT i.state_version, i.minor_version, r.state_version, r.minor_version
			 FROM cvr_instances i
			 JOIN cvr_rows_version r USING (client_group_id)
			 WHERE i.client_group_id = $1`,
			s.cvrID,
		).Scan(&version.StateVersion, &version.MinorVersion,
			&rowsVersion.StateVersion, &rowsVersion.MinorVersion)
		if err != nil {
			return fmt.Errorf("failed to read version markers: %w", err)
		}

		if model.CompareVersions(rowsVersion, version) >= 0 {
			return nil
		}

		if attempt >= s.loadMaxAttempts {
			return syncerr.RowsBehind(s.cvrID, version.String(), rowsVersion.String(), attempt)
		}

		s.logger.Debug("Waiting for row tier to catch up",
			zap.String("version", version.String()),
			zap.String("rows_version", rowsVersion.String()),
			zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.loadRetryDelay * time.Duration(attempt)):
		}
	}
}

// readSnapshot assembles the full aggregate from the backing tables.
func (s *CVRStore) readSnapshot(ctx context.Context, ttlClock model.TTLClock) (*model.CVR, error) {
	cvr := &model.CVR{
		ID:      s.cvrID,
		Clients: make(map[string]*model.ClientRecord),
		Queries: make(map[string]*model.QueryRecord),
	}

	var ttlClockNum int64
	var replicaVersion *string
	err := s.pool.QueryRow(ctx,
		`SELECT state_version, minor_version, last_active, ttl_clock, replica_version, client_schema
		 FROM cvr_instances WHERE client_group_id = $1`,
		s.cvrID,
	).Scan(&cvr.Version.StateVersion, &cvr.Version.MinorVersion,
		&cvr.LastActive, &ttlClockNum, &replicaVersion, &cvr.ClientSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to read CVR instance: %w", err)
	}
	cvr.TTLClock = model.TTLClockFromNumber(ttlClockNum)
	if replicaVersion != nil {
		cvr.ReplicaVersion = *replicaVersion
	}

	if err := s.readClients(ctx, cvr); err != nil {
		return nil, err
	}
	if err := s.readQueries(ctx, cvr); err != nil {
		return nil, err
	}
	if err := s.readDesires(ctx, cvr, ttlClock); err != nil {
		return nil, err
	}
	return cvr, nil
}

func (s *CVRStore) readClients(ctx context.Context, cvr *model.CVR) error {
	rows, err := s.pool.Query(ctx,
		`SELECT client_id FROM cvr_clients WHERE client_group_id = $1 AND NOT deleted`,
		s.cvrID)
	if err != nil {
		return fmt.Errorf("failed to read clients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan client: %w", err)
		}
		cvr.Clients[id] = &model.ClientRecord{ID: id, DesiredQueryIDs: make(map[string]struct{})}
	}
	return rows.Err()
}

func (s *CVRStore) readQueries(ctx context.Context, cvr *model.CVR) error {
	rows, err := s.pool.Query(ctx,
		`SELECT query_hash, kind, client_ast, query_name, query_args,
			patch_state_version, patch_minor_version, transformation_hash, transformation_version
		 FROM cvr_queries WHERE client_group_id = $1 AND NOT deleted`,
		s.cvrID)
	if err != nil {
		return fmt.Errorf("failed to read queries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		q := &model.QueryRecord{ClientState: make(map[string]model.ClientQueryState)}
		var kind string
		var name, patchState, transformHash, transformVersion *string
		var patchMinor *int64
		if err := rows.Scan(&q.ID, &kind, &q.AST, &name, &q.Args,
			&patchState, &patchMinor, &transformHash, &transformVersion); err != nil {
			return fmt.Errorf("failed to scan query: %w", err)
		}
		q.Kind = model.QueryKind(kind)
		if name != nil {
			q.Name = *name
		}
		if patchState != nil {
			pv := model.CVRVersion{StateVersion: *patchState}
			if patchMinor != nil {
				pv.MinorVersion = *patchMinor
			}
			q.PatchVersion = &pv
		}
		if transformHash != nil {
			q.TransformationHash = *transformHash
		}
		if transformVersion != nil {
			q.TransformationVersion = *transformVersion
		}
		cvr.Queries[q.ID] = q
	}
	return rows.Err()
}

// readDesires attaches desire state to queries and clients, filtering out
// desires expired per the TTL rule at ttlClock.
func (s *CVRStore) readDesires(ctx context.Context, cvr *model.CVR, ttlClock model.TTLClock) error {
	rows, err := s.pool.Query(ctx,
		`SELECT client_id, query_hash, patch_state_version, patch_minor_version, ttl_ms, inactivated_at
		 FROM cvr_desires WHERE client_group_id = $1 AND NOT deleted`,
		s.cvrID)
	if err != nil {
		return fmt.Errorf("failed to read desires: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var clientID, queryID string
		var st model.ClientQueryState
		var ttlMS int64
		var inactivatedAt *int64
		if err := rows.Scan(&clientID, &queryID,
			&st.Version.StateVersion, &st.Version.MinorVersion, &ttlMS, &inactivatedAt); err != nil {
			return fmt.Errorf("failed to scan desire: %w", err)
		}
		st.TTL = time.Duration(ttlMS) * time.Millisecond
		if inactivatedAt != nil {
			at := model.TTLClockFromNumber(*inactivatedAt)
			st.InactivatedAt = &at
		}

		if st.Expired(ttlClock) {
			continue
		}

		q, ok := cvr.Queries[queryID]
		if !ok {
			// Desire referencing a deleted query record; stale residue.
			continue
		}
		q.ClientState[clientID] = st

		if st.InactivatedAt == nil {
			cl, ok := cvr.Clients[clientID]
			if !ok {
				cl = &model.ClientRecord{ID: clientID, DesiredQueryIDs: make(map[string]struct{})}
				cvr.Clients[clientID] = cl
			}
			cl.DesiredQueryIDs[queryID] = struct{}{}
		}
	}
	return rows.Err()
}

// Flush persists a computed diff. The metadata tier (instance, queries,
// clients, desires) commits transactionally behind the version guard: the
// stored version must still equal the version the updater's base snapshot
// was loaded from, otherwise the flush aborts with the concurrency error.
// The row tier is written inline when small and nothing is pending,
// otherwise handed to the deferred flusher in invocation order.
func (s *CVRStore) Flush(ctx context.Context, baseVersion model.CVRVersion, cvr *model.CVR, diff *model.CVRDiff) error {
	start := time.Now()

	// A failed batch drains from the pending count, so the inline path must
	// also check the sticky failure: committing rows-version inline here
	// would advance the frontier past rows that were never written.
	if err := s.flusher.Failed(); err != nil {
		s.metrics.RecordFlush("error", "metadata", time.Since(start).Seconds())
		return syncerr.Unavailable("row tier permanently failed, CVR must be reloaded", err)
	}

	inline := len(diff.Rows) <= s.inlineRowLimit && s.flusher.PendingCount() == 0

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored model.CVRVersion
	err = tx.QueryRow(ctx,
		`SELECT state_version, minor_version FROM cvr_instances WHERE client_group_id = $1 FOR UPDATE`,
		s.cvrID,
	).Scan(&stored.StateVersion, &stored.MinorVersion)
	if err != nil {
		return fmt.Errorf("failed to read stored version: %w", err)
	}
	if model.CompareVersions(stored, baseVersion) != 0 {
		s.metrics.RecordConflict()
		s.metrics.RecordFlush("conflict", "metadata", time.Since(start).Seconds())
		return syncerr.ConcurrentModification(s.cvrID, baseVersion.String(), stored.String())
	}

	var replicaVersion *string
	if cvr.ReplicaVersion != "" {
		replicaVersion = &cvr.ReplicaVersion
	}
	if _, err := tx.Exec(ctx,
		`UPDATE cvr_instances
		 SET state_version = $2, minor_version = $3, last_active = $4,
			 ttl_clock = $5, replica_version = $6, client_schema = $7
		 WHERE client_group_id = $1`,
		s.cvrID, cvr.Version.StateVersion, cvr.Version.MinorVersion,
		cvr.LastActive, cvr.TTLClock.AsNumber(), replicaVersion, cvr.ClientSchema,
	); err != nil {
		return fmt.Errorf("failed to update CVR instance: %w", err)
	}

	if err := s.flushMetadata(ctx, tx, cvr.Version, diff); err != nil {
		return err
	}

	if inline {
		if err := s.writeRowsOn(ctx, tx, diff.Rows); err != nil {
			return fmt.Errorf("failed to write inline rows: %w", err)
		}
		if err := s.markRowsVersionOn(ctx, tx, cvr.Version); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.metrics.RecordFlush("error", "metadata", time.Since(start).Seconds())
		return fmt.Errorf("failed to commit flush: %w", err)
	}
	s.metrics.RecordFlush("ok", "metadata", time.Since(start).Seconds())
	if inline {
		s.metrics.RecordRowsFlushed(len(diff.Rows))
	}

	if !inline {
		// Empty row diffs still go through the queue so the frontier
		// advances to this version in flush order.
		if _, err := s.flusher.Enqueue(ctx, cvr.Version, diff.Rows); err != nil {
			return fmt.Errorf("failed to defer row batch: %w", err)
		}
	}

	s.logger.Debug("CVR flushed",
		zap.String("base_version", baseVersion.String()),
		zap.String("version", cvr.Version.String()),
		zap.Int("rows", len(diff.Rows)),
		zap.Bool("inline_rows", inline))
	return nil
}

// flushMetadata writes the query, client, and desire portions of a diff.
func (s *CVRStore) flushMetadata(ctx context.Context, tx pgx.Tx, version model.CVRVersion, diff *model.CVRDiff) error {
	for _, q := range diff.QueryPuts {
		var name, transformHash, transformVersion *string
		if q.Name != "" {
			name = &q.Name
		}
		if q.TransformationHash != "" {
			transformHash = &q.TransformationHash
		}
		if q.TransformationVersion != "" {
			transformVersion = &q.TransformationVersion
		}
		var patchState *string
		var patchMinor *int64
		if q.PatchVersion != nil {
			patchState = &q.PatchVersion.StateVersion
			patchMinor = &q.PatchVersion.MinorVersion
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_queries
				(client_group_id, query_hash, kind, client_ast, query_name, query_args,
				 patch_state_version, patch_minor_version, transformation_hash, transformation_version, deleted)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
			 ON CONFLICT (client_group_id, query_hash) DO UPDATE SET
				patch_state_version = EXCLUDED.patch_state_version,
				patch_minor_version = EXCLUDED.patch_minor_version,
				transformation_hash = EXCLUDED.transformation_hash,
				transformation_version = EXCLUDED.transformation_version,
				deleted = FALSE`,
			s.cvrID, q.ID, string(q.Kind), q.AST, name, q.Args,
			patchState, patchMinor, transformHash, transformVersion,
		); err != nil {
			return fmt.Errorf("failed to upsert query %s: %w", q.ID, err)
		}
	}

	for _, id := range diff.QueryDeletes {
		if _, err := tx.Exec(ctx,
			`UPDATE cvr_queries
			 SET deleted = TRUE, patch_state_version = $3, patch_minor_version = $4
			 WHERE client_group_id = $1 AND query_hash = $2`,
			s.cvrID, id, version.StateVersion, version.MinorVersion,
		); err != nil {
			return fmt.Errorf("failed to delete query %s: %w", id, err)
		}
	}

	for _, c := range diff.ClientPuts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_clients (client_group_id, client_id, deleted)
			 VALUES ($1, $2, FALSE)
			 ON CONFLICT (client_group_id, client_id) DO UPDATE SET deleted = FALSE`,
			s.cvrID, c.ID,
		); err != nil {
			return fmt.Errorf("failed to upsert client %s: %w", c.ID, err)
		}
	}

	for _, id := range diff.ClientDeletes {
		if _, err := tx.Exec(ctx,
			`UPDATE cvr_clients SET deleted = TRUE WHERE client_group_id = $1 AND client_id = $2`,
			s.cvrID, id,
		); err != nil {
			return fmt.Errorf("failed to delete client %s: %w", id, err)
		}
	}

	for _, d := range diff.DesirePuts {
		var inactivatedAt *int64
		if d.State.InactivatedAt != nil {
			n := d.State.InactivatedAt.AsNumber()
			inactivatedAt = &n
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_desires
				(client_group_id, client_id, query_hash,
				 patch_state_version, patch_minor_version, ttl_ms, inactivated_at, deleted)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
			 ON CONFLICT (client_group_id, client_id, query_hash) DO UPDATE SET
				patch_state_version = EXCLUDED.patch_state_version,
				patch_minor_version = EXCLUDED.patch_minor_version,
				ttl_ms = EXCLUDED.ttl_ms,
				inactivated_at = EXCLUDED.inactivated_at,
				deleted = FALSE`,
			s.cvrID, d.ClientID, d.QueryID,
			d.State.Version.StateVersion, d.State.Version.MinorVersion,
			d.State.TTL.Milliseconds(), inactivatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert desire %s/%s: %w", d.ClientID, d.QueryID, err)
		}
	}

	for _, d := range diff.DesireDeletes {
		if _, err := tx.Exec(ctx,
			`UPDATE cvr_desires
			 SET deleted = TRUE, patch_state_version = $4, patch_minor_version = $5
			 WHERE client_group_id = $1 AND client_id = $2 AND query_hash = $3`,
			s.cvrID, d.ClientID, d.QueryID, version.StateVersion, version.MinorVersion,
		); err != nil {
			return fmt.Errorf("failed to delete desire %s/%s: %w", d.ClientID, d.QueryID, err)
		}
	}

	return nil
}

// Flushed blocks until all pending deferred row batches are durably
// written. Callers needing strict row consistency (e.g. before computing a
// fresh catch-up set) use this barrier.
func (s *CVRStore) Flushed(ctx context.Context) error {
	return s.flusher.Barrier(ctx)
}

// writeRowBatch implements rowWriter: one chunk of rows in one transaction.
func (s *CVRStore) writeRowBatch(ctx context.Context, rows []*model.RowRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin row batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.writeRowsOn(ctx, tx, rows); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// writeRowsOn upserts row records through a pgx batch on the given
// execution target.
func (s *CVRStore) writeRowsOn(ctx context.Context, db dbtx, rows []*model.RowRecord) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		rowKey, err := json.Marshal(r.ID.RowKey)
		if err != nil {
			return fmt.Errorf("failed to encode row key: %w", err)
		}
		var refCounts []byte
		if r.RefCounts != nil {
			refCounts, err = json.Marshal(r.RefCounts)
			if err != nil {
				return fmt.Errorf("failed to encode ref counts: %w", err)
			}
		}
		batch.Queue(
			`INSERT INTO cvr_rows
				(client_group_id, row_key_hash, schema_name, table_name, row_key,
				 row_version, patch_state_version, patch_minor_version, ref_counts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (client_group_id, row_key_hash) DO UPDATE SET
				row_version = EXCLUDED.row_version,
				patch_state_version = EXCLUDED.patch_state_version,
				patch_minor_version = EXCLUDED.patch_minor_version,
				ref_counts = EXCLUDED.ref_counts`,
			s.cvrID, r.ID.KeyHash(), r.ID.Schema, r.ID.Table, rowKey,
			r.RowVersion, r.PatchVersion.StateVersion, r.PatchVersion.MinorVersion, refCounts,
		)
	}

	br := db.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert row: %w", err)
		}
	}
	return nil
}

// markRowsVersion implements rowWriter: advance the durable row frontier,
// never backwards.
func (s *CVRStore) markRowsVersion(ctx context.Context, version model.CVRVersion) error {
	return s.markRowsVersionOn(ctx, s.pool, version)
}

func (s *CVRStore) markRowsVersionOn(ctx context.Context, db dbtx, version model.CVRVersion) error {
	if _, err := db.Exec(ctx,
		`INSERT INTO cvr_rows_version (client_group_id, state_version, minor_version)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (client_group_id) DO UPDATE SET
			state_version = EXCLUDED.state_version,
			minor_version = EXCLUDED.minor_version
		 WHERE (cvr_rows_version.state_version, cvr_rows_version.minor_version)
			 < (EXCLUDED.state_version, EXCLUDED.minor_version)`,
		s.cvrID, version.StateVersion, version.MinorVersion,
	); err != nil {
		return fmt.Errorf("failed to advance rows version: %w", err)
	}
	return nil
}
