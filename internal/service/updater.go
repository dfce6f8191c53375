package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/model"
)

// UpdaterStore is the persistence surface the updaters flush through.
type UpdaterStore interface {
	Flush(ctx context.Context, baseVersion model.CVRVersion, cvr *model.CVR, diff *model.CVRDiff) error
}

// TrackedQuery names a query whose transformation and execution results are
// expected in the current update.
type TrackedQuery struct {
	ID                    string
	TransformationHash    string
	TransformationVersion string
}

// mergedRow is the accumulated state of one row across Received calls.
type mergedRow struct {
	id         model.RowID
	rowVersion string
	refCounts  map[string]int
}

// QueryDrivenUpdater is a short-lived, in-memory transaction object: built
// from a base snapshot, it absorbs newly observed query and row results and
// computes the next CVR version and the minimal patch set to persist.
// Queries not mentioned in TrackQueries are left untouched. A flush that
// loses the optimistic-concurrency race fails with the concurrency error;
// the caller reloads and recomputes.
type QueryDrivenUpdater struct {
	store UpdaterStore
	base  *model.CVR
	next  *model.CVR

	stateVersion   string
	replicaVersion string

	tracked map[string]TrackedQuery
	removed map[string]struct{}
	rows    map[string]*mergedRow

	flushed bool
	logger  *zap.Logger
}

// NewQueryDrivenUpdater builds an updater targeting stateVersion, consistent
// with the given upstream replicaVersion.
func NewQueryDrivenUpdater(store UpdaterStore, base *model.CVR, stateVersion, replicaVersion string, logger *zap.Logger) *QueryDrivenUpdater {
	return &QueryDrivenUpdater{
		store:          store,
		base:           base,
		next:           base.Clone(),
		stateVersion:   stateVersion,
		replicaVersion: replicaVersion,
		tracked:        make(map[string]TrackedQuery),
		removed:        make(map[string]struct{}),
		rows:           make(map[string]*mergedRow),
		logger:         logger,
	}
}

// TrackQueries records which query IDs' results are expected in this update
// and which tracked queries are being removed.
func (u *QueryDrivenUpdater) TrackQueries(track []TrackedQuery, remove []string) error {
	for _, t := range track {
		if _, ok := u.next.Queries[t.ID]; !ok {
			return syncerr.InvalidArgument(
				fmt.Sprintf("cannot track unknown query %s", t.ID), nil)
		}
		u.tracked[t.ID] = t
	}
	for _, id := range remove {
		if _, ok := u.next.Queries[id]; !ok {
			return syncerr.InvalidArgument(
				fmt.Sprintf("cannot remove unknown query %s", id), nil)
		}
		u.removed[id] = struct{}{}
	}
	return nil
}

// Received absorbs newly computed row state for tracked queries. Reference
// counts for the same row merge additively across calls; a nil RefCounts
// marks the row as no longer matching any tracked query.
func (u *QueryDrivenUpdater) Received(updates []model.RowUpdate) error {
	for _, up := range updates {
		key := up.ID.Key()
		row, ok := u.rows[key]
		if !ok {
			row = &mergedRow{id: up.ID}
			u.rows[key] = row
		}
		row.rowVersion = up.RowVersion
		if up.RefCounts == nil {
			row.refCounts = nil
			continue
		}
		if row.refCounts == nil {
			row.refCounts = make(map[string]int, len(up.RefCounts))
		}
		for hash, n := range up.RefCounts {
			row.refCounts[hash] += n
		}
	}
	return nil
}

// Flush computes the minimal diff against the base snapshot and persists it
// through the store, returning the new CVR snapshot. Advancing the state
// version resets the minor version; changes at the same state bump it.
func (u *QueryDrivenUpdater) Flush(ctx context.Context, now time.Time, ttlClock model.TTLClock) (*model.CVR, error) {
	if u.flushed {
		return nil, syncerr.InvalidArgument("updater has already flushed", nil)
	}
	u.flushed = true

	diff := &model.CVRDiff{}
	anyChange := len(u.rows) > 0 || len(u.removed) > 0

	// Tracked queries only produce a patch when their transformation or
	// got status actually changed.
	var dirtyQueries []string
	for id, t := range u.tracked {
		q := u.next.Queries[id]
		if q.TransformationHash != t.TransformationHash ||
			q.TransformationVersion != t.TransformationVersion ||
			q.PatchVersion == nil {
			dirtyQueries = append(dirtyQueries, id)
			anyChange = true
		}
	}

	nextVersion := u.base.Version
	if u.stateVersion != u.base.Version.StateVersion {
		nextVersion = model.CVRVersion{StateVersion: u.stateVersion}
	} else if anyChange {
		nextVersion = u.base.Version.Next(u.stateVersion)
	}

	for _, id := range dirtyQueries {
		q := u.next.Queries[id]
		t := u.tracked[id]
		q.TransformationHash = t.TransformationHash
		q.TransformationVersion = t.TransformationVersion
		pv := nextVersion
		q.PatchVersion = &pv
		diff.QueryPuts = append(diff.QueryPuts, q)
	}

	for id := range u.removed {
		delete(u.next.Queries, id)
		diff.QueryDeletes = append(diff.QueryDeletes, id)
	}

	for _, row := range u.rows {
		rec := &model.RowRecord{
			ID:           row.id,
			RowVersion:   row.rowVersion,
			PatchVersion: nextVersion,
		}
		if row.refCounts != nil {
			counts := make(map[string]int, len(row.refCounts))
			for hash, n := range row.refCounts {
				if n > 0 {
					counts[hash] = n
				}
			}
			if len(counts) > 0 {
				rec.RefCounts = counts
			}
		}
		diff.Rows = append(diff.Rows, rec)
	}

	u.next.Version = nextVersion
	u.next.LastActive = now
	u.next.TTLClock = ttlClock
	u.next.ReplicaVersion = u.replicaVersion

	if err := u.store.Flush(ctx, u.base.Version, u.next, diff); err != nil {
		return nil, err
	}

	u.logger.Debug("Query-driven update flushed",
		zap.String("base_version", u.base.Version.String()),
		zap.String("version", nextVersion.String()),
		zap.Int("queries", len(dirtyQueries)),
		zap.Int("removed", len(u.removed)),
		zap.Int("rows", len(diff.Rows)))
	return u.next, nil
}
