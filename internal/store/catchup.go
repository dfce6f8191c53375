package store

import (
	"context"
	"encoding/json"
	"fmt"

	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/model"
)

// RowPatchIterator lazily pages through the row patches a reconnecting
// client needs: all rows with a patch version in (after, upTo], in
// non-decreasing patch-version order, so the client can apply each batch as
// a valid prefix of history. Rows whose only referencing queries are in the
// exclusion set are skipped.
//
// Each page re-checks that the stored CVR version still equals the version
// the caller expected; a concurrent commit surfaces the concurrency error,
// the read-side analogue of the flush-time version guard.
type RowPatchIterator struct {
	store    *CVRStore
	after    model.CVRVersion
	upTo     model.CVRVersion
	current  model.CVRVersion
	exclude  map[string]struct{}
	pageSize int

	// keyset cursor: strictly after this (patch version, row key hash).
	cursorVersion model.CVRVersion
	cursorKeyHash string
	done          bool
}

// CatchupRowPatches builds an iterator over the patches in (after, upTo].
// current is the store version the caller observed; iteration fails if a
// concurrent writer moves it.
func (s *CVRStore) CatchupRowPatches(after, upTo, current model.CVRVersion, exclude map[string]struct{}) *RowPatchIterator {
	it := &RowPatchIterator{
		store:         s,
		after:         after,
		upTo:          upTo,
		current:       current,
		exclude:       exclude,
		pageSize:      s.catchupPageSize,
		cursorVersion: after,
	}
	if model.CompareVersions(after, upTo) >= 0 {
		it.done = true
	}
	return it
}

// Next returns the next batch of row patches, or (nil, nil) when the
// sequence is exhausted. The batch preserves non-decreasing patch-version
// order across calls.
func (it *RowPatchIterator) Next(ctx context.Context) ([]*model.RowRecord, error) {
	if it.done {
		return nil, nil
	}

	if err := it.checkCurrent(ctx); err != nil {
		return nil, err
	}

	rows, err := it.store.pool.Query(ctx,
		`SELECT row_key_hash, schema_name, table_name, row_key, row_version,
			patch_state_version, patch_minor_version, ref_counts
		 FROM cvr_rows
		 WHERE client_group_id = $1
		   AND (patch_state_version, patch_minor_version, row_key_hash) > ($2, $3, $4)
		   AND (patch_state_version, patch_minor_version) <= ($5, $6)
		 ORDER BY patch_state_version, patch_minor_version, row_key_hash
		 LIMIT $7`,
		it.store.cvrID,
		it.cursorVersion.StateVersion, it.cursorVersion.MinorVersion, it.cursorKeyHash,
		it.upTo.StateVersion, it.upTo.MinorVersion,
		it.pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query catch-up page: %w", err)
	}
	defer rows.Close()

	var batch []*model.RowRecord
	var fetched int
	for rows.Next() {
		fetched++
		var keyHash string
		var rowKey, refCounts []byte
		r := &model.RowRecord{}
		if err := rows.Scan(&keyHash, &r.ID.Schema, &r.ID.Table, &rowKey, &r.RowVersion,
			&r.PatchVersion.StateVersion, &r.PatchVersion.MinorVersion, &refCounts); err != nil {
			return nil, fmt.Errorf("failed to scan catch-up row: %w", err)
		}
		if err := json.Unmarshal(rowKey, &r.ID.RowKey); err != nil {
			return nil, fmt.Errorf("failed to decode row key: %w", err)
		}
		if refCounts != nil {
			if err := json.Unmarshal(refCounts, &r.RefCounts); err != nil {
				return nil, fmt.Errorf("failed to decode ref counts: %w", err)
			}
		}
		it.cursorVersion = r.PatchVersion
		it.cursorKeyHash = keyHash

		if it.excluded(r) {
			continue
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catch-up page: %w", err)
	}

	if fetched < it.pageSize {
		it.done = true
	}
	if len(batch) == 0 {
		if it.done {
			return nil, nil
		}
		// Page was entirely excluded; advance to the next one.
		return it.Next(ctx)
	}

	it.store.metrics.RecordCatchupBatch()
	return batch, nil
}

// checkCurrent fails the iteration if another writer advanced the CVR since
// the caller observed current.
func (it *RowPatchIterator) checkCurrent(ctx context.Context) error {
	var stored model.CVRVersion
	err := it.store.pool.QueryRow(ctx,
		`SELECT state_version, minor_version FROM cvr_instances WHERE client_group_id = $1`,
		it.store.cvrID,
	).Scan(&stored.StateVersion, &stored.MinorVersion)
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}
	if model.CompareVersions(stored, it.current) != 0 {
		it.store.metrics.RecordConflict()
		return syncerr.ConcurrentModification(it.store.cvrID, it.current.String(), stored.String())
	}
	return nil
}

// excluded reports whether every query referencing the row is in the
// exclusion set. Tombstones reference no queries and are always delivered.
func (it *RowPatchIterator) excluded(r *model.RowRecord) bool {
	if len(it.exclude) == 0 || len(r.RefCounts) == 0 {
		return false
	}
	for hash := range r.RefCounts {
		if _, ok := it.exclude[hash]; !ok {
			return false
		}
	}
	return true
}
