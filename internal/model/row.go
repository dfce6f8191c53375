package model

import "encoding/json"

// RowID uniquely identifies an upstream row by schema, table, and key
// columns.
type RowID struct {
	Schema string
	Table  string
	RowKey map[string]any
}

// Key returns a canonical string identity for the row, suitable for map keys
// and for the stored row primary key. encoding/json sorts map keys, so the
// encoding is stable for equal RowIDs.
func (r RowID) Key() string {
	b, err := json.Marshal([]any{r.Schema, r.Table, r.RowKey})
	if err != nil {
		// RowKey values come from upstream row data and are always
		// JSON-representable; a failure here is a programming error.
		panic("model: unencodable row key: " + err.Error())
	}
	return string(b)
}

// RowRecord is the persisted per-row bookkeeping of a CVR. RefCounts maps
// each referencing query hash to the number of currently-tracked query
// results containing the row; a nil map is a tombstone (the row no longer
// matches any tracked query, the patch is kept so lagging clients learn of
// the removal).
type RowRecord struct {
	ID           RowID
	RowVersion   string
	RefCounts    map[string]int
	PatchVersion CVRVersion
}

// Tombstone reports whether the record marks the row as removed.
func (r *RowRecord) Tombstone() bool {
	return r.RefCounts == nil
}

// RowUpdate is a newly computed row result reported by the query executor.
// RefCounts carries the row's new per-query reference counts; nil means the
// row no longer matches any tracked query. Contents is the row data itself,
// which flows onward to clients but is never persisted in the CVR row tier.
type RowUpdate struct {
	ID         RowID
	RowVersion string
	Contents   json.RawMessage
	RefCounts  map[string]int
}
