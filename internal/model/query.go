package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueryKind is the closed set of query kinds tracked in a CVR. Consumption
// sites switch exhaustively on it so a new kind is a compile-and-review
// exercise, not a silent fallthrough.
type QueryKind string

const (
	// QueryKindClient is a query whose AST the client declared directly.
	QueryKindClient QueryKind = "client"
	// QueryKindCustom is a named query resolved to an AST by the external
	// transform authority.
	QueryKindCustom QueryKind = "custom"
	// QueryKindInternal is a server-issued query not owned by any client.
	QueryKindInternal QueryKind = "internal"
)

// ClientRecord tracks one logical client within a client group.
type ClientRecord struct {
	ID string
	// DesiredQueryIDs holds the IDs of queries this client actively desires
	// (desires without an InactivatedAt mark).
	DesiredQueryIDs map[string]struct{}
}

// Clone returns a deep copy of the record.
func (c *ClientRecord) Clone() *ClientRecord {
	ids := make(map[string]struct{}, len(c.DesiredQueryIDs))
	for id := range c.DesiredQueryIDs {
		ids[id] = struct{}{}
	}
	return &ClientRecord{ID: c.ID, DesiredQueryIDs: ids}
}

// ClientQueryState is the per-client desire/possession bookkeeping for one
// query. InactivatedAt absent means the query is actively desired; present
// means the client stopped wanting it at that logical time and the desire
// stays alive only until InactivatedAt + TTL.
type ClientQueryState struct {
	// TTL is how long an inactivated desire survives. Negative means the
	// desire never expires.
	TTL time.Duration
	// InactivatedAt is the logical time the client stopped desiring the
	// query, or nil while the desire is active.
	InactivatedAt *TTLClock
	// Version is the CVR version at which this desire was last changed.
	Version CVRVersion
}

// Expired reports whether the desire has aged out at the given logical time.
func (s ClientQueryState) Expired(now TTLClock) bool {
	if s.InactivatedAt == nil {
		return false
	}
	if s.TTL < 0 {
		return false
	}
	return s.InactivatedAt.AsNumber()+s.TTL.Milliseconds() <= now.AsNumber()
}

// QueryRecord is one tracked query within a CVR. The identity-defining
// payload is AST for client/internal kinds and Name+Args for custom kind.
type QueryRecord struct {
	ID   string
	Kind QueryKind

	// AST is set for client and internal queries.
	AST json.RawMessage
	// Name and Args are set for custom queries.
	Name string
	Args json.RawMessage

	// TransformationHash and TransformationVersion identify the authorized,
	// executable form actually run. Both are empty until the query has been
	// gotten (executed and materialized) at least once.
	TransformationHash    string
	TransformationVersion string

	// PatchVersion is the CVR version at which the query's got status was
	// last confirmed to the client; nil means not yet confirmed.
	PatchVersion *CVRVersion

	// ClientState maps client ID to that client's desire state.
	ClientState map[string]ClientQueryState

	// Deleted marks the record as a tombstone kept for catch-up patches.
	Deleted bool
}

// Got reports whether the query has been transformed and materialized at
// least once.
func (q *QueryRecord) Got() bool {
	return q.TransformationHash != ""
}

// Validate checks that the record's payload matches its kind.
func (q *QueryRecord) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("query record has empty ID")
	}
	switch q.Kind {
	case QueryKindClient, QueryKindInternal:
		if len(q.AST) == 0 {
			return fmt.Errorf("query %s: %s query requires an AST", q.ID, q.Kind)
		}
	case QueryKindCustom:
		if q.Name == "" {
			return fmt.Errorf("query %s: custom query requires a name", q.ID)
		}
	default:
		return fmt.Errorf("query %s: unknown query kind %q", q.ID, q.Kind)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (q *QueryRecord) Clone() *QueryRecord {
	out := *q
	if q.PatchVersion != nil {
		pv := *q.PatchVersion
		out.PatchVersion = &pv
	}
	out.ClientState = make(map[string]ClientQueryState, len(q.ClientState))
	for id, st := range q.ClientState {
		if st.InactivatedAt != nil {
			at := *st.InactivatedAt
			st.InactivatedAt = &at
		}
		out.ClientState[id] = st
	}
	out.AST = append(json.RawMessage(nil), q.AST...)
	out.Args = append(json.RawMessage(nil), q.Args...)
	return &out
}
