package model

import (
	"encoding/json"
	"time"
)

// Ownership records which task currently holds write ownership of a CVR.
// Exactly one task may own a CVR at a time; ownership transfers only to a
// strictly later GrantedAt.
type Ownership struct {
	Owner     string
	GrantedAt time.Time
}

// CVR is the aggregate client view record for one client group. Rows are
// not embedded; they are addressed and diffed separately through the row
// tier for scale.
type CVR struct {
	ID             string
	Version        CVRVersion
	LastActive     time.Time
	TTLClock       TTLClock
	ReplicaVersion string
	ClientSchema   json.RawMessage
	Clients        map[string]*ClientRecord
	Queries        map[string]*QueryRecord
}

// Clone returns a deep copy. Loaded snapshots are treated as immutable;
// updaters work on clones.
func (c *CVR) Clone() *CVR {
	out := *c
	out.ClientSchema = append(json.RawMessage(nil), c.ClientSchema...)
	out.Clients = make(map[string]*ClientRecord, len(c.Clients))
	for id, cl := range c.Clients {
		out.Clients[id] = cl.Clone()
	}
	out.Queries = make(map[string]*QueryRecord, len(c.Queries))
	for id, q := range c.Queries {
		out.Queries[id] = q.Clone()
	}
	return &out
}

// DesireRecord is one persisted desire row: a (client, query) pair with its
// bookkeeping state.
type DesireRecord struct {
	ClientID string
	QueryID  string
	State    ClientQueryState
	Deleted  bool
}

// CVRDiff is the minimal set of changes a flush persists: queries whose
// patch version or transformation changed, clients whose membership changed,
// desires that changed, and rows whose ref counts or version changed.
type CVRDiff struct {
	QueryPuts     []*QueryRecord
	QueryDeletes  []string
	ClientPuts    []*ClientRecord
	ClientDeletes []string
	DesirePuts    []DesireRecord
	DesireDeletes []DesireRecord
	Rows          []*RowRecord
}

// Empty reports whether the diff carries no changes at all.
func (d *CVRDiff) Empty() bool {
	return len(d.QueryPuts) == 0 && len(d.QueryDeletes) == 0 &&
		len(d.ClientPuts) == 0 && len(d.ClientDeletes) == 0 &&
		len(d.DesirePuts) == 0 && len(d.DesireDeletes) == 0 &&
		len(d.Rows) == 0
}
