package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/model"
)

// DesiredQuery is one query a client declares interest in.
type DesiredQuery struct {
	ID   string
	Kind model.QueryKind
	AST  json.RawMessage
	Name string
	Args json.RawMessage
	// TTL is how long the desire survives after inactivation. Negative
	// means forever.
	TTL time.Duration
}

// ConfigDrivenUpdater mutates the desired-query configuration of a CVR:
// which clients exist and which queries each desires. Configuration-only
// changes never advance the state version; they bump the minor version.
// Like the query-driven updater it is short-lived and single-flush.
type ConfigDrivenUpdater struct {
	store UpdaterStore
	base  *model.CVR
	next  *model.CVR

	changedDesires map[string]map[string]struct{}
	deletedDesires map[string]map[string]struct{}
	changedQueries map[string]struct{}
	deletedQueries map[string]struct{}
	newClients     map[string]struct{}
	deletedClients map[string]struct{}

	flushed bool
	logger  *zap.Logger
}

// NewConfigDrivenUpdater builds a configuration updater over a base
// snapshot.
func NewConfigDrivenUpdater(store UpdaterStore, base *model.CVR, logger *zap.Logger) *ConfigDrivenUpdater {
	return &ConfigDrivenUpdater{
		store:          store,
		base:           base,
		next:           base.Clone(),
		changedDesires: make(map[string]map[string]struct{}),
		deletedDesires: make(map[string]map[string]struct{}),
		changedQueries: make(map[string]struct{}),
		deletedQueries: make(map[string]struct{}),
		newClients:     make(map[string]struct{}),
		deletedClients: make(map[string]struct{}),
		logger:         logger,
	}
}

// PutDesiredQueries records the client's desire for the given queries,
// creating the client and any unknown query records. Re-desiring an
// inactivated query reactivates it.
func (u *ConfigDrivenUpdater) PutDesiredQueries(clientID string, queries []DesiredQuery) error {
	client, ok := u.next.Clients[clientID]
	if !ok {
		client = &model.ClientRecord{ID: clientID, DesiredQueryIDs: make(map[string]struct{})}
		u.next.Clients[clientID] = client
		u.newClients[clientID] = struct{}{}
		delete(u.deletedClients, clientID)
	}

	for _, dq := range queries {
		q, exists := u.next.Queries[dq.ID]
		if !exists {
			q = &model.QueryRecord{
				ID:          dq.ID,
				Kind:        dq.Kind,
				AST:         dq.AST,
				Name:        dq.Name,
				Args:        dq.Args,
				ClientState: make(map[string]model.ClientQueryState),
			}
			if err := q.Validate(); err != nil {
				return syncerr.InvalidArgument("invalid desired query", err)
			}
			u.next.Queries[dq.ID] = q
			u.changedQueries[dq.ID] = struct{}{}
			delete(u.deletedQueries, dq.ID)
		}

		st, had := q.ClientState[clientID]
		if had && st.InactivatedAt == nil && st.TTL == dq.TTL {
			// Already actively desired with the same TTL; nothing to patch.
			continue
		}
		st.TTL = dq.TTL
		st.InactivatedAt = nil
		q.ClientState[clientID] = st
		client.DesiredQueryIDs[dq.ID] = struct{}{}
		u.markDesireChanged(clientID, dq.ID)
	}
	return nil
}

// MarkDesiredQueriesInactive marks the client's desires as inactivated at
// the given logical time. The desires stay alive until their TTL elapses.
func (u *ConfigDrivenUpdater) MarkDesiredQueriesInactive(clientID string, queryIDs []string, ttlClock model.TTLClock) error {
	for _, id := range queryIDs {
		q, st, err := u.desire(clientID, id)
		if err != nil {
			return err
		}
		at := ttlClock
		st.InactivatedAt = &at
		q.ClientState[clientID] = st
		if client, ok := u.next.Clients[clientID]; ok {
			delete(client.DesiredQueryIDs, id)
		}
		u.markDesireChanged(clientID, id)
	}
	return nil
}

// DeleteDesiredQueries removes the client's desires outright. A query with
// no remaining desires is deleted, unless it is an internal query.
func (u *ConfigDrivenUpdater) DeleteDesiredQueries(clientID string, queryIDs []string) error {
	for _, id := range queryIDs {
		q, _, err := u.desire(clientID, id)
		if err != nil {
			return err
		}
		delete(q.ClientState, clientID)
		if client, ok := u.next.Clients[clientID]; ok {
			delete(client.DesiredQueryIDs, id)
		}
		u.markDesireDeleted(clientID, id)
		u.dropQueryIfOrphaned(id)
	}
	return nil
}

// DeleteClient removes a client and all its desires.
func (u *ConfigDrivenUpdater) DeleteClient(clientID string) error {
	if _, ok := u.next.Clients[clientID]; !ok {
		return syncerr.NotFound("client", clientID)
	}
	for id, q := range u.next.Queries {
		if _, ok := q.ClientState[clientID]; !ok {
			continue
		}
		delete(q.ClientState, clientID)
		u.markDesireDeleted(clientID, id)
		u.dropQueryIfOrphaned(id)
	}
	delete(u.next.Clients, clientID)
	delete(u.newClients, clientID)
	u.deletedClients[clientID] = struct{}{}
	return nil
}

// Flush prunes desires expired at ttlClock, assigns the next version (a
// minor bump when anything changed), and persists the diff.
func (u *ConfigDrivenUpdater) Flush(ctx context.Context, now time.Time, ttlClock model.TTLClock) (*model.CVR, error) {
	if u.flushed {
		return nil, syncerr.InvalidArgument("updater has already flushed", nil)
	}
	u.flushed = true

	// Expired desires are swept opportunistically on every config flush.
	for id, q := range u.next.Queries {
		for clientID, st := range q.ClientState {
			if !st.Expired(ttlClock) {
				continue
			}
			delete(q.ClientState, clientID)
			u.markDesireDeleted(clientID, id)
			u.dropQueryIfOrphaned(id)
		}
	}

	anyChange := len(u.changedDesires) > 0 || len(u.deletedDesires) > 0 ||
		len(u.changedQueries) > 0 || len(u.deletedQueries) > 0 ||
		len(u.newClients) > 0 || len(u.deletedClients) > 0

	nextVersion := u.base.Version
	if anyChange {
		nextVersion = u.base.Version.Next(u.base.Version.StateVersion)
	}

	diff := &model.CVRDiff{}
	for clientID, ids := range u.changedDesires {
		for id := range ids {
			q, ok := u.next.Queries[id]
			if !ok {
				continue
			}
			st, ok := q.ClientState[clientID]
			if !ok {
				continue
			}
			st.Version = nextVersion
			q.ClientState[clientID] = st
			diff.DesirePuts = append(diff.DesirePuts, model.DesireRecord{
				ClientID: clientID,
				QueryID:  id,
				State:    st,
			})
		}
	}
	for clientID, ids := range u.deletedDesires {
		for id := range ids {
			diff.DesireDeletes = append(diff.DesireDeletes, model.DesireRecord{
				ClientID: clientID,
				QueryID:  id,
				Deleted:  true,
			})
		}
	}
	for id := range u.changedQueries {
		if q, ok := u.next.Queries[id]; ok {
			diff.QueryPuts = append(diff.QueryPuts, q)
		}
	}
	for id := range u.deletedQueries {
		diff.QueryDeletes = append(diff.QueryDeletes, id)
	}
	for id := range u.newClients {
		diff.ClientPuts = append(diff.ClientPuts, u.next.Clients[id])
	}
	for id := range u.deletedClients {
		diff.ClientDeletes = append(diff.ClientDeletes, id)
	}

	u.next.Version = nextVersion
	u.next.LastActive = now
	u.next.TTLClock = ttlClock

	if err := u.store.Flush(ctx, u.base.Version, u.next, diff); err != nil {
		return nil, err
	}

	u.logger.Debug("Config-driven update flushed",
		zap.String("base_version", u.base.Version.String()),
		zap.String("version", nextVersion.String()),
		zap.Int("desire_puts", len(diff.DesirePuts)),
		zap.Int("desire_deletes", len(diff.DesireDeletes)))
	return u.next, nil
}

func (u *ConfigDrivenUpdater) desire(clientID, queryID string) (*model.QueryRecord, model.ClientQueryState, error) {
	q, ok := u.next.Queries[queryID]
	if !ok {
		return nil, model.ClientQueryState{}, syncerr.NotFound("query", queryID)
	}
	st, ok := q.ClientState[clientID]
	if !ok {
		return nil, model.ClientQueryState{}, syncerr.NotFound("desire",
			fmt.Sprintf("%s/%s", clientID, queryID))
	}
	return q, st, nil
}

func (u *ConfigDrivenUpdater) markDesireChanged(clientID, queryID string) {
	if m, ok := u.deletedDesires[clientID]; ok {
		delete(m, queryID)
	}
	if u.changedDesires[clientID] == nil {
		u.changedDesires[clientID] = make(map[string]struct{})
	}
	u.changedDesires[clientID][queryID] = struct{}{}
}

func (u *ConfigDrivenUpdater) markDesireDeleted(clientID, queryID string) {
	if m, ok := u.changedDesires[clientID]; ok {
		delete(m, queryID)
	}
	if u.deletedDesires[clientID] == nil {
		u.deletedDesires[clientID] = make(map[string]struct{})
	}
	u.deletedDesires[clientID][queryID] = struct{}{}
}

// dropQueryIfOrphaned deletes a query record once no desires reference it.
// Internal queries are server-owned and survive with no desires.
func (u *ConfigDrivenUpdater) dropQueryIfOrphaned(queryID string) {
	q, ok := u.next.Queries[queryID]
	if !ok || len(q.ClientState) > 0 {
		return
	}
	switch q.Kind {
	case model.QueryKindInternal:
		return
	case model.QueryKindClient, model.QueryKindCustom:
		delete(u.next.Queries, queryID)
		delete(u.changedQueries, queryID)
		u.deletedQueries[queryID] = struct{}{}
	}
}
