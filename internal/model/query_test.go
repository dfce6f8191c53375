package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientQueryStateExpired(t *testing.T) {
	at := TTLClockFromNumber(1000)

	tests := []struct {
		name  string
		state ClientQueryState
		now   int64
		want  bool
	}{
		{
			name:  "active desire never expires",
			state: ClientQueryState{TTL: time.Second},
			now:   1 << 40,
			want:  false,
		},
		{
			name:  "negative TTL means forever",
			state: ClientQueryState{TTL: -1, InactivatedAt: &at},
			now:   1 << 40,
			want:  false,
		},
		{
			name:  "before deadline",
			state: ClientQueryState{TTL: time.Second, InactivatedAt: &at},
			now:   1999,
			want:  false,
		},
		{
			name:  "at deadline",
			state: ClientQueryState{TTL: time.Second, InactivatedAt: &at},
			now:   2000,
			want:  true,
		},
		{
			name:  "past deadline",
			state: ClientQueryState{TTL: time.Second, InactivatedAt: &at},
			now:   5000,
			want:  true,
		},
		{
			name:  "zero TTL expires immediately",
			state: ClientQueryState{TTL: 0, InactivatedAt: &at},
			now:   1000,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Expired(TTLClockFromNumber(tt.now)))
		})
	}
}

func TestQueryRecordValidate(t *testing.T) {
	ast := json.RawMessage(`{"table":"issues"}`)

	tests := []struct {
		name    string
		query   QueryRecord
		wantErr bool
	}{
		{
			name:  "client query with AST",
			query: QueryRecord{ID: "q1", Kind: QueryKindClient, AST: ast},
		},
		{
			name:  "internal query with AST",
			query: QueryRecord{ID: "q2", Kind: QueryKindInternal, AST: ast},
		},
		{
			name:  "custom query with name",
			query: QueryRecord{ID: "q3", Kind: QueryKindCustom, Name: "openIssues"},
		},
		{
			name:    "client query without AST",
			query:   QueryRecord{ID: "q4", Kind: QueryKindClient},
			wantErr: true,
		},
		{
			name:    "custom query without name",
			query:   QueryRecord{ID: "q5", Kind: QueryKindCustom},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			query:   QueryRecord{ID: "q6", Kind: QueryKind("mystery"), AST: ast},
			wantErr: true,
		},
		{
			name:    "empty ID",
			query:   QueryRecord{Kind: QueryKindClient, AST: ast},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueryRecordCloneIsDeep(t *testing.T) {
	at := TTLClockFromNumber(500)
	pv := CVRVersion{StateVersion: "0a", MinorVersion: 2}
	q := &QueryRecord{
		ID:           "q1",
		Kind:         QueryKindClient,
		AST:          json.RawMessage(`{"table":"issues"}`),
		PatchVersion: &pv,
		ClientState: map[string]ClientQueryState{
			"c1": {TTL: time.Minute, InactivatedAt: &at},
		},
	}

	clone := q.Clone()
	clone.ClientState["c2"] = ClientQueryState{}
	*clone.PatchVersion = CVRVersion{StateVersion: "0b"}

	assert.Len(t, q.ClientState, 1)
	assert.Equal(t, "0a", q.PatchVersion.StateVersion)
}

func TestQueryHashStableAcrossEncodings(t *testing.T) {
	// Key order and whitespace must not change the identity.
	a, err := QueryHash(QueryKindClient, json.RawMessage(`{"table":"issues","limit":10}`), "", nil)
	assert.NoError(t, err)
	b, err := QueryHash(QueryKindClient, json.RawMessage(`{ "limit": 10, "table": "issues" }`), "", nil)
	assert.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := QueryHash(QueryKindClient, json.RawMessage(`{"table":"comments","limit":10}`), "", nil)
	assert.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestQueryHashSeparatesKinds(t *testing.T) {
	ast := json.RawMessage(`{"table":"issues"}`)
	client, err := QueryHash(QueryKindClient, ast, "", nil)
	assert.NoError(t, err)
	internal, err := QueryHash(QueryKindInternal, ast, "", nil)
	assert.NoError(t, err)
	assert.NotEqual(t, client, internal)

	custom1, err := QueryHash(QueryKindCustom, nil, "openIssues", json.RawMessage(`[1,2]`))
	assert.NoError(t, err)
	custom2, err := QueryHash(QueryKindCustom, nil, "openIssues", json.RawMessage(`[1,3]`))
	assert.NoError(t, err)
	assert.NotEqual(t, custom1, custom2)
}
