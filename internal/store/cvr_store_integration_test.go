package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lucidstream/viewsync/internal/config"
	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/model"
)

// testPool connects to the database named by VIEWSYNC_TEST_DATABASE_URL and
// applies the schema. Tests are keyed by fresh client group IDs, so they
// share one database without interfering.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("VIEWSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VIEWSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Setup(ctx, pool, zap.NewNop()))
	return pool
}

func testStore(t *testing.T, pool *pgxpool.Pool, cvrID, taskID string, mutate func(*config.CVRConfig)) *CVRStore {
	t.Helper()
	cfg := config.CVRConfig{
		LoadMaxAttempts: 5,
		LoadRetryDelay:  10 * time.Millisecond,
		InlineRowLimit:  32,
		MaxRowBatchSize: 8,
		FlushQueueSize:  16,
		CatchupPageSize: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewCVRStore(pool, cvrID, taskID, cfg, nil, zap.NewNop())
	t.Cleanup(func() { s.Stop(time.Second) })
	return s
}

func flushCVR(id string, version model.CVRVersion) *model.CVR {
	return &model.CVR{
		ID:         id,
		Version:    version,
		LastActive: time.Now().UTC(),
	}
}

// makePatchRows builds distinct row records stamped with the given patch
// version.
func makePatchRows(prefix string, n int, version model.CVRVersion, refCounts map[string]int) []*model.RowRecord {
	rows := make([]*model.RowRecord, n)
	for i := range rows {
		rows[i] = &model.RowRecord{
			ID: model.RowID{
				Schema: "public",
				Table:  "issues",
				RowKey: map[string]any{"id": fmt.Sprintf("%s-%d", prefix, i)},
			},
			RowVersion:   "v1",
			RefCounts:    refCounts,
			PatchVersion: version,
		}
	}
	return rows
}

func TestLoadCreatesNewCVR(t *testing.T) {
	pool := testPool(t)
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", nil)

	cvr, err := s.Load(context.Background(), time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	assert.Equal(t, cvrID, cvr.ID)
	assert.Equal(t, model.CVRVersion{StateVersion: "00"}, cvr.Version)
	assert.Empty(t, cvr.Clients)
	assert.Empty(t, cvr.Queries)
}

func TestFlushLoadRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", nil)

	base, err := s.Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	next := model.CVRVersion{StateVersion: "01"}
	cvr := flushCVR(cvrID, next)
	cvr.ReplicaVersion = "r7"
	cvr.ClientSchema = json.RawMessage(`{"tables":["issues"]}`)

	diff := &model.CVRDiff{
		QueryPuts: []*model.QueryRecord{
			{
				ID:                 "q1",
				Kind:               model.QueryKindCustom,
				Name:               "openIssues",
				Args:               json.RawMessage(`[7]`),
				TransformationHash: "th1",
				PatchVersion:       &next,
			},
			{
				ID:   "q2",
				Kind: model.QueryKindClient,
				AST:  json.RawMessage(`{"table":"issues"}`),
			},
		},
		ClientPuts: []*model.ClientRecord{{ID: "c1"}},
		DesirePuts: []model.DesireRecord{
			{ClientID: "c1", QueryID: "q1", State: model.ClientQueryState{TTL: 5 * time.Minute, Version: next}},
		},
		Rows: makePatchRows("rt", 3, next, map[string]int{"q1": 1}),
	}

	require.NoError(t, s.Flush(ctx, base.Version, cvr, diff))
	require.NoError(t, s.Flushed(ctx))

	reloaded, err := testStore(t, pool, cvrID, "task-a", nil).Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	assert.Equal(t, next, reloaded.Version)
	assert.Equal(t, "r7", reloaded.ReplicaVersion)
	assert.JSONEq(t, `{"tables":["issues"]}`, string(reloaded.ClientSchema))

	require.Contains(t, reloaded.Queries, "q1")
	q1 := reloaded.Queries["q1"]
	assert.Equal(t, model.QueryKindCustom, q1.Kind)
	assert.Equal(t, "openIssues", q1.Name)
	assert.Equal(t, "th1", q1.TransformationHash)
	require.NotNil(t, q1.PatchVersion)
	assert.Equal(t, next, *q1.PatchVersion)

	require.Contains(t, reloaded.Queries, "q2")
	assert.JSONEq(t, `{"table":"issues"}`, string(reloaded.Queries["q2"].AST))

	require.Contains(t, reloaded.Clients, "c1")
	assert.Contains(t, reloaded.Clients["c1"].DesiredQueryIDs, "q1")
	st, ok := q1.ClientState["c1"]
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, st.TTL)
	assert.Equal(t, next, st.Version)
}

func TestFlushVersionGuard(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", nil)

	base, err := s.Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	winner := model.CVRVersion{StateVersion: "01"}
	require.NoError(t, s.Flush(ctx, base.Version, flushCVR(cvrID, winner), &model.CVRDiff{}))

	// A second writer flushing from the same base must lose.
	err = s.Flush(ctx, base.Version, flushCVR(cvrID, model.CVRVersion{StateVersion: "01", MinorVersion: 1}), &model.CVRDiff{})
	assert.True(t, syncerr.IsCode(err, syncerr.ErrCodeConcurrentModification))

	var stored model.CVRVersion
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT state_version, minor_version FROM cvr_instances WHERE client_group_id = $1`,
		cvrID).Scan(&stored.StateVersion, &stored.MinorVersion))
	assert.Equal(t, winner, stored, "the losing flush leaves the winner's version in place")
}

func TestOwnershipArbitration(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	clock := model.TTLClockFromNumber(0)

	t0 := time.Now().UTC()
	t1 := t0.Add(time.Second)
	t2 := t1.Add(time.Second)

	taskA := testStore(t, pool, cvrID, "task-a", nil)
	taskB := testStore(t, pool, cvrID, "task-b", nil)

	_, err := taskA.Load(ctx, t0, clock)
	require.NoError(t, err)

	// A later connection through another task takes ownership away.
	_, err = taskB.Load(ctx, t1, clock)
	require.NoError(t, err)

	// The displaced task reconnecting with its old timestamp stays locked out.
	_, err = taskA.Load(ctx, t0, clock)
	assert.True(t, syncerr.IsCode(err, syncerr.ErrCodeOwnership))

	var owner string
	var grantedAt time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT owner, granted_at FROM cvr_instances WHERE client_group_id = $1`,
		cvrID).Scan(&owner, &grantedAt))
	assert.Equal(t, "task-b", owner)

	// A strictly newer connection reclaims it.
	_, err = taskA.Load(ctx, t2, clock)
	require.NoError(t, err)

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT owner FROM cvr_instances WHERE client_group_id = $1`,
		cvrID).Scan(&owner))
	assert.Equal(t, "task-a", owner)
}

func TestLoadRowsBehindKeepsOwnership(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", func(c *config.CVRConfig) {
		c.LoadMaxAttempts = 2
		c.LoadRetryDelay = time.Millisecond
	})

	base, err := s.Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx, base.Version, flushCVR(cvrID, model.CVRVersion{StateVersion: "01"}), &model.CVRDiff{}))

	// Drag the row frontier behind the committed metadata version, as if a
	// deferred batch were still in flight.
	_, err = pool.Exec(ctx,
		`UPDATE cvr_rows_version SET state_version = '00', minor_version = 0 WHERE client_group_id = $1`,
		cvrID)
	require.NoError(t, err)

	later := testStore(t, pool, cvrID, "task-b", func(c *config.CVRConfig) {
		c.LoadMaxAttempts = 2
		c.LoadRetryDelay = time.Millisecond
	})
	_, err = later.Load(ctx, time.Now().UTC().Add(time.Second), model.TTLClockFromNumber(0))
	assert.True(t, syncerr.IsCode(err, syncerr.ErrCodeRowsBehind))

	// The ownership grant survives the staleness failure so a retry from the
	// same task can succeed once the row tier settles.
	var owner string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT owner FROM cvr_instances WHERE client_group_id = $1`,
		cvrID).Scan(&owner))
	assert.Equal(t, "task-b", owner)
}

func TestDeferredRowsAdvanceFrontier(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", func(c *config.CVRConfig) {
		c.InlineRowLimit = 0 // every row diff goes through the deferred flusher
		c.MaxRowBatchSize = 8
	})

	base, err := s.Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	v1 := model.CVRVersion{StateVersion: "01"}
	v2 := model.CVRVersion{StateVersion: "02"}
	require.NoError(t, s.Flush(ctx, base.Version, flushCVR(cvrID, v1),
		&model.CVRDiff{Rows: makePatchRows("a", 12, v1, map[string]int{"q1": 1})}))
	require.NoError(t, s.Flush(ctx, v1, flushCVR(cvrID, v2),
		&model.CVRDiff{Rows: makePatchRows("b", 6, v2, map[string]int{"q1": 1})}))
	require.NoError(t, s.Flushed(ctx))

	var frontier model.CVRVersion
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT state_version, minor_version FROM cvr_rows_version WHERE client_group_id = $1`,
		cvrID).Scan(&frontier.StateVersion, &frontier.MinorVersion))
	assert.Equal(t, v2, frontier, "frontier reaches the last flushed version after the barrier")

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM cvr_rows WHERE client_group_id = $1`, cvrID).Scan(&count))
	assert.Equal(t, 18, count)

	// With the frontier caught up a fresh load succeeds immediately.
	reloaded, err := testStore(t, pool, cvrID, "task-a", nil).Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)
	assert.Equal(t, v2, reloaded.Version)
}

// catchupFixture flushes three versions of row patches and returns the final
// stored version.
func catchupFixture(t *testing.T, ctx context.Context, s *CVRStore, cvrID string) (v1, v2, v3 model.CVRVersion) {
	t.Helper()
	base, err := s.Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	v1 = model.CVRVersion{StateVersion: "01"}
	v2 = model.CVRVersion{StateVersion: "02"}
	v3 = model.CVRVersion{StateVersion: "03"}

	require.NoError(t, s.Flush(ctx, base.Version, flushCVR(cvrID, v1),
		&model.CVRDiff{Rows: makePatchRows("p1", 4, v1, map[string]int{"qKeep": 1})}))
	require.NoError(t, s.Flush(ctx, v1, flushCVR(cvrID, v2),
		&model.CVRDiff{Rows: makePatchRows("p2", 3, v2, map[string]int{"qDrop": 1})}))
	// The v3 rows are tombstones: no referencing queries.
	require.NoError(t, s.Flush(ctx, v2, flushCVR(cvrID, v3),
		&model.CVRDiff{Rows: makePatchRows("p3", 2, v3, nil)}))
	require.NoError(t, s.Flushed(ctx))
	return v1, v2, v3
}

func drainCatchup(t *testing.T, ctx context.Context, it *RowPatchIterator) []*model.RowRecord {
	t.Helper()
	var all []*model.RowRecord
	for {
		batch, err := it.Next(ctx)
		require.NoError(t, err)
		if batch == nil {
			return all
		}
		all = append(all, batch...)
	}
}

func TestCatchupRowPatches(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", func(c *config.CVRConfig) {
		c.CatchupPageSize = 2
	})
	v1, v2, v3 := catchupFixture(t, ctx, s, cvrID)

	// Everything after v1, up to and including v3.
	got := drainCatchup(t, ctx, s.CatchupRowPatches(v1, v3, v3, nil))
	assert.Len(t, got, 5)
	for i, r := range got {
		assert.Positive(t, model.CompareVersions(r.PatchVersion, v1), "patch %d is after the client's version", i)
		assert.LessOrEqual(t, model.CompareVersions(r.PatchVersion, v3), 0)
		if i > 0 {
			assert.GreaterOrEqual(t, model.CompareVersions(r.PatchVersion, got[i-1].PatchVersion), 0,
				"patch versions never decrease across batches")
		}
	}

	// A client already at v2 only needs the v3 patches.
	got = drainCatchup(t, ctx, s.CatchupRowPatches(v2, v3, v3, nil))
	assert.Len(t, got, 2)

	// Rows referenced only by excluded queries are skipped; tombstones are
	// always delivered.
	got = drainCatchup(t, ctx, s.CatchupRowPatches(v1, v3, v3, map[string]struct{}{"qDrop": {}}))
	assert.Len(t, got, 2)
	for _, r := range got {
		assert.True(t, r.Tombstone())
	}

	// Fully caught up: nothing to send.
	got = drainCatchup(t, ctx, s.CatchupRowPatches(v3, v3, v3, nil))
	assert.Empty(t, got)
}

func TestCatchupFailsOnConcurrentFlush(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", func(c *config.CVRConfig) {
		c.CatchupPageSize = 2
	})
	v1, _, v3 := catchupFixture(t, ctx, s, cvrID)

	it := s.CatchupRowPatches(v1, v3, v3, nil)
	first, err := it.Next(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Another writer commits while the client is still catching up.
	require.NoError(t, s.Flush(ctx, v3, flushCVR(cvrID, model.CVRVersion{StateVersion: "04"}), &model.CVRDiff{}))

	_, err = it.Next(ctx)
	assert.True(t, syncerr.IsCode(err, syncerr.ErrCodeConcurrentModification))
}

func TestInspectQueriesReportsDesireState(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cvrID := uuid.NewString()
	s := testStore(t, pool, cvrID, "task-a", nil)

	base, err := s.Load(ctx, time.Now().UTC(), model.TTLClockFromNumber(0))
	require.NoError(t, err)

	next := model.CVRVersion{StateVersion: "01"}
	inactivated := model.TTLClockFromNumber(1000)
	diff := &model.CVRDiff{
		QueryPuts: []*model.QueryRecord{
			{
				ID:                 "q1",
				Kind:               model.QueryKindCustom,
				Name:               "openIssues",
				TransformationHash: "th1",
				PatchVersion:       &next,
			},
			{ID: "q2", Kind: model.QueryKindClient, AST: json.RawMessage(`{"table":"labels"}`)},
		},
		ClientPuts: []*model.ClientRecord{{ID: "c1"}},
		DesirePuts: []model.DesireRecord{
			{ClientID: "c1", QueryID: "q1", State: model.ClientQueryState{TTL: 5 * time.Minute, Version: next}},
			{ClientID: "c1", QueryID: "q2", State: model.ClientQueryState{
				TTL:           500 * time.Millisecond,
				InactivatedAt: &inactivated,
				Version:       next,
			}},
		},
		Rows: makePatchRows("ins", 2, next, map[string]int{"q1": 1}),
	}
	require.NoError(t, s.Flush(ctx, base.Version, flushCVR(cvrID, next), diff))
	require.NoError(t, s.Flushed(ctx))

	inspector := NewInspector(pool, zap.NewNop())

	// At clock 2000 the inactivated q2 desire has aged out of the report.
	rows, err := inspector.InspectQueries(ctx, cvrID, model.TTLClockFromNumber(2000))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].ClientID)
	assert.Equal(t, "q1", rows[0].QueryID)
	assert.True(t, rows[0].Got)
	assert.Equal(t, 2, rows[0].RowCount)

	// Before expiry both desires are visible.
	rows, err = inspector.InspectQueries(ctx, cvrID, model.TTLClockFromNumber(1200))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
