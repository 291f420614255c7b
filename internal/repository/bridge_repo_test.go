package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentease/cdp-relay/internal/db"
	"github.com/agentease/cdp-relay/internal/model"
)

func setupTestRepo(t *testing.T) *BridgeRepository {
	t.Helper()
	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewBridgeRepository(database)
}

func newRecord(createdAt time.Time) *model.BridgeRecord {
	return &model.BridgeRecord{
		ID:         uuid.New().String(),
		RemoteAddr: "127.0.0.1:5000",
		State:      model.BridgeStateConnecting,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestBridgeRepository_Lifecycle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	rec := newRecord(time.Now().UTC())
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BridgeStateConnecting, got.State)
	assert.Empty(t, got.SessionID)
	assert.Nil(t, got.CloseCode)

	code := 1011
	rec.SessionID = "sess-1"
	rec.Reused = true
	rec.Reconnects = 1
	rec.State = model.BridgeStateClosed
	rec.CloseCode = &code
	rec.CloseReason = "Session recovery failed"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.Update(ctx, rec))

	got, err = repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.True(t, got.Reused)
	assert.Equal(t, 1, got.Reconnects)
	assert.Equal(t, model.BridgeStateClosed, got.State)
	require.NotNil(t, got.CloseCode)
	assert.Equal(t, 1011, *got.CloseCode)
	assert.Equal(t, "Session recovery failed", got.CloseReason)
}

func TestBridgeRepository_NotFound(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrBridgeNotFound)

	err = repo.Update(ctx, newRecord(time.Now()))
	assert.ErrorIs(t, err, model.ErrBridgeNotFound)
}

func TestBridgeRepository_ListRecent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := newRecord(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, repo.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}

	records, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ids[4], records[0].ID)
	assert.Equal(t, ids[3], records[1].ID)
	assert.Equal(t, ids[2], records[2].ID)
}

func TestBridgeRepository_MarkAbandoned(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	open := newRecord(time.Now().UTC())
	require.NoError(t, repo.Create(ctx, open))

	closed := newRecord(time.Now().UTC())
	closed.State = model.BridgeStateClosed
	require.NoError(t, repo.Create(ctx, closed))

	n, err := repo.MarkAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BridgeStateAbandoned, got.State)

	got, err = repo.GetByID(ctx, closed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BridgeStateClosed, got.State)
}

func TestBridgeJournalIntegrityProperty(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	states := gen.OneConstOf(
		model.BridgeStateConnecting,
		model.BridgeStateBridging,
		model.BridgeStateReconnecting,
		model.BridgeStateClosed,
	)

	properties.Property("journal round-trips every updated field", prop.ForAll(
		func(sessionID string, reused bool, reconnects int, state model.BridgeState) bool {
			rec := newRecord(time.Now().UTC())
			if err := repo.Create(ctx, rec); err != nil {
				t.Logf("create: %v", err)
				return false
			}

			rec.SessionID = sessionID
			rec.Reused = reused
			rec.Reconnects = reconnects
			rec.State = state
			if err := repo.Update(ctx, rec); err != nil {
				t.Logf("update: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, rec.ID)
			if err != nil {
				t.Logf("get: %v", err)
				return false
			}
			return got.SessionID == sessionID &&
				got.Reused == reused &&
				got.Reconnects == reconnects &&
				got.State == state
		},
		gen.AlphaString(),
		gen.Bool(),
		gen.IntRange(0, 1),
		states,
	))

	properties.TestingRun(t)
}

func TestBridgeRepository_AbandonedAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	db.ResetDB()
	t.Cleanup(db.ResetDB)

	database, err := db.InitDB(path)
	require.NoError(t, err)
	repo := NewBridgeRepository(database)
	ctx := context.Background()

	live := newRecord(time.Now().UTC())
	live.State = model.BridgeStateBridging
	require.NoError(t, repo.Create(ctx, live))

	// Simulate a restart against the same file.
	db.ResetDB()
	database, err = db.InitDB(path)
	require.NoError(t, err)
	repo = NewBridgeRepository(database)

	n, err := repo.MarkAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BridgeStateAbandoned, got.State)
}

func ExampleBridgeRepository_ListRecent() {
	database, err := db.NewTestDB()
	if err != nil {
		panic(err)
	}
	defer database.Close()

	repo := NewBridgeRepository(database)
	ctx := context.Background()

	rec := &model.BridgeRecord{ID: "b-1", RemoteAddr: "10.0.0.1:4000", State: model.BridgeStateBridging, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.Create(ctx, rec); err != nil {
		panic(err)
	}

	records, _ := repo.ListRecent(ctx, 10)
	fmt.Println(len(records), records[0].State)
	// Output: 1 bridging
}
