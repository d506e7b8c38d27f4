package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

func newTestEngine(store *mockStore, gw *mockGateway, workers int) *Engine {
	return NewEngine(store, gw, workers, testLogger)
}

// ---------------------------------------------------------------------------
// Push: create
// ---------------------------------------------------------------------------

func TestPushUnsynced_CreateMarksSynced(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	id := store.add(&model.Record{ClientUUID: "uuid-rose", Fields: map[string]string{"common_name": "Rose"}, SyncState: model.PendingCreate})

	stats, err := newTestEngine(store, gw, 0).PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Created)
	require.Len(t, gw.created, 1)
	require.Equal(t, "Rose", gw.created[0]["common_name"])
	require.Equal(t, "uuid-rose", gw.idemKeys[0])

	rec := store.get(id)
	require.Equal(t, model.Synced, rec.SyncState)
	require.Equal(t, int64(101), rec.RemoteID, "gateway-assigned id")
}

func TestPushUnsynced_SecondPassMakesNoCalls(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 7, Fields: plantFields("Fern")})
	store.add(&model.Record{Fields: plantFields("Rose"), SyncState: model.PendingCreate})
	store.add(&model.Record{RemoteID: 7, Fields: plantFields("Fern2"), SyncState: model.PendingUpdate})
	store.add(&model.Record{RemoteID: 8, Fields: plantFields("Moss"), SyncState: model.PendingDelete})
	gw.records[8] = remote.Record{ID: 8}

	e := newTestEngine(store, gw, 0)
	_, err := e.PushUnsynced(context.Background())
	require.NoError(t, err)
	gw.resetCalls()

	stats, err := e.PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Zero(t, gw.callCount())
	require.Equal(t, Stats{}, stats)
}

func TestPushUnsynced_EditDuringCreateStaysPending(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	id := store.add(&model.Record{Fields: plantFields("Rose"), SyncState: model.PendingCreate})
	gw.onCall = func(op string, _ int64) {
		if op == "create" {
			store.edit(id, "common_name", "Dog rose")
		}
	}

	e := newTestEngine(store, gw, 0)
	_, err := e.PushUnsynced(context.Background())
	require.NoError(t, err)

	rec := store.get(id)
	require.Equal(t, model.PendingUpdate, rec.SyncState, "racing edit must keep the record pending")
	require.Equal(t, int64(101), rec.RemoteID)

	gw.onCall = nil
	_, err = e.PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Synced, store.get(id).SyncState)
	require.Equal(t, "Dog rose", gw.records[101].Fields["common_name"])
}

// ---------------------------------------------------------------------------
// Push: media
// ---------------------------------------------------------------------------

func TestPushUnsynced_UploadedMediaIsNotSentAgain(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	id := store.add(&model.Record{Fields: plantFields("Rose"), MediaRef: "/photos/rose.jpg", SyncState: model.PendingCreate})

	e := newTestEngine(store, gw, 0)
	_, err := e.PushUnsynced(context.Background())
	require.NoError(t, err)

	rec := store.get(id)
	require.Equal(t, model.Synced, rec.SyncState)
	require.Equal(t, "https://media.example.com/rose.jpg", rec.MediaRef)

	// A later text edit pushes the served URL, which the gateway leaves alone.
	store.edit(id, "habitat", "Meadow")
	_, err = e.PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"/photos/rose.jpg"}, gw.uploads)
	require.Equal(t, "https://media.example.com/rose.jpg", gw.records[101].MediaURL)
}

func TestPushUnsynced_PhotoChangedDuringUploadIsKept(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 42, Fields: plantFields("Rose")})
	id := store.add(&model.Record{RemoteID: 42, Fields: plantFields("Rose"), MediaRef: "/photos/rose.jpg", SyncState: model.PendingUpdate})
	gw.onCall = func(op string, _ int64) {
		if op == "update" {
			store.mu.Lock()
			store.recs[id].MediaRef = "/photos/rose-2.jpg"
			store.recs[id].Revision++
			store.mu.Unlock()
		}
	}

	e := newTestEngine(store, gw, 0)
	_, err := e.PushUnsynced(context.Background())
	require.NoError(t, err)

	rec := store.get(id)
	require.Equal(t, "/photos/rose-2.jpg", rec.MediaRef)
	require.Equal(t, model.PendingUpdate, rec.SyncState)

	gw.onCall = nil
	_, err = e.PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"/photos/rose.jpg", "/photos/rose-2.jpg"}, gw.uploads)
	require.Equal(t, "https://media.example.com/rose-2.jpg", store.get(id).MediaRef)
}

// ---------------------------------------------------------------------------
// Push: update / delete
// ---------------------------------------------------------------------------

func TestPushUnsynced_UpdateNetworkFailureThenRetry(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 42, Fields: plantFields("Rose")})
	id := store.add(&model.Record{RemoteID: 42, Fields: plantFields("Dog rose"), SyncState: model.PendingUpdate})

	gw.errFor = func(op string, _ int64) error {
		if op == "update" {
			return networkErr()
		}
		return nil
	}
	e := newTestEngine(store, gw, 0)

	stats, err := e.PushUnsynced(context.Background())
	require.ErrorIs(t, err, remote.ErrNetwork)
	require.Equal(t, 1, stats.Errors)
	rec := store.get(id)
	require.Equal(t, model.PendingUpdate, rec.SyncState)
	require.Equal(t, int64(42), rec.RemoteID)

	gw.errFor = nil
	_, err = e.PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Synced, store.get(id).SyncState)
}

func TestPushUnsynced_DeleteRemovesRecord(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 42})
	id := store.add(&model.Record{RemoteID: 42, Fields: plantFields("Rose"), SyncState: model.PendingDelete})

	stats, err := newTestEngine(store, gw, 0).PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Deleted)
	require.Nil(t, store.get(id), "record still present after confirmed delete")
	require.NotContains(t, gw.records, int64(42))
}

func TestPushUnsynced_DeleteFailureKeepsPending(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 42})
	gw.errFor = func(string, int64) error { return &remote.Failure{Kind: remote.Server, StatusCode: 503} }
	id := store.add(&model.Record{RemoteID: 42, SyncState: model.PendingDelete})

	_, err := newTestEngine(store, gw, 0).PushUnsynced(context.Background())
	require.ErrorIs(t, err, remote.ErrServer)
	rec := store.get(id)
	require.NotNil(t, rec)
	require.Equal(t, model.PendingDelete, rec.SyncState)
}

func TestPushUnsynced_NotFoundOnUpdateOrphansRecord(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway() // server has no record 42
	id := store.add(&model.Record{RemoteID: 42, Fields: plantFields("Rose"), SyncState: model.PendingUpdate})

	stats, err := newTestEngine(store, gw, 0).PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Orphaned)
	require.Nil(t, store.get(id), "orphaned record still present")
}

func TestPushUnsynced_NotFoundOnDeleteRemovesRecord(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	id := store.add(&model.Record{RemoteID: 42, SyncState: model.PendingDelete})

	stats, err := newTestEngine(store, gw, 0).PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Deleted)
	require.Nil(t, store.get(id))
}

// ---------------------------------------------------------------------------
// Push: failure handling
// ---------------------------------------------------------------------------

func TestPushUnsynced_OneFailureDoesNotAbortBatch(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(
		remote.Record{ID: 1, Fields: plantFields("A")},
		remote.Record{ID: 2, Fields: plantFields("B")},
		remote.Record{ID: 3, Fields: plantFields("C")},
	)
	gw.errFor = func(op string, id int64) error {
		if op == "update" && id == 2 {
			return networkErr()
		}
		return nil
	}
	ids := make([]int64, 0, 3)
	for i := int64(1); i <= 3; i++ {
		ids = append(ids, store.add(&model.Record{RemoteID: i, Fields: plantFields(fmt.Sprint("edit", i)), SyncState: model.PendingUpdate}))
	}

	stats, err := newTestEngine(store, gw, 1).PushUnsynced(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, stats.Updated)
	require.Equal(t, 1, stats.Errors)
	require.Equal(t, model.Synced, store.get(ids[0]).SyncState)
	require.Equal(t, model.Synced, store.get(ids[2]).SyncState)
	require.Equal(t, model.PendingUpdate, store.get(ids[1]).SyncState, "failing record lost its pending state")
}

func TestPushUnsynced_ValidationRejectsUntilEdited(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	gw.errFor = func(op string, _ int64) error {
		if op == "create" {
			return &remote.Failure{Kind: remote.Validation, StatusCode: 400, Message: "habitat: This field is required."}
		}
		return nil
	}
	id := store.add(&model.Record{Fields: map[string]string{"common_name": "Rose"}, SyncState: model.PendingCreate})
	e := newTestEngine(store, gw, 0)

	stats, err := e.PushUnsynced(context.Background())
	require.NoError(t, err, "validation failure should not fail the pass")
	require.Equal(t, 1, stats.Rejected)
	rec := store.get(id)
	require.Equal(t, "habitat: This field is required.", rec.Rejected)
	require.Equal(t, model.PendingCreate, rec.SyncState)

	// Not retried automatically.
	gw.resetCalls()
	stats, _ = e.PushUnsynced(context.Background())
	require.Zero(t, gw.callCount(), "rejected record pushed again")
	require.Equal(t, 1, stats.Skipped)

	// An edit clears the rejection and the record is pushed again.
	store.edit(id, "habitat", "Garden")
	gw.errFor = nil
	_, err = e.PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Synced, store.get(id).SyncState)
}

func TestPushUnsynced_UnauthorizedStopsPass(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	gw.errFor = func(string, int64) error {
		return &remote.Failure{Kind: remote.Unauthorized, StatusCode: 401}
	}
	for i := range 3 {
		store.add(&model.Record{Fields: plantFields(fmt.Sprint("p", i)), SyncState: model.PendingCreate})
	}

	stats, err := newTestEngine(store, gw, 1).PushUnsynced(context.Background())
	require.ErrorIs(t, err, remote.ErrUnauthorized)
	require.Equal(t, 1, gw.callCount(), "pass stops after unauthorized")
	require.Equal(t, 2, stats.Skipped)
	for _, rec := range store.all() {
		require.Equal(t, model.PendingCreate, rec.SyncState, "record %d", rec.LocalID)
	}
}

func TestPushUnsynced_CancelledContextStartsNothing(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway()
	store.add(&model.Record{Fields: plantFields("Rose"), SyncState: model.PendingCreate})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, _ := newTestEngine(store, gw, 0).PushUnsynced(ctx)
	require.Zero(t, gw.callCount())
	require.Equal(t, 1, stats.Skipped)
}

func TestPushUnsynced_ConcurrentWorkersKeepInvariant(t *testing.T) {
	store := newMockStore(model.KindObservation)
	gw := newMockGateway()
	for i := range 25 {
		store.add(&model.Record{Fields: map[string]string{"location": fmt.Sprint("site-", i)}, SyncState: model.PendingCreate})
	}

	stats, err := newTestEngine(store, gw, 4).PushUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, 25, stats.Created)
	seen := make(map[int64]bool)
	for _, rec := range store.all() {
		require.NoError(t, rec.Check())
		require.False(t, seen[rec.RemoteID], "remote id %d assigned twice", rec.RemoteID)
		seen[rec.RemoteID] = true
	}
}

// ---------------------------------------------------------------------------
// Pull
// ---------------------------------------------------------------------------

func TestPull_KeepsLocalPendingCreate(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway() // server returns zero records
	id := store.add(&model.Record{Fields: plantFields("Rose"), SyncState: model.PendingCreate})

	_, err := newTestEngine(store, gw, 0).Pull(context.Background())
	require.NoError(t, err)
	rec := store.get(id)
	require.NotNil(t, rec)
	require.Equal(t, model.PendingCreate, rec.SyncState)
}

func TestPull_MergesServerRecords(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(
		remote.Record{ID: 1, Fields: plantFields("Rose"), MediaURL: "https://cdn/rose.jpg"},
		remote.Record{ID: 2, Fields: plantFields("Server fern")},
	)
	synced := store.add(&model.Record{RemoteID: 1, Fields: plantFields("Old rose"), SyncState: model.Synced})
	pending := store.add(&model.Record{RemoteID: 2, Fields: plantFields("Local fern"), SyncState: model.PendingUpdate})

	stats, err := newTestEngine(store, gw, 0).Pull(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pulled)
	require.Equal(t, 1, stats.Skipped)

	rec := store.get(synced)
	require.Equal(t, "Rose", rec.Field("common_name"))
	require.Equal(t, "https://cdn/rose.jpg", rec.MediaRef)

	rec = store.get(pending)
	require.Equal(t, "Local fern", rec.Field("common_name"), "pending record overwritten by pull")
	require.Equal(t, model.PendingUpdate, rec.SyncState)
}

func TestPull_InsertsNewRecordsAsSynced(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 9, Fields: plantFields("Rose")})

	_, err := newTestEngine(store, gw, 0).Pull(context.Background())
	require.NoError(t, err)
	all := store.all()
	require.Len(t, all, 1)
	require.Equal(t, model.Synced, all[0].SyncState)
	require.Equal(t, int64(9), all[0].RemoteID)
}

func TestPull_FailureLeavesStoreUntouched(t *testing.T) {
	store := newMockStore(model.KindPlant)
	gw := newMockGateway(remote.Record{ID: 9, Fields: plantFields("Rose")})
	gw.errFor = func(op string, _ int64) error {
		if op == "fetch" {
			return networkErr()
		}
		return nil
	}
	id := store.add(&model.Record{RemoteID: 9, Fields: plantFields("Cached"), SyncState: model.Synced})

	_, err := newTestEngine(store, gw, 0).Pull(context.Background())
	require.ErrorIs(t, err, remote.ErrNetwork)
	require.Equal(t, "Cached", store.get(id).Field("common_name"))
	require.Len(t, store.all(), 1)
}

func TestStatsAdd(t *testing.T) {
	s := Stats{Created: 1, Errors: 2}
	s.Add(Stats{Created: 2, Pulled: 3, Errors: 1})
	require.Equal(t, Stats{Created: 3, Pulled: 3, Errors: 3}, s)
}
