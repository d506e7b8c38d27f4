package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/njoerd114/leafsync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-records.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingPlant(name string) *model.Record {
	return &model.Record{
		ClientUUID: "uuid-" + name,
		Fields:     map[string]string{"common_name": name, "scientific_name": "Rosa", "habitat": "Garden"},
		SyncState:  model.PendingCreate,
	}
}

func syncedPlant(name string, remoteID int64) *model.Record {
	return &model.Record{
		RemoteID:  remoteID,
		Fields:    map[string]string{"common_name": name},
		MediaRef:  "https://cdn.example.com/" + name + ".jpg",
		SyncState: model.Synced,
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	empty, err := s.IsEmpty(context.Background())
	require.NoError(t, err)
	require.True(t, empty, "expected empty store after open")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Table(model.KindPlant).Upsert(context.Background(), pendingPlant("Rose")))
	require.NoError(t, s1.Close())

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	all, err := s2.Table(model.KindPlant).GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUpsert_InsertAssignsLocalID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	require.NoError(t, tbl.Upsert(ctx, rec))
	require.NotZero(t, rec.LocalID, "Upsert did not set LocalID")

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Rose", got.Field("common_name"))
	require.Equal(t, model.PendingCreate, got.SyncState)
	require.Equal(t, "uuid-Rose", got.ClientUUID)
	require.Equal(t, int64(1), got.Revision)
	require.False(t, got.UpdatedAt.IsZero(), "UpdatedAt not stored")
}

func TestUpsert_UpdatePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := syncedPlant("Rose", 42)
	require.NoError(t, tbl.Upsert(ctx, rec))

	rec.Fields["common_name"] = "Dog rose"
	rec.SyncState = model.PendingUpdate
	rec.Revision++
	require.NoError(t, tbl.Upsert(ctx, rec))

	all, err := tbl.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "Dog rose", all[0].Field("common_name"))
	require.Equal(t, model.PendingUpdate, all[0].SyncState)
	require.Equal(t, int64(42), all[0].RemoteID)
}

func TestUpsert_RejectsInvariantViolations(t *testing.T) {
	s := openTestStore(t)
	tbl := s.Table(model.KindPlant)

	bad := &model.Record{SyncState: model.Synced, Fields: map[string]string{}}
	require.Error(t, tbl.Upsert(context.Background(), bad), "synced record without remote id stored")
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	tbl := s.Table(model.KindPlant)

	got, err := tbl.Get(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = tbl.GetByRemoteID(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetByRemoteID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	require.NoError(t, tbl.Upsert(ctx, syncedPlant("Rose", 42)))
	got, err := tbl.GetByRemoteID(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Rose", got.Field("common_name"))
}

func TestTablesAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Table(model.KindPlant).Upsert(ctx, pendingPlant("Rose")))

	obs, err := s.Table(model.KindObservation).GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, obs)

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty, "store with one plant reported empty")
}

func TestGetUnsynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	for _, rec := range []*model.Record{
		syncedPlant("Rose", 1),
		pendingPlant("Tulip"),
		{RemoteID: 2, SyncState: model.PendingUpdate, Fields: map[string]string{"common_name": "Fern"}},
		{RemoteID: 3, SyncState: model.PendingDelete, Fields: map[string]string{"common_name": "Moss"}},
	} {
		require.NoError(t, tbl.Upsert(ctx, rec))
	}

	unsynced, err := tbl.GetUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 3)
	for _, rec := range unsynced {
		require.NotEqual(t, model.Synced, rec.SyncState, "GetUnsynced returned synced record %d", rec.LocalID)
	}

	counts, err := tbl.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.Synced])
	require.Equal(t, 1, counts[model.PendingCreate])
	require.Equal(t, 1, counts[model.PendingDelete])
}

func TestDeleteByLocalID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	require.NoError(t, tbl.Upsert(ctx, rec))
	require.NoError(t, tbl.DeleteByLocalID(ctx, rec.LocalID))

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMarkSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	rec.Rejected = "stale"
	require.NoError(t, tbl.Upsert(ctx, rec))
	require.NoError(t, tbl.MarkSynced(ctx, rec.LocalID, 77, rec.Revision))

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.Synced, got.SyncState)
	require.Equal(t, int64(77), got.RemoteID)
	require.Empty(t, got.Rejected)
}

func TestMarkSynced_StaleRevisionStaysPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	require.NoError(t, tbl.Upsert(ctx, rec))
	pushed := rec.Revision

	// A local edit lands while the create is in flight.
	rec.Fields["common_name"] = "Dog rose"
	rec.Revision++
	require.NoError(t, tbl.Upsert(ctx, rec))

	require.NoError(t, tbl.MarkSynced(ctx, rec.LocalID, 77, pushed))

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.PendingUpdate, got.SyncState)
	require.Equal(t, int64(77), got.RemoteID)
	require.Equal(t, "Dog rose", got.Field("common_name"), "local edit lost")
}

func TestMarkSynced_MissingRecordIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Table(model.KindPlant).MarkSynced(context.Background(), 12345, 1, 1))
}

func TestMarkRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	require.NoError(t, tbl.Upsert(ctx, rec))

	// A stale revision must not mark the record.
	require.NoError(t, tbl.MarkRejected(ctx, rec.LocalID, rec.Revision+1, "nope"))
	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Empty(t, got.Rejected, "stale rejection applied")

	require.NoError(t, tbl.MarkRejected(ctx, rec.LocalID, rec.Revision, "habitat: This field is required."))
	got, err = tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, "habitat: This field is required.", got.Rejected)
	require.Equal(t, model.PendingCreate, got.SyncState)
}

func TestSettleMedia(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	rec.MediaRef = "/photos/rose.jpg"
	require.NoError(t, tbl.Upsert(ctx, rec))

	require.NoError(t, tbl.SettleMedia(ctx, rec.LocalID, "/photos/rose.jpg", "https://cdn.example.com/rose.jpg"))

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/rose.jpg", got.MediaRef)
	require.Equal(t, rec.Revision, got.Revision, "settling media must not bump the revision")
	require.Equal(t, model.PendingCreate, got.SyncState)
}

func TestSettleMedia_KeepsNewerPhoto(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	rec.MediaRef = "/photos/rose.jpg"
	require.NoError(t, tbl.Upsert(ctx, rec))

	// The user picks another photo while the first one is uploading.
	rec.MediaRef = "/photos/rose-2.jpg"
	rec.Revision++
	require.NoError(t, tbl.Upsert(ctx, rec))

	require.NoError(t, tbl.SettleMedia(ctx, rec.LocalID, "/photos/rose.jpg", "https://cdn.example.com/rose.jpg"))

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, "/photos/rose-2.jpg", got.MediaRef)
}

func TestModify(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := syncedPlant("Rose", 5)
	require.NoError(t, tbl.Upsert(ctx, rec))

	out, err := tbl.Modify(ctx, rec.LocalID, func(r *model.Record) (bool, error) {
		r.Fields["common_name"] = "Dog rose"
		r.SyncState = model.PendingUpdate
		r.Revision++
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Revision)
	require.Equal(t, model.PendingUpdate, out.SyncState)

	out, err = tbl.Modify(ctx, rec.LocalID, func(*model.Record) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.Nil(t, out)

	_, err = tbl.Modify(ctx, rec.LocalID, func(*model.Record) (bool, error) { return false, nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModify_CallbackErrorRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := syncedPlant("Rose", 5)
	require.NoError(t, tbl.Upsert(ctx, rec))

	sentinel := errors.New("deleted")
	_, err := tbl.Modify(ctx, rec.LocalID, func(r *model.Record) (bool, error) {
		r.Fields["common_name"] = "changed"
		return false, sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := tbl.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Rose", got.Field("common_name"), "callback error did not roll back")
}

func TestConcurrentMarkSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	var recs []*model.Record
	for i := range 20 {
		rec := pendingPlant("p" + string(rune('a'+i)))
		require.NoError(t, tbl.Upsert(ctx, rec))
		recs = append(recs, rec)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(recs))
	for i, rec := range recs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tbl.MarkSynced(ctx, rec.LocalID, int64(100+i), rec.Revision)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	unsynced, err := tbl.GetUnsynced(ctx)
	require.NoError(t, err)
	require.Empty(t, unsynced)
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	require.NoError(t, err)
	require.NotEmpty(t, path)
}

func TestMergeRemote(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	applied, err := tbl.MergeRemote(ctx, 42, map[string]string{"common_name": "Rose"}, "https://cdn/rose.jpg")
	require.NoError(t, err)
	require.True(t, applied, "MergeRemote insert not applied")

	applied, err = tbl.MergeRemote(ctx, 42, map[string]string{"common_name": "Dog rose"}, "")
	require.NoError(t, err)
	require.True(t, applied)

	all, err := tbl.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all[0]
	require.Equal(t, "Dog rose", got.Field("common_name"))
	require.Equal(t, model.Synced, got.SyncState)
	require.Equal(t, int64(42), got.RemoteID)
	require.Equal(t, int64(2), got.Revision)
}

func TestMergeRemote_KeepsPendingLocalWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	local := &model.Record{RemoteID: 42, SyncState: model.PendingUpdate, Fields: map[string]string{"common_name": "Local"}}
	require.NoError(t, tbl.Upsert(ctx, local))

	applied, err := tbl.MergeRemote(ctx, 42, map[string]string{"common_name": "Server"}, "")
	require.NoError(t, err)
	require.False(t, applied, "MergeRemote overwrote a pending record")

	got, err := tbl.Get(ctx, local.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Local", got.Field("common_name"))
	require.Equal(t, model.PendingUpdate, got.SyncState)
}

func TestMarkSynced_DropsPulledDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl := s.Table(model.KindPlant)

	rec := pendingPlant("Rose")
	require.NoError(t, tbl.Upsert(ctx, rec))
	// A pull lands the server copy before the create is acknowledged locally.
	_, err := tbl.MergeRemote(ctx, 77, map[string]string{"common_name": "Rose"}, "")
	require.NoError(t, err)

	require.NoError(t, tbl.MarkSynced(ctx, rec.LocalID, 77, rec.Revision))

	all, err := tbl.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, rec.LocalID, all[0].LocalID)
	require.Equal(t, int64(77), all[0].RemoteID)
}
