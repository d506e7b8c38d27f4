package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"sort"
	gosync "sync"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Mock Record Store -------------------------------------------------------

// mockStore mirrors the revision semantics of store.Table in memory.
type mockStore struct {
	mu     gosync.Mutex
	kind   model.Kind
	recs   map[int64]*model.Record
	nextID int64
}

func newMockStore(kind model.Kind) *mockStore {
	return &mockStore{kind: kind, recs: make(map[int64]*model.Record)}
}

// add stores a copy of rec and returns its local id.
func (m *mockStore) add(rec *model.Record) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := rec.Clone()
	cp.LocalID = m.nextID
	if cp.Revision == 0 {
		cp.Revision = 1
	}
	if cp.Fields == nil {
		cp.Fields = map[string]string{}
	}
	m.recs[cp.LocalID] = cp
	return cp.LocalID
}

// edit simulates a local write racing with a push.
func (m *mockStore) edit(localID int64, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[localID]
	rec.Fields[field] = value
	rec.Revision++
	rec.Rejected = ""
	if rec.SyncState == model.Synced {
		rec.SyncState = model.PendingUpdate
	}
}

func (m *mockStore) get(localID int64) *model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[localID]; ok {
		return rec.Clone()
	}
	return nil
}

func (m *mockStore) all() []*model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func (m *mockStore) Kind() model.Kind { return m.kind }

func (m *mockStore) GetUnsynced(_ context.Context) ([]*model.Record, error) {
	var out []*model.Record
	for _, rec := range m.all() {
		if rec.Pending() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) MergeRemote(_ context.Context, remoteID int64, fields map[string]string, mediaRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.RemoteID != remoteID {
			continue
		}
		if rec.Pending() {
			return false, nil
		}
		rec.Fields = maps.Clone(fields)
		rec.MediaRef = mediaRef
		rec.Revision++
		return true, nil
	}
	m.nextID++
	m.recs[m.nextID] = &model.Record{
		LocalID:   m.nextID,
		RemoteID:  remoteID,
		Fields:    maps.Clone(fields),
		MediaRef:  mediaRef,
		SyncState: model.Synced,
		Revision:  1,
	}
	return true, nil
}

func (m *mockStore) DeleteByLocalID(_ context.Context, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, localID)
	return nil
}

func (m *mockStore) MarkSynced(_ context.Context, localID, remoteID, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[localID]
	if !ok {
		return nil
	}
	rec.RemoteID = remoteID
	rec.Rejected = ""
	switch {
	case rec.Revision == revision:
		rec.SyncState = model.Synced
	case rec.SyncState == model.PendingCreate:
		rec.SyncState = model.PendingUpdate
	}
	return nil
}

func (m *mockStore) MarkRejected(_ context.Context, localID, revision int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[localID]; ok && rec.Revision == revision {
		rec.Rejected = reason
	}
	return nil
}

func (m *mockStore) SettleMedia(_ context.Context, localID int64, uploaded, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[localID]; ok && rec.MediaRef == uploaded {
		rec.MediaRef = url
	}
	return nil
}

func (m *mockStore) IsEmpty(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs) == 0, nil
}

// --- Mock Gateway ------------------------------------------------------------

type mockGateway struct {
	mu      gosync.Mutex
	records map[int64]remote.Record
	nextID  int64

	// calls logs every call as "fetch", "create", "update:<id>", "delete:<id>".
	calls    []string
	idemKeys []string
	created  []map[string]string
	uploads  []string // local media files sent

	// Injected failures. errFor returns nil when the call should succeed.
	errFor func(op string, id int64) error

	// onCall runs before each mutating call, outside the lock.
	onCall func(op string, id int64)
}

func newMockGateway(records ...remote.Record) *mockGateway {
	m := &mockGateway{records: make(map[int64]remote.Record), nextID: 100}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return m
}

func (m *mockGateway) fail(op string, id int64) error {
	if m.errFor == nil {
		return nil
	}
	return m.errFor(op, id)
}

func (m *mockGateway) FetchAll(_ context.Context) ([]remote.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "fetch")
	if err := m.fail("fetch", 0); err != nil {
		return nil, err
	}
	out := make([]remote.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockGateway) Create(ctx context.Context, fields map[string]string, mediaRef string) (remote.Record, error) {
	if m.onCall != nil {
		m.onCall("create", 0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create")
	m.idemKeys = append(m.idemKeys, remote.IdempotencyKeyFrom(ctx))
	if err := m.fail("create", 0); err != nil {
		return remote.Record{}, err
	}
	m.nextID++
	rec := remote.Record{ID: m.nextID, Fields: maps.Clone(fields), MediaURL: m.store(mediaRef)}
	m.records[m.nextID] = rec
	m.created = append(m.created, maps.Clone(fields))
	return rec, nil
}

func (m *mockGateway) Update(_ context.Context, id int64, fields map[string]string, mediaRef string) (remote.Record, error) {
	if m.onCall != nil {
		m.onCall("update", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("update:%d", id))
	if err := m.fail("update", id); err != nil {
		return remote.Record{}, err
	}
	prev, ok := m.records[id]
	if !ok {
		return remote.Record{}, &remote.Failure{Kind: remote.NotFound, StatusCode: 404}
	}
	rec := remote.Record{ID: id, Fields: maps.Clone(fields), MediaURL: prev.MediaURL}
	if mediaRef != "" {
		rec.MediaURL = m.store(mediaRef)
	}
	m.records[id] = rec
	return rec, nil
}

// store records an upload of a local file and returns the URL it is served
// from. Callers hold m.mu.
func (m *mockGateway) store(mediaRef string) string {
	if !model.IsLocalMedia(mediaRef) {
		return mediaRef
	}
	m.uploads = append(m.uploads, mediaRef)
	return "https://media.example.com/" + filepath.Base(mediaRef)
}

func (m *mockGateway) Delete(_ context.Context, id int64) error {
	if m.onCall != nil {
		m.onCall("delete", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("delete:%d", id))
	if err := m.fail("delete", id); err != nil {
		return err
	}
	if _, ok := m.records[id]; !ok {
		return &remote.Failure{Kind: remote.NotFound, StatusCode: 404}
	}
	delete(m.records, id)
	return nil
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockGateway) resetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// --- Mock Pusher -------------------------------------------------------------

type mockPusher struct {
	mu    gosync.Mutex
	kind  model.Kind
	errs  []error // returned in order; nil once exhausted
	calls int
	ran   chan struct{}
}

func newMockPusher(kind model.Kind, errs ...error) *mockPusher {
	return &mockPusher{kind: kind, errs: errs, ran: make(chan struct{}, 100)}
}

func (m *mockPusher) Kind() model.Kind { return m.kind }

func (m *mockPusher) PushUnsynced(_ context.Context) (Stats, error) {
	m.mu.Lock()
	m.calls++
	var err error
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	}
	m.mu.Unlock()
	m.ran <- struct{}{}
	if err != nil {
		return Stats{Errors: 1}, err
	}
	return Stats{}, nil
}

func (m *mockPusher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Helpers -----------------------------------------------------------------

func plantFields(name string) map[string]string {
	return map[string]string{"common_name": name, "scientific_name": "Rosa", "habitat": "Garden"}
}

func networkErr() error { return &remote.Failure{Kind: remote.Network, Message: "no route to host"} }
