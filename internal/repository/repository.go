// Package repository is the entry point the rest of the application uses to
// read and write records. Writes land in the local store first and are
// pushed by the background scheduler; callers never see the sync state
// machine beyond the state tag on each record.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
	"github.com/njoerd114/leafsync/internal/store"
	syncer "github.com/njoerd114/leafsync/internal/sync"
)

var (
	// ErrNotFound is returned when no local record has the given id.
	ErrNotFound = errors.New("record not found")

	// ErrDeleted is returned when editing a record that is pending deletion.
	ErrDeleted = errors.New("record is pending deletion")

	// ErrSingleton is returned by Add on a kind that has exactly one record
	// per account.
	ErrSingleton = errors.New("kind has a single server-managed record")
)

// Store is one kind's local table. Implemented by [store.Table].
type Store interface {
	Kind() model.Kind
	GetAll(ctx context.Context) ([]*model.Record, error)
	Get(ctx context.Context, localID int64) (*model.Record, error)
	Upsert(ctx context.Context, rec *model.Record) error
	Modify(ctx context.Context, localID int64, fn func(rec *model.Record) (remove bool, err error)) (*model.Record, error)
	Counts(ctx context.Context) (map[model.SyncState]int, error)
}

// Refresher pulls server state into the store. Implemented by [syncer.Engine].
type Refresher interface {
	Pull(ctx context.Context) (syncer.Stats, error)
}

// Fetcher reads one record straight from the server. Implemented by
// [remote.Gateway].
type Fetcher interface {
	FetchOne(ctx context.Context, remoteID int64) (remote.Record, error)
}

// Repository is the facade over one kind.
type Repository struct {
	store   Store
	engine  Refresher
	fetcher Fetcher
	schema  model.Schema
	notify  func()
	log     *slog.Logger
}

// Option configures a [Repository].
type Option func(*Repository)

// WithNotify registers fn to be called after every local write, typically the
// scheduler's Trigger.
func WithNotify(fn func()) Option {
	return func(r *Repository) { r.notify = fn }
}

// New creates the repository for st's kind.
func New(st Store, engine Refresher, fetcher Fetcher, logger *slog.Logger, opts ...Option) *Repository {
	r := &Repository{
		store:   st,
		engine:  engine,
		fetcher: fetcher,
		schema:  model.SchemaFor(st.Kind()),
		notify:  func() {},
		log:     logger.With("kind", st.Kind().String()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind returns the entity type of the repository.
func (r *Repository) Kind() model.Kind { return r.schema.Kind }

// List returns every cached record, including ones not yet synced. It never
// touches the network.
func (r *Repository) List(ctx context.Context) ([]*model.Record, error) {
	recs, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", r.Kind(), err)
	}
	return recs, nil
}

// Counts returns the number of cached records per sync state.
func (r *Repository) Counts(ctx context.Context) (map[model.SyncState]int, error) {
	return r.store.Counts(ctx)
}

// Refresh pulls the server's records into the cache. Its error carries the
// failure classification of the fetch.
func (r *Repository) Refresh(ctx context.Context) (syncer.Stats, error) {
	return r.engine.Pull(ctx)
}

// Add stores a new record as pending create and returns it with its local id.
// It returns as soon as the record is stored.
func (r *Repository) Add(ctx context.Context, fields map[string]string, mediaRef string) (*model.Record, error) {
	if r.schema.Singleton {
		return nil, fmt.Errorf("add %s: %w", r.Kind(), ErrSingleton)
	}
	if err := r.schema.Validate(fields); err != nil {
		return nil, err
	}

	rec := &model.Record{
		ClientUUID: uuid.NewString(),
		Fields:     maps.Clone(fields),
		MediaRef:   mediaRef,
		SyncState:  model.PendingCreate,
		Revision:   1,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing new %s: %w", r.Kind(), err)
	}
	r.log.Debug("record added", "local_id", rec.LocalID)
	r.notify()
	return rec, nil
}

// Update replaces the editable fields of a record. A synced record becomes
// pending update; a pending record stays in its state. An empty mediaRef
// keeps the current media. Read-only fields are preserved and any previous
// server rejection is cleared. A pending delete the server refused is undone
// and becomes a pending update; any other pending delete returns ErrDeleted.
func (r *Repository) Update(ctx context.Context, localID int64, fields map[string]string, mediaRef string) (*model.Record, error) {
	if err := r.schema.Validate(fields); err != nil {
		return nil, err
	}

	rec, err := r.store.Modify(ctx, localID, func(rec *model.Record) (bool, error) {
		if rec.SyncState == model.PendingDelete {
			if rec.Rejected == "" {
				return false, ErrDeleted
			}
			rec.SyncState = model.PendingUpdate
		}
		next := maps.Clone(fields)
		if next == nil {
			next = map[string]string{}
		}
		for _, f := range r.schema.Fields {
			if v := rec.Fields[f.Name]; f.ReadOnly && v != "" {
				next[f.Name] = v
			}
		}
		rec.Fields = next
		if mediaRef != "" {
			rec.MediaRef = mediaRef
		}
		if rec.SyncState == model.Synced {
			rec.SyncState = model.PendingUpdate
		}
		rec.Revision++
		rec.Rejected = ""
		return false, nil
	})
	if err != nil {
		return nil, r.wrap("update", localID, err)
	}
	r.log.Debug("record updated", "local_id", localID, "state", rec.SyncState.String())
	r.notify()
	return rec, nil
}

// Remove deletes a record. A record the server has never seen is purged at
// once; any other record is kept as pending delete until the server confirms.
// Removing a pending delete the server refused queues the delete again.
func (r *Repository) Remove(ctx context.Context, localID int64) error {
	purged := false
	_, err := r.store.Modify(ctx, localID, func(rec *model.Record) (bool, error) {
		switch {
		case !rec.HasRemoteID():
			purged = true
			return true, nil
		case rec.SyncState == model.PendingDelete && rec.Rejected == "":
			return false, nil
		default:
			rec.SyncState = model.PendingDelete
			rec.Revision++
			rec.Rejected = ""
			return false, nil
		}
	})
	if err != nil {
		return r.wrap("remove", localID, err)
	}
	r.log.Debug("record removed", "local_id", localID, "purged", purged)
	if !purged {
		r.notify()
	}
	return nil
}

// Get returns the authoritative copy of a record for detail views, fetched
// from the server. A record the server has never seen is returned from the
// local store. A failed fetch is returned as is; the cached copy is not used
// as a fallback.
func (r *Repository) Get(ctx context.Context, localID int64) (*model.Record, error) {
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("reading %s local_id=%d: %w", r.Kind(), localID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%s local_id=%d: %w", r.Kind(), localID, ErrNotFound)
	}
	if !rec.HasRemoteID() {
		return rec, nil
	}

	srv, err := r.fetcher.FetchOne(ctx, rec.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %d: %w", r.Kind(), rec.RemoteID, err)
	}
	out := rec.Clone()
	out.Fields = srv.Fields
	out.MediaRef = srv.MediaURL
	return out, nil
}

// Cached returns the local copy of a record without any network access.
func (r *Repository) Cached(ctx context.Context, localID int64) (*model.Record, error) {
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("reading %s local_id=%d: %w", r.Kind(), localID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%s local_id=%d: %w", r.Kind(), localID, ErrNotFound)
	}
	return rec, nil
}

func (r *Repository) wrap(op string, localID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		err = ErrNotFound
	}
	return fmt.Errorf("%s %s local_id=%d: %w", op, r.Kind(), localID, err)
}
