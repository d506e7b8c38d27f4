// Package sync reconciles the local record store with the GreenLeaf service.
//
// The package contains three components:
//
//   - [Engine] pulls server records into one kind's table and pushes that
//     table's pending records to the server.
//   - [Scheduler] runs push passes for every kind in the background, with
//     retry and backoff.
//   - [Bootstrap] warms an empty cache on first run.
package sync

import (
	"context"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

// RecordStore is one kind's local table. Implemented by [store.Table].
type RecordStore interface {
	Kind() model.Kind
	GetUnsynced(ctx context.Context) ([]*model.Record, error)
	MergeRemote(ctx context.Context, remoteID int64, fields map[string]string, mediaRef string) (bool, error)
	DeleteByLocalID(ctx context.Context, localID int64) error
	MarkSynced(ctx context.Context, localID, remoteID, revision int64) error
	MarkRejected(ctx context.Context, localID, revision int64, reason string) error
	SettleMedia(ctx context.Context, localID int64, uploaded, url string) error
}

// Gateway is one kind's remote endpoint. Implemented by [remote.Gateway].
type Gateway interface {
	FetchAll(ctx context.Context) ([]remote.Record, error)
	Create(ctx context.Context, fields map[string]string, mediaRef string) (remote.Record, error)
	Update(ctx context.Context, remoteID int64, fields map[string]string, mediaRef string) (remote.Record, error)
	Delete(ctx context.Context, remoteID int64) error
}

// EmptyChecker reports whether the local cache holds any record.
// Implemented by [store.Store].
type EmptyChecker interface {
	IsEmpty(ctx context.Context) (bool, error)
}
