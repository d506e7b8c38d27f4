// Package model defines the record, schema and domain types shared by the
// local store, the remote gateway, the sync engine and the repositories.
package model

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// SyncState tags a record with whether its local state has been confirmed
// by the remote service.
type SyncState int

const (
	// Synced means the record matches the server copy identified by RemoteID.
	Synced SyncState = iota
	// PendingCreate means the record exists only on this device.
	PendingCreate
	// PendingUpdate means local edits have not been pushed yet.
	PendingUpdate
	// PendingDelete means the record is retained until the server confirms
	// its deletion.
	PendingDelete
)

// String returns the storage label for the state.
func (s SyncState) String() string {
	switch s {
	case Synced:
		return "synced"
	case PendingCreate:
		return "pending_create"
	case PendingUpdate:
		return "pending_update"
	case PendingDelete:
		return "pending_delete"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// ParseSyncState is the inverse of [SyncState.String].
func ParseSyncState(s string) (SyncState, error) {
	switch s {
	case "synced":
		return Synced, nil
	case "pending_create":
		return PendingCreate, nil
	case "pending_update":
		return PendingUpdate, nil
	case "pending_delete":
		return PendingDelete, nil
	default:
		return 0, fmt.Errorf("unknown sync state %q", s)
	}
}

// Record is a single cached entity (plant, observation or user profile) with
// its local identity and, once the server has acknowledged it, its remote one.
type Record struct {
	// LocalID is assigned by the local store and never changes.
	LocalID int64

	// RemoteID is the server-assigned id. Zero means the server has not
	// assigned one yet.
	RemoteID int64

	// ClientUUID identifies the record across create retries. It is sent as
	// the idempotency key of the create request.
	ClientUUID string

	// Fields holds the domain values keyed by their wire name.
	Fields map[string]string

	// MediaRef is a local file path or a remote URL. Empty means no media.
	MediaRef string

	SyncState SyncState

	// Revision is bumped on every local write. The sync engine only marks a
	// record synced if the revision it pushed is still current.
	Revision int64

	// Rejected holds the server's validation message for the last push of
	// this revision. Rejected records are not pushed again until edited.
	Rejected string

	UpdatedAt time.Time
}

// HasRemoteID reports whether the server has assigned an id to the record.
func (r *Record) HasRemoteID() bool { return r.RemoteID != 0 }

// Pending reports whether the record carries local changes not yet
// confirmed by the server.
func (r *Record) Pending() bool { return r.SyncState != Synced }

// Check validates the identity invariants of the record.
func (r *Record) Check() error {
	switch r.SyncState {
	case Synced:
		if !r.HasRemoteID() {
			return fmt.Errorf("record %d is synced but has no remote id", r.LocalID)
		}
	case PendingCreate:
		if r.HasRemoteID() {
			return fmt.Errorf("record %d is pending create but has remote id %d", r.LocalID, r.RemoteID)
		}
	case PendingUpdate, PendingDelete:
		if !r.HasRemoteID() {
			return fmt.Errorf("record %d is %s but has no remote id", r.LocalID, r.SyncState)
		}
	default:
		return fmt.Errorf("record %d has invalid sync state %d", r.LocalID, int(r.SyncState))
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = maps.Clone(r.Fields)
	return &cp
}

// Field returns the named field value, or "" if it is absent.
func (r *Record) Field(name string) string {
	return r.Fields[name]
}

// IsLocalMedia reports whether ref points at a file on this device rather
// than at media already hosted by the server.
func IsLocalMedia(ref string) bool {
	if ref == "" {
		return false
	}
	lower := strings.ToLower(ref)
	return !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://")
}
