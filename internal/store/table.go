package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/njoerd114/leafsync/internal/model"
)

const columns = `local_id, remote_id, client_uuid, fields, media_ref,
		       sync_state, revision, rejected, updated_at`

// Table is the per-kind record table. All methods are safe for concurrent
// use.
type Table struct {
	db   *sql.DB
	kind model.Kind
	name string
}

// Kind returns the entity type stored in the table.
func (t *Table) Kind() model.Kind { return t.kind }

// GetAll returns every record in insertion order.
func (t *Table) GetAll(ctx context.Context) ([]*model.Record, error) {
	q := `SELECT ` + columns + ` FROM ` + t.name + ` ORDER BY local_id`
	return t.query(ctx, q)
}

// GetUnsynced returns every record whose sync state is not synced, in
// insertion order.
func (t *Table) GetUnsynced(ctx context.Context) ([]*model.Record, error) {
	q := `SELECT ` + columns + ` FROM ` + t.name + ` WHERE sync_state != ? ORDER BY local_id`
	return t.query(ctx, q, model.Synced.String())
}

// Get returns the record with the given local id, or (nil, nil) if no such
// record exists.
func (t *Table) Get(ctx context.Context, localID int64) (*model.Record, error) {
	q := `SELECT ` + columns + ` FROM ` + t.name + ` WHERE local_id = ?`
	return scanRecord(t.db.QueryRowContext(ctx, q, localID))
}

// GetByRemoteID returns the record with the given remote id, or (nil, nil)
// if no such record exists.
func (t *Table) GetByRemoteID(ctx context.Context, remoteID int64) (*model.Record, error) {
	if remoteID == 0 {
		return nil, nil //nolint:nilnil // zero is never a stored remote id
	}
	q := `SELECT ` + columns + ` FROM ` + t.name + ` WHERE remote_id = ?`
	return scanRecord(t.db.QueryRowContext(ctx, q, remoteID))
}

// Upsert inserts rec if its LocalID is zero or unknown, and otherwise
// overwrites the stored record with the same LocalID. rec.LocalID is set
// after an insert.
func (t *Table) Upsert(ctx context.Context, rec *model.Record) error {
	return upsert(ctx, t.db, t.name, rec)
}

// DeleteByLocalID removes the record unconditionally.
func (t *Table) DeleteByLocalID(ctx context.Context, localID int64) error {
	q := `DELETE FROM ` + t.name + ` WHERE local_id = ?`
	if _, err := t.db.ExecContext(ctx, q, localID); err != nil {
		return fmt.Errorf("deleting %s local_id=%d: %w", t.kind, localID, err)
	}
	return nil
}

// MarkSynced records a confirmed push of the given revision. The remote id is
// always stored; the record only becomes synced if no local write happened
// since that revision was read. A pending create overtaken by a local edit
// becomes a pending update. A synced copy of the same remote record that a
// concurrent pull inserted is dropped. Missing records are ignored.
func (t *Table) MarkSynced(ctx context.Context, localID, remoteID, revision int64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dup := `DELETE FROM ` + t.name + ` WHERE remote_id = ? AND local_id != ? AND sync_state = ?`
	if _, err := tx.ExecContext(ctx, dup, remoteID, localID, model.Synced.String()); err != nil {
		return fmt.Errorf("dropping duplicate of %s remote_id=%d: %w", t.kind, remoteID, err)
	}

	q := `
		UPDATE ` + t.name + ` SET
		    remote_id  = ?,
		    rejected   = '',
		    sync_state = CASE
		        WHEN revision = ? THEN ?
		        WHEN sync_state = ? THEN ?
		        ELSE sync_state
		    END,
		    updated_at = ?
		WHERE local_id = ?`
	_, err = tx.ExecContext(ctx, q,
		remoteID,
		revision, model.Synced.String(),
		model.PendingCreate.String(), model.PendingUpdate.String(),
		formatTime(time.Now()),
		localID,
	)
	if err != nil {
		return fmt.Errorf("marking %s local_id=%d synced: %w", t.kind, localID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s local_id=%d: %w", t.kind, localID, err)
	}
	return nil
}

// SettleMedia replaces a local media path that was uploaded with the URL the
// server now serves it from, so later pushes do not upload it again. It has
// no effect if the media was changed since the upload.
func (t *Table) SettleMedia(ctx context.Context, localID int64, uploaded, url string) error {
	q := `UPDATE ` + t.name + ` SET media_ref = ? WHERE local_id = ? AND media_ref = ?`
	if _, err := t.db.ExecContext(ctx, q, url, localID, uploaded); err != nil {
		return fmt.Errorf("settling media of %s local_id=%d: %w", t.kind, localID, err)
	}
	return nil
}

// MergeRemote stores the server copy of a record as synced, inserting it or
// overwriting the local record with the same remote id. A local record with
// pending changes is left untouched and MergeRemote reports false.
func (t *Table) MergeRemote(ctx context.Context, remoteID int64, fields map[string]string, mediaRef string) (bool, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + columns + ` FROM ` + t.name + ` WHERE remote_id = ?`
	rec, err := scanRecord(tx.QueryRowContext(ctx, q, remoteID))
	if err != nil {
		return false, err
	}
	switch {
	case rec == nil:
		rec = &model.Record{RemoteID: remoteID}
	case rec.Pending():
		return false, nil
	default:
		rec.Revision++
	}
	rec.Fields = fields
	rec.MediaRef = mediaRef
	rec.SyncState = model.Synced
	rec.Rejected = ""

	if err := upsert(ctx, tx, t.name, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing %s remote_id=%d: %w", t.kind, remoteID, err)
	}
	return true, nil
}

// MarkRejected stores the server's validation message for the pushed
// revision. It has no effect if the record changed since.
func (t *Table) MarkRejected(ctx context.Context, localID, revision int64, reason string) error {
	q := `UPDATE ` + t.name + ` SET rejected = ? WHERE local_id = ? AND revision = ?`
	if _, err := t.db.ExecContext(ctx, q, reason, localID, revision); err != nil {
		return fmt.Errorf("marking %s local_id=%d rejected: %w", t.kind, localID, err)
	}
	return nil
}

// Modify runs fn on the current state of the record inside a transaction and
// writes the result back. If fn returns remove=true the record is deleted
// instead. It returns the stored record, nil after a removal, or ErrNotFound.
// fn must not call back into the store.
func (t *Table) Modify(ctx context.Context, localID int64, fn func(rec *model.Record) (remove bool, err error)) (*model.Record, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + columns + ` FROM ` + t.name + ` WHERE local_id = ?`
	rec, err := scanRecord(tx.QueryRowContext(ctx, q, localID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s local_id=%d: %w", t.kind, localID, ErrNotFound)
	}

	remove, err := fn(rec)
	if err != nil {
		return nil, err
	}

	if remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE local_id = ?`, localID); err != nil {
			return nil, fmt.Errorf("deleting %s local_id=%d: %w", t.kind, localID, err)
		}
		rec = nil
	} else {
		rec.LocalID = localID
		if err := upsert(ctx, tx, t.name, rec); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing %s local_id=%d: %w", t.kind, localID, err)
	}
	return rec, nil
}

// Counts returns the number of records per sync state.
func (t *Table) Counts(ctx context.Context) (map[model.SyncState]int, error) {
	q := `SELECT sync_state, COUNT(*) FROM ` + t.name + ` GROUP BY sync_state`
	rows, err := t.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("counting %s records: %w", t.kind, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		s, err := model.ParseSyncState(state)
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (t *Table) query(ctx context.Context, q string, args ...any) ([]*model.Record, error) {
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s records: %w", t.kind, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// execer matches both *sql.DB and *sql.Tx so upsert can run in either.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, table string, rec *model.Record) error {
	if err := rec.Check(); err != nil {
		return fmt.Errorf("refusing to store record: %w", err)
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields of local_id=%d: %w", rec.LocalID, err)
	}
	rec.UpdatedAt = time.Now().UTC()

	q := `
		INSERT INTO ` + table + `
		    (local_id, remote_id, client_uuid, fields, media_ref,
		     sync_state, revision, rejected, updated_at)
		VALUES (NULLIF(?, 0), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
		    remote_id   = excluded.remote_id,
		    client_uuid = excluded.client_uuid,
		    fields      = excluded.fields,
		    media_ref   = excluded.media_ref,
		    sync_state  = excluded.sync_state,
		    revision    = excluded.revision,
		    rejected    = excluded.rejected,
		    updated_at  = excluded.updated_at`

	res, err := db.ExecContext(ctx, q,
		rec.LocalID,
		rec.RemoteID,
		rec.ClientUUID,
		string(fields),
		rec.MediaRef,
		rec.SyncState.String(),
		rec.Revision,
		rec.Rejected,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting %s record local_id=%d: %w", table, rec.LocalID, err)
	}
	if rec.LocalID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading inserted local id: %w", err)
		}
		rec.LocalID = id
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.Record, error) {
	var rec model.Record
	var fields, state, updatedAt string

	err := s.Scan(
		&rec.LocalID,
		&rec.RemoteID,
		&rec.ClientUUID,
		&fields,
		&rec.MediaRef,
		&state,
		&rec.Revision,
		&rec.Rejected,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of local_id=%d: %w", rec.LocalID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	if rec.SyncState, err = model.ParseSyncState(state); err != nil {
		return nil, fmt.Errorf("local_id=%d: %w", rec.LocalID, err)
	}
	rec.UpdatedAt, _ = parseTime(updatedAt)

	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
