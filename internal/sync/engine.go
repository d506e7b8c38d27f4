package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

const (
	otelScope      = "leafsync/sync"
	spanPull       = "sync.pull"
	spanPush       = "sync.push"
	metricPulled   = "leafsync.sync.records.pulled"
	metricCreated  = "leafsync.sync.records.created"
	metricUpdated  = "leafsync.sync.records.updated"
	metricDeleted  = "leafsync.sync.records.deleted"
	metricOrphaned = "leafsync.sync.records.orphaned"
	metricRejected = "leafsync.sync.records.rejected"
	metricErrors   = "leafsync.sync.errors"

	// DefaultWorkers is the number of records pushed concurrently.
	DefaultWorkers = 4
)

// Stats tracks what a single pull or push pass did.
type Stats struct {
	Pulled   int
	Created  int
	Updated  int
	Deleted  int
	Orphaned int // deleted locally because the server no longer has them
	Rejected int // refused by server validation, parked until edited
	Skipped  int
	Errors   int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Pulled += o.Pulled
	s.Created += o.Created
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Orphaned += o.Orphaned
	s.Rejected += o.Rejected
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Engine reconciles one kind's local table with its remote endpoint. It is
// stateless between calls; all persistent state lives in the [RecordStore].
// Pull and PushUnsynced on the same engine never overlap.
type Engine struct {
	store   RecordStore
	gw      Gateway
	workers int
	log     *slog.Logger

	// mu serializes passes on this kind.
	mu gosync.Mutex

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer      trace.Tracer
	attrs       metric.MeasurementOption
	cntPulled   metric.Int64Counter
	cntCreated  metric.Int64Counter
	cntUpdated  metric.Int64Counter
	cntDeleted  metric.Int64Counter
	cntOrphaned metric.Int64Counter
	cntRejected metric.Int64Counter
	cntErrors   metric.Int64Counter
}

// NewEngine creates an Engine for store's kind. workers bounds the number of
// records pushed concurrently; values below 1 select [DefaultWorkers].
func NewEngine(store RecordStore, gw Gateway, workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = DefaultWorkers
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	kind := store.Kind()
	return &Engine{
		store:   store,
		gw:      gw,
		workers: workers,
		log:     logger.With("kind", kind.String()),

		tracer:      tracer,
		attrs:       metric.WithAttributes(attribute.String("kind", kind.String())),
		cntPulled:   mustCounter(metricPulled, "Number of server records merged into the local store"),
		cntCreated:  mustCounter(metricCreated, "Number of local records created on the server"),
		cntUpdated:  mustCounter(metricUpdated, "Number of local edits pushed to the server"),
		cntDeleted:  mustCounter(metricDeleted, "Number of local deletes confirmed by the server"),
		cntOrphaned: mustCounter(metricOrphaned, "Number of local records dropped because the server lost them"),
		cntRejected: mustCounter(metricRejected, "Number of records rejected by server validation"),
		cntErrors:   mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// Kind returns the entity type the engine reconciles.
func (e *Engine) Kind() model.Kind { return e.store.Kind() }

// Pull fetches every server record and merges it into the local store as
// synced. Local records with pending changes are left as they are, and local
// records missing from the response are never deleted. If the fetch fails the
// store is untouched and the failure is returned.
func (e *Engine) Pull(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, spanPull, trace.WithAttributes(attribute.String("sync.kind", e.Kind().String())))
	defer span.End()

	var stats Stats
	recs, err := e.gw.FetchAll(ctx)
	if err != nil {
		e.cntErrors.Add(ctx, 1, e.attrs)
		span.RecordError(err)
		return stats, fmt.Errorf("pull %s: %w", e.Kind(), err)
	}

	var firstErr error
	for _, r := range recs {
		applied, err := e.store.MergeRemote(ctx, r.ID, r.Fields, r.MediaURL)
		switch {
		case err != nil:
			stats.Errors++
			e.log.Error("merging server record", "remote_id", r.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("pull %s: %w", e.Kind(), err)
			}
		case applied:
			stats.Pulled++
		default:
			stats.Skipped++
			e.log.Debug("kept pending local record over server copy", "remote_id", r.ID)
		}
	}

	if stats.Pulled > 0 {
		e.cntPulled.Add(ctx, int64(stats.Pulled), e.attrs)
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors), e.attrs)
	}
	span.SetAttributes(
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.skipped", stats.Skipped),
		attribute.Int("sync.errors", stats.Errors),
	)
	if firstErr != nil {
		span.RecordError(firstErr)
	}

	e.log.Info("pull complete", "pulled", stats.Pulled, "skipped", stats.Skipped, "errors", stats.Errors)
	return stats, firstErr
}

// pushResult is the outcome of pushing one record.
type pushResult int

const (
	resultNone pushResult = iota
	resultCreated
	resultUpdated
	resultDeleted
	resultOrphaned
	resultRejected
	resultFailed
)

// PushUnsynced pushes a snapshot of the pending records taken at call time.
// Records are pushed concurrently; one record's failure never aborts the
// others. A record only changes state after the server confirmed the push.
// Records carrying a rejection are skipped until they are edited.
//
// Cancelling ctx stops new records from being started; calls already in
// flight complete. After an Unauthorized failure no further records are
// started and the returned error matches [remote.ErrUnauthorized]. Otherwise
// the first error is returned.
func (e *Engine) PushUnsynced(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, spanPush, trace.WithAttributes(attribute.String("sync.kind", e.Kind().String())))
	defer span.End()

	var stats Stats
	pending, err := e.store.GetUnsynced(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("listing unsynced %s records: %w", e.Kind(), err)
	}

	var (
		mu       gosync.Mutex
		firstErr error
		authErr  error
		stopped  atomic.Bool
	)
	record := func(res pushResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch res {
		case resultCreated:
			stats.Created++
		case resultUpdated:
			stats.Updated++
		case resultDeleted:
			stats.Deleted++
		case resultOrphaned:
			stats.Orphaned++
		case resultRejected:
			stats.Rejected++
		case resultFailed:
			stats.Errors++
		}
		if err == nil {
			return
		}
		if errors.Is(err, remote.ErrUnauthorized) {
			stopped.Store(true)
			if authErr == nil {
				authErr = err
			}
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	// In-flight calls run to completion even if ctx is cancelled.
	callCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(e.workers)
	skip := func() {
		mu.Lock()
		stats.Skipped++
		mu.Unlock()
	}
	for _, rec := range pending {
		if rec.Rejected != "" || stopped.Load() || ctx.Err() != nil {
			skip()
			continue
		}
		g.Go(func() error {
			if stopped.Load() {
				skip()
				return nil
			}
			record(e.pushOne(callCtx, rec))
			return nil
		})
	}
	_ = g.Wait()

	e.recordPushMetrics(ctx, span, stats)

	err = firstErr
	if authErr != nil {
		err = authErr
	}
	if err != nil {
		span.RecordError(err)
		err = fmt.Errorf("push %s: %w", e.Kind(), err)
	}

	e.log.Info("push complete",
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"orphaned", stats.Orphaned,
		"rejected", stats.Rejected,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
	)
	return stats, err
}

// pushOne applies one record's pending change to the server and, on
// confirmation, to the store.
func (e *Engine) pushOne(ctx context.Context, rec *model.Record) (pushResult, error) {
	log := e.log.With("local_id", rec.LocalID, "state", rec.SyncState.String())

	var err error
	switch rec.SyncState {
	case model.PendingCreate:
		var srv remote.Record
		srv, err = e.gw.Create(remote.WithIdempotencyKey(ctx, rec.ClientUUID), rec.Fields, rec.MediaRef)
		if err == nil {
			if err := e.store.MarkSynced(ctx, rec.LocalID, srv.ID, rec.Revision); err != nil {
				log.Error("recording created record", "remote_id", srv.ID, "error", err)
				return resultFailed, err
			}
			e.settleMedia(ctx, log, rec, srv)
			log.Debug("created on server", "remote_id", srv.ID)
			return resultCreated, nil
		}

	case model.PendingUpdate:
		var srv remote.Record
		srv, err = e.gw.Update(ctx, rec.RemoteID, rec.Fields, rec.MediaRef)
		if err == nil {
			if err := e.store.MarkSynced(ctx, rec.LocalID, rec.RemoteID, rec.Revision); err != nil {
				log.Error("recording updated record", "remote_id", rec.RemoteID, "error", err)
				return resultFailed, err
			}
			e.settleMedia(ctx, log, rec, srv)
			log.Debug("updated on server", "remote_id", rec.RemoteID)
			return resultUpdated, nil
		}

	case model.PendingDelete:
		err = e.gw.Delete(ctx, rec.RemoteID)
		if err == nil || errors.Is(err, remote.ErrNotFound) {
			if err := e.store.DeleteByLocalID(ctx, rec.LocalID); err != nil {
				log.Error("removing deleted record", "remote_id", rec.RemoteID, "error", err)
				return resultFailed, err
			}
			log.Debug("deleted on server", "remote_id", rec.RemoteID)
			return resultDeleted, nil
		}

	default:
		return resultNone, nil
	}

	switch remote.KindOf(err) {
	case remote.NotFound:
		if rec.SyncState != model.PendingUpdate {
			break
		}
		log.Warn("server no longer has record, dropping local copy", "remote_id", rec.RemoteID)
		if err := e.store.DeleteByLocalID(ctx, rec.LocalID); err != nil {
			return resultFailed, err
		}
		return resultOrphaned, nil

	case remote.Validation:
		msg := err.Error()
		var f *remote.Failure
		if errors.As(err, &f) && f.Message != "" {
			msg = f.Message
		}
		log.Warn("server rejected record", "reason", msg)
		if err := e.store.MarkRejected(ctx, rec.LocalID, rec.Revision, msg); err != nil {
			return resultFailed, err
		}
		return resultRejected, nil

	case remote.Unauthorized:
		log.Warn("push unauthorized", "error", err)
		return resultFailed, err
	}

	log.Error("push failed, will retry", "error", err)
	return resultFailed, err
}

// settleMedia swaps an uploaded local file for the server's URL. A failure
// only costs a repeated upload, so it is logged and not returned.
func (e *Engine) settleMedia(ctx context.Context, log *slog.Logger, rec *model.Record, srv remote.Record) {
	if !model.IsLocalMedia(rec.MediaRef) || srv.MediaURL == "" {
		return
	}
	if err := e.store.SettleMedia(ctx, rec.LocalID, rec.MediaRef, srv.MediaURL); err != nil {
		log.Warn("recording uploaded media", "error", err)
	}
}

func (e *Engine) recordPushMetrics(ctx context.Context, span trace.Span, stats Stats) {
	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n), e.attrs)
		}
	}
	add(e.cntCreated, stats.Created)
	add(e.cntUpdated, stats.Updated)
	add(e.cntDeleted, stats.Deleted)
	add(e.cntOrphaned, stats.Orphaned)
	add(e.cntRejected, stats.Rejected)
	add(e.cntErrors, stats.Errors)

	span.SetAttributes(
		attribute.Int("sync.created", stats.Created),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.orphaned", stats.Orphaned),
		attribute.Int("sync.rejected", stats.Rejected),
		attribute.Int("sync.skipped", stats.Skipped),
		attribute.Int("sync.errors", stats.Errors),
	)
}
