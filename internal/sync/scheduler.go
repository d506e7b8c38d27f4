package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

const (
	spanPass     = "sync.pass"
	metricPasses = "leafsync.sync.passes"
)

// State is the scheduler's position in its Idle → Running → {Idle,
// RetryScheduled} cycle.
type State int

const (
	Idle State = iota
	Running
	RetryScheduled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case RetryScheduled:
		return "retry_scheduled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pusher pushes one kind's pending records. Implemented by [Engine].
type Pusher interface {
	Kind() model.Kind
	PushUnsynced(ctx context.Context) (Stats, error)
}

// Status is a snapshot of the scheduler.
type Status struct {
	State   State
	LastRun time.Time
	LastErr error
	NextRun time.Time
}

// Scheduler runs push passes for every kind outside the interactive path: on
// start, periodically, and whenever [Scheduler.Trigger] is called. A pass
// that fails for a transient reason is retried after a backoff; a successful
// pass resets the backoff. Create one with [NewScheduler] and start it with
// [Scheduler.Run].
type Scheduler struct {
	pushers  []Pusher
	interval time.Duration
	backoff  *Backoff
	trigger  chan struct{}
	log      *slog.Logger

	mu     gosync.Mutex
	status Status

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer    trace.Tracer
	cntPasses metric.Int64Counter
}

// NewScheduler creates a Scheduler over pushers that runs a pass every
// interval.
func NewScheduler(pushers []Pusher, interval time.Duration, backoff *Backoff, logger *slog.Logger) *Scheduler {
	cnt, err := otel.Meter(otelScope).Int64Counter(metricPasses, metric.WithDescription("Number of background sync passes by result"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricPasses, "error", err)
		cnt = noop.Int64Counter{}
	}
	return &Scheduler{
		pushers:   pushers,
		interval:  interval,
		backoff:   backoff,
		trigger:   make(chan struct{}, 1),
		log:       logger,
		tracer:    otel.Tracer(otelScope),
		cntPasses: cnt,
	}
}

// Trigger requests a pass as soon as possible. Calls made while a request is
// already queued are coalesced. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
}

// RunPass pushes every kind once. Kinds are pushed concurrently since they
// touch disjoint tables and endpoints. The returned error joins the errors of
// every kind that failed.
func (s *Scheduler) RunPass(ctx context.Context) (map[model.Kind]Stats, error) {
	ctx, span := s.tracer.Start(ctx, spanPass)
	defer span.End()

	var (
		mu    gosync.Mutex
		wg    gosync.WaitGroup
		stats = make(map[model.Kind]Stats, len(s.pushers))
		errs  []error
	)
	for _, p := range s.pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := p.PushUnsynced(ctx)
			mu.Lock()
			defer mu.Unlock()
			stats[p.Kind()] = st
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	err := errors.Join(errs...)
	result := "success"
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		result = "unauthorized"
	case err != nil:
		result = "failure"
	}
	s.cntPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	span.SetAttributes(attribute.String("sync.result", result))
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

// Run starts the scheduling loop with an immediate first pass. It blocks until
// ctx is cancelled. Cancellation never interrupts a record already being
// pushed; it only prevents new passes.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync scheduler shutting down")
			return ctx.Err()
		case <-timer.C:
		case <-s.trigger:
			s.log.Debug("sync pass triggered")
		}

		next := s.pass(ctx)
		timer.Reset(next)
	}
}

// pass runs one pass, advances the state machine and returns the delay
// before the next pass.
func (s *Scheduler) pass(ctx context.Context) time.Duration {
	s.setState(Running)
	start := time.Now()
	_, err := s.RunPass(ctx)

	next := s.interval
	state := Idle
	switch {
	case err == nil:
		s.backoff.Reset()
		s.log.Debug("sync pass complete", "duration", time.Since(start))
	case errors.Is(err, remote.ErrUnauthorized):
		// Retrying cannot help until the user signs in again.
		s.backoff.Reset()
		s.log.Error("sync pass unauthorized, waiting for sign-in", "error", err)
	default:
		next = s.backoff.Next()
		state = RetryScheduled
		s.log.Warn("sync pass failed, retry scheduled", "error", err, "retry_in", next, "attempt", s.backoff.Attempts())
	}

	s.mu.Lock()
	s.status = Status{State: state, LastRun: start, LastErr: err, NextRun: time.Now().Add(next)}
	s.mu.Unlock()
	return next
}
