package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/njoerd114/leafsync/internal/model"
)

// Puller pulls one kind's server records into the local store. Implemented by
// [Engine].
type Puller interface {
	Kind() model.Kind
	Pull(ctx context.Context) (Stats, error)
}

// Bootstrap warms an empty cache on first run by pulling every kind, so the
// first listing after setup shows the user's existing records.
type Bootstrap struct {
	store   EmptyChecker
	pullers []Puller
	log     *slog.Logger
	writer  io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap. The summary is written to writer.
func NewBootstrap(store EmptyChecker, pullers []Puller, logger *slog.Logger, writer io.Writer) *Bootstrap {
	return &Bootstrap{store: store, pullers: pullers, log: logger, writer: writer}
}

// Run checks whether the store is empty and, if so, pulls every kind. It
// returns true if the cache was warmed. Kinds that fail to pull are reported
// in the joined error; kinds that succeeded stay cached.
func (b *Bootstrap) Run(ctx context.Context) (bool, error) {
	empty, err := b.store.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("checking record store: %w", err)
	}
	if !empty {
		b.log.Debug("record store is not empty, skipping bootstrap")
		return false, nil
	}

	b.log.Info("empty record store detected, warming cache")

	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Cache Summary ---\n\n")
	var errs []error
	for _, p := range b.pullers {
		stats, err := p.Pull(ctx)
		if err != nil {
			errs = append(errs, err)
			_, _ = fmt.Fprintf(b.writer, "  %-12s failed: %v\n", p.Kind(), err)
			continue
		}
		_, _ = fmt.Fprintf(b.writer, "  %-12s %d cached\n", p.Kind(), stats.Pulled)
	}
	_, _ = fmt.Fprintln(b.writer)

	if err := errors.Join(errs...); err != nil {
		return true, fmt.Errorf("warming cache: %w", err)
	}
	b.log.Info("bootstrap complete")
	return true, nil
}
