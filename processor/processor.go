// Package processor hosts the SQS-driven consumers that keep the
// denormalized relationship and tag copies converged with their sources.
// Each handler returns partial batch failures so only the records that
// genuinely failed are redelivered.
package processor

import (
	"log/slog"
	"sync"

	"github.com/monorise/core/event"
	"github.com/monorise/core/store"
)

// Processor wires the store, the type registry and the event bus into the
// Lambda handlers.
type Processor struct {
	store     *store.Store
	registry  *store.Registry
	publisher event.Publisher
	logger    *slog.Logger
}

// New creates a Processor. A nil logger falls back to slog.Default.
func New(s *store.Store, publisher event.Publisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     s,
		registry:  s.Registry(),
		publisher: publisher,
		logger:    logger,
	}
}

// allSettled runs fn for every id concurrently and returns one slot per
// id, nil where the call succeeded.
func allSettled(ids []string, fn func(id string) error) []error {
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = fn(id)
		}(i, id)
	}
	wg.Wait()
	return errs
}
