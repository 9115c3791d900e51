package runner

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openmoor/moor/pkg/entity"
	"github.com/openmoor/moor/pkg/stores"
)

// eventAppender is the slice of the store the journal writes through.
type eventAppender interface {
	AppendEvent(ctx context.Context, ev *stores.EventRecord) error
}

// journal is the runner's event sink: every lifecycle event is appended
// to the store's event log, stamped with the invocation it occurred in,
// then forwarded to the telemetry publisher. Append failures are logged
// and never fail the verb.
type journal struct {
	store  eventAppender
	next   entity.EventSink
	logger zerolog.Logger

	mu         sync.Mutex
	invocation *string
}

func newJournal(store eventAppender, next entity.EventSink, logger zerolog.Logger) *journal {
	if next == nil {
		next = entity.NopSink{}
	}
	return &journal{
		store:  store,
		next:   next,
		logger: logger.With().Str("component", "event-journal").Logger(),
	}
}

// begin stamps subsequent events with the given invocation ID.
func (j *journal) begin(invocationID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := invocationID
	j.invocation = &id
}

// end stops stamping events with an invocation ID.
func (j *journal) end() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.invocation = nil
}

// Publish implements entity.EventSink.
func (j *journal) Publish(ctx context.Context, ev entity.Event) {
	j.mu.Lock()
	invocation := j.invocation
	j.mu.Unlock()

	if j.store != nil {
		// A cancelled verb still journals its failure events.
		appendCtx := context.WithoutCancel(ctx)
		if err := j.store.AppendEvent(appendCtx, stores.NewEventRecord(ev, invocation)); err != nil {
			j.logger.Warn().Err(err).
				Str("entity", ev.Entity).
				Str("event_type", string(ev.Type)).
				Msg("Event journal append failed")
		}
	}

	j.next.Publish(ctx, ev)
}
