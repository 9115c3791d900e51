package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmoor/moor/pkg/entity"
)

// Record is a lifecycle event stamped with a unique ID for audit trails.
type Record struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	entity.Event
}

// EventSubscriber is a function that handles event records.
type EventSubscriber func(rec Record)

// EventFilter determines if an event record should be processed.
type EventFilter func(rec Record) bool

// Publisher buffers and fans out lifecycle events. It implements
// entity.EventSink: publishing never blocks a verb, and events are
// dropped rather than queued unboundedly when the buffer is full.
type Publisher struct {
	config      EventsConfig
	buffer      chan Record
	subscribers []subscriberEntry
	filters     []EventFilter
	dropped     uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewPublisher creates a new event publisher with the given configuration.
func NewPublisher(cfg EventsConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		config:      cfg,
		buffer:      make(chan Record, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		p.wg.Add(1)
		go p.processEvents()
	}

	return p, nil
}

// Publish implements entity.EventSink. Events are stamped, filtered and
// either buffered (async) or delivered inline (sync). A full buffer
// drops the event.
func (p *Publisher) Publish(_ context.Context, ev entity.Event) {
	if !p.config.Enabled {
		return
	}

	rec := Record{ID: uuid.New().String(), Event: ev}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	// Apply global filters
	p.mu.RLock()
	for _, filter := range p.filters {
		if !filter(rec) {
			p.mu.RUnlock()
			return
		}
	}
	p.mu.RUnlock()

	if p.config.EnableAsync {
		select {
		case p.buffer <- rec:
		case <-p.ctx.Done():
		default:
			// Buffer full. The sink contract forbids blocking the verb.
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
		return
	}

	p.deliverRecord(rec)
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (p *Publisher) Dropped() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// Subscribe adds a new event subscriber. A nil filter receives every
// record.
func (p *Publisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers = append(p.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (p *Publisher) AddFilter(filter EventFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filters = append(p.filters, filter)
}

// processEvents drains the buffer, delivering in batches. Partial
// batches are flushed on the configured interval so events never linger.
func (p *Publisher) processEvents() {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.config.FlushInterval > 0 {
		ticker := time.NewTicker(p.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Record, 0, p.config.MaxBatchSize)

	for {
		select {
		case rec := <-p.buffer:
			batch = append(batch, rec)
			if len(batch) >= p.config.MaxBatchSize {
				p.flushBatch(batch)
				batch = make([]Record, 0, p.config.MaxBatchSize)
			}

		case <-tick:
			if len(batch) > 0 {
				p.flushBatch(batch)
				batch = make([]Record, 0, p.config.MaxBatchSize)
			}

		case <-p.ctx.Done():
			// Drain whatever is still buffered, then flush and stop.
			for {
				select {
				case rec := <-p.buffer:
					batch = append(batch, rec)
				default:
					if len(batch) > 0 {
						p.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of records to subscribers.
func (p *Publisher) flushBatch(records []Record) {
	for _, rec := range records {
		p.deliverRecord(rec)
	}
}

// deliverRecord delivers a record to all matching subscribers. The
// subscriber list is copied first so callbacks run without holding the
// publisher lock.
func (p *Publisher) deliverRecord(rec Record) {
	p.mu.RLock()
	entries := make([]subscriberEntry, len(p.subscribers))
	copy(entries, p.subscribers)
	p.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(rec) {
			continue
		}
		entry.subscriber(rec)
	}
}

// Shutdown gracefully shuts down the event publisher, flushing buffered
// events.
func (p *Publisher) Shutdown(ctx context.Context) error {
	if !p.config.Enabled || p.cancel == nil {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Built-in subscribers.

// LogSubscriber returns a subscriber that writes every record to the
// structured log at the event's severity.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(rec Record) {
		l := logger.zlog.With().
			Str("event_id", rec.ID).
			Str("event_type", string(rec.Type)).
			Str("entity", rec.Entity).
			Str("entity_type", rec.EntityType).
			Logger()
		evt := l.Info()
		if rec.Type.Severity() == "error" {
			evt = l.Error()
		}
		if rec.Verb != "" {
			evt = evt.Str("verb", string(rec.Verb))
		}
		if rec.Action != "" {
			evt = evt.Str("action", rec.Action)
		}
		if rec.Status != "" {
			evt = evt.Str("status", string(rec.Status))
		}
		if rec.Error != "" {
			evt = evt.Str("error", rec.Error)
		}
		msg := rec.Message
		if msg == "" {
			msg = string(rec.Type)
		}
		evt.Msg(msg)
	}
}

// MetricsSubscriber returns a subscriber that feeds lifecycle counters
// from the event stream.
func MetricsSubscriber(m *Metrics) EventSubscriber {
	return func(rec Record) {
		switch rec.Type {
		case entity.EventAdopted:
			m.RecordAdoption(rec.EntityType)
		case entity.EventUpdateSkipped:
			m.RecordUpdateSkipped(rec.EntityType)
		}
	}
}

// Common event filters.

// FilterBySeverity creates a filter that only allows records of the
// given severity or higher.
func FilterBySeverity(minSeverity string) EventFilter {
	levels := map[string]int{
		"info":    0,
		"warning": 1,
		"error":   2,
	}

	minValue := levels[minSeverity]

	return func(rec Record) bool {
		return levels[rec.Type.Severity()] >= minValue
	}
}

// FilterByType creates a filter that only allows records of specific
// event types.
func FilterByType(types ...entity.EventType) EventFilter {
	typeSet := make(map[entity.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(rec Record) bool {
		return typeSet[rec.Type]
	}
}

// FilterByEntity creates a filter that only allows records for a
// specific entity instance.
func FilterByEntity(ref string) EventFilter {
	return func(rec Record) bool {
		return rec.Entity == ref
	}
}

// FilterByEntityType creates a filter that only allows records for a
// specific entity type.
func FilterByEntityType(entityType string) EventFilter {
	return func(rec Record) bool {
		return rec.EntityType == entityType
	}
}
