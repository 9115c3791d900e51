package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoor/moor/pkg/entity"
	"github.com/openmoor/moor/pkg/stores"
)

// fakeAppender records appended event rows.
type fakeAppender struct {
	mu   sync.Mutex
	rows []*stores.EventRecord
	err  error
}

func (f *fakeAppender) AppendEvent(_ context.Context, ev *stores.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, ev)
	return nil
}

// captureSink records events forwarded past the journal.
type captureSink struct {
	mu     sync.Mutex
	events []entity.Event
}

func (s *captureSink) Publish(_ context.Context, ev entity.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func testEvent() entity.Event {
	return entity.Event{
		Time:       time.Now().UTC(),
		Type:       entity.EventVerbStarted,
		Entity:     "team-a/db1",
		EntityType: "test.widget",
		Verb:       entity.VerbCreate,
	}
}

func TestJournal_AppendsAndForwards(t *testing.T) {
	t.Parallel()
	appender := &fakeAppender{}
	sink := &captureSink{}
	j := newJournal(appender, sink, zerolog.Nop())

	j.Publish(context.Background(), testEvent())

	require.Len(t, appender.rows, 1)
	assert.Nil(t, appender.rows[0].InvocationID)
	assert.Equal(t, entity.EventVerbStarted, appender.rows[0].Type)
	assert.Equal(t, "team-a/db1", appender.rows[0].Entity)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "team-a/db1", sink.events[0].Entity)
}

func TestJournal_StampsCurrentInvocation(t *testing.T) {
	t.Parallel()
	appender := &fakeAppender{}
	j := newJournal(appender, nil, zerolog.Nop())

	j.begin("inv-42")
	j.Publish(context.Background(), testEvent())
	j.end()
	j.Publish(context.Background(), testEvent())

	require.Len(t, appender.rows, 2)
	require.NotNil(t, appender.rows[0].InvocationID)
	assert.Equal(t, "inv-42", *appender.rows[0].InvocationID)
	assert.Nil(t, appender.rows[1].InvocationID)
}

func TestJournal_ToleratesAppendFailure(t *testing.T) {
	t.Parallel()
	appender := &fakeAppender{err: errors.New("disk full")}
	sink := &captureSink{}
	j := newJournal(appender, sink, zerolog.Nop())

	// The append failure is swallowed; the publisher still gets the
	// event.
	j.Publish(context.Background(), testEvent())
	require.Len(t, sink.events, 1)
}
