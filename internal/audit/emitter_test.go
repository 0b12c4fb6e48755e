package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(EntityBreaker, "exec-1", "closed", "open", "threshold reached")
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "closed", e.OldState)
	assert.Equal(t, "open", e.NewState)
	assert.Len(t, e.ID, 26)
}

func TestEmitterDeliversToSinksAndSubscribers(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(4, rec)

	em.Emit(NewEvent(EntityTask, "t1", "pending", "running", ""))

	require.Len(t, rec.Events(), 1)
	select {
	case ev := <-em.Events():
		assert.Equal(t, "t1", ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("expected event on channel")
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(1, rec)
	em.sendTimeout = time.Millisecond

	em.Emit(NewEvent(EntityTask, "t1", "", "running", ""))
	em.Emit(NewEvent(EntityTask, "t2", "", "running", ""))

	assert.Equal(t, uint64(1), em.DroppedCount())
	assert.Len(t, rec.Events(), 2, "sinks never drop")
}

func TestEmitterAfterClose(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(1, rec)
	em.Close()
	em.Close()

	em.Emit(NewEvent(EntitySaga, "s", "", "executing", ""))
	assert.Len(t, rec.Events(), 1)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var em *Emitter
	em.Emit(NewEvent(EntityPlan, "p", "", "executing", ""))
}

type failingAppender struct{ calls int }

func (f *failingAppender) AppendAudit(ctx context.Context, e Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestStoreSinkSwallowsErrors(t *testing.T) {
	app := &failingAppender{}
	StoreSink{Store: app}.Record(NewEvent(EntityPlan, "p", "", "executing", ""))
	assert.Equal(t, 1, app.calls)
}

func TestRecorderFilter(t *testing.T) {
	rec := &Recorder{}
	rec.Record(NewEvent(EntityPlan, "p", "", "executing", ""))
	rec.Record(NewEvent(EntitySaga, "s", "", "executing", ""))
	assert.Len(t, rec.Filter(EntitySaga), 1)
}
