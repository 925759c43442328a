package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querysession/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (r *recorder) handle(ev model.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []model.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StreamEvent(nil), r.events...)
}

func newTestCorrelator() *Correlator {
	return New(Config{RequestTimeout: time.Minute}, nil)
}

func TestDispatch_RoutesUntilTerminal(t *testing.T) {
	c := newTestCorrelator()
	rec := &recorder{}
	require.NoError(t, c.Register("req-1", rec.handle, 0))

	assert.True(t, c.Dispatch("req-1", model.ProgressEvent("start", 0)))
	assert.True(t, c.Dispatch("req-1", model.ChunkEvent("hi")))
	assert.True(t, c.Dispatch("req-1", model.ResultEvent([]byte(`{}`))))

	assert.Len(t, rec.snapshot(), 3)
	assert.False(t, c.Pending("req-1"))
	assert.Zero(t, c.Outstanding())
}

func TestDispatch_DuplicateResultIsDiscarded(t *testing.T) {
	c := newTestCorrelator()
	rec := &recorder{}
	require.NoError(t, c.Register("req-1", rec.handle, 0))

	assert.True(t, c.Dispatch("req-1", model.ResultEvent([]byte(`{"n":1}`))))
	assert.False(t, c.Dispatch("req-1", model.ResultEvent([]byte(`{"n":1}`))))
	assert.False(t, c.Dispatch("req-1", model.ChunkEvent("late")))

	assert.Len(t, rec.snapshot(), 1)
}

func TestDispatch_UnknownRequestIsNoop(t *testing.T) {
	c := newTestCorrelator()
	assert.False(t, c.Dispatch("never-registered", model.ChunkEvent("x")))
}

func TestCancel_DoesNotInvokeHandler(t *testing.T) {
	c := newTestCorrelator()
	rec := &recorder{}
	require.NoError(t, c.Register("req-1", rec.handle, 0))

	assert.True(t, c.Cancel("req-1"))
	assert.False(t, c.Cancel("req-1"))
	assert.False(t, c.Dispatch("req-1", model.ResultEvent([]byte(`{}`))))

	assert.Empty(t, rec.snapshot())
}

func TestRegister_Errors(t *testing.T) {
	c := New(Config{RequestTimeout: time.Minute, MaxOutstanding: 2}, nil)
	noop := func(model.StreamEvent) {}

	assert.ErrorIs(t, c.Register("", noop, 0), ErrEmptyRequestID)
	require.NoError(t, c.Register("a", noop, 0))
	assert.ErrorIs(t, c.Register("a", noop, 0), ErrDuplicateRequest)
	require.NoError(t, c.Register("b", noop, 0))
	assert.ErrorIs(t, c.Register("c", noop, 0), ErrTooManyRequests)

	// Completing a request frees a slot and its id may be registered again.
	c.Dispatch("a", model.ResultEvent(nil))
	assert.NoError(t, c.Register("c", noop, 0))
}

func TestTimeout_FiresRetryableTimeoutError(t *testing.T) {
	c := New(Config{RequestTimeout: 20 * time.Millisecond}, nil)
	rec := &recorder{}
	require.NoError(t, c.Register("slow", rec.handle, 0))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	ev := rec.snapshot()[0]
	assert.Equal(t, model.EventError, ev.Kind)
	assert.Equal(t, model.ErrorKindTimeout, ev.ErrKind)
	assert.True(t, ev.Retryable)
	assert.False(t, c.Pending("slow"))

	// A result arriving after the timeout is dropped.
	assert.False(t, c.Dispatch("slow", model.ResultEvent(nil)))
}

func TestTimeout_DisarmedByTerminalEvent(t *testing.T) {
	c := New(Config{RequestTimeout: 20 * time.Millisecond}, nil)
	rec := &recorder{}
	require.NoError(t, c.Register("fast", rec.handle, 0))
	c.Dispatch("fast", model.ResultEvent(nil))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestFailAll(t *testing.T) {
	c := newTestCorrelator()
	a, b := &recorder{}, &recorder{}
	require.NoError(t, c.Register("a", a.handle, 0))
	require.NoError(t, c.Register("b", b.handle, 0))

	n := c.FailAll(model.ErrorEvent(model.ErrorKindConnection, "closed", true))

	assert.Equal(t, 2, n)
	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
	assert.Zero(t, c.Outstanding())
}

func TestResolve(t *testing.T) {
	c := newTestCorrelator()
	noop := func(model.StreamEvent) {}

	_, ok := c.Resolve("")
	assert.False(t, ok)

	require.NoError(t, c.Register("only", noop, 0))
	id, ok := c.Resolve("")
	assert.True(t, ok)
	assert.Equal(t, "only", id)

	require.NoError(t, c.Register("second", noop, 0))
	_, ok = c.Resolve("")
	assert.False(t, ok, "ambiguous without an id")

	id, ok = c.Resolve("second")
	assert.True(t, ok)
	assert.Equal(t, "second", id)

	_, ok = c.Resolve("gone")
	assert.False(t, ok)
}
