package writer

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/ring"
)

func newTestRing(t *testing.T) *ring.Ring {
	t.Helper()
	var quotas [arena.ModuleCount]arena.Quota
	for i := range quotas {
		quotas[i] = arena.Quota{Min: 0, Max: 64}
	}
	a, err := arena.New(4096, 64, quotas)
	require.NoError(t, err)
	r, err := ring.New(a, 4096, 16, 4096)
	require.NoError(t, err)
	return r
}

func emitFrame(t *testing.T, r *ring.Ring, payload []byte) {
	t.Helper()
	mw, err := r.Begin(context.Background(), 1, 1, 1, 0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, mw.Append(payload))
	mw.Commit()
}

type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	failN   int
	closed  bool
}

func (s *fakeSink) Write(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("transient sink failure")
	}
	s.writes = append(s.writes, append([]byte(nil), frame...))
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestRunDeliversFramesAndConfirmsThem(t *testing.T) {
	var r = newTestRing(t)
	emitFrame(t, r, []byte("one"))
	emitFrame(t, r, []byte("two"))

	var sink = &fakeSink{}
	var w = New(r, sink, Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxTries: 3})

	var ctx, cancel = context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		for {
			sink.mu.Lock()
			var n = len(sink.writes)
			sink.mu.Unlock()
			if n >= 2 {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, w.Run(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []byte("one"), sink.writes[0])
	require.Equal(t, []byte("two"), sink.writes[1])

	var ringID, _ = w.ConfirmedPosition()
	require.NotZero(t, ringID)
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	var r = newTestRing(t)
	emitFrame(t, r, []byte("payload"))

	var sink = &fakeSink{failN: 2}
	var w = New(r, sink, Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxTries: 5})

	var ctx, cancel = context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		for {
			sink.mu.Lock()
			var n = len(sink.writes)
			sink.mu.Unlock()
			if n >= 1 {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, w.Run(ctx))
	require.Len(t, sink.writes, 1)
}

func TestRunEscalatesWhenRetriesExhausted(t *testing.T) {
	var r = newTestRing(t)
	emitFrame(t, r, []byte("payload"))

	var sink = &fakeSink{failN: 100}
	var w = New(r, sink, Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxTries: 2})

	var err = w.Run(context.Background())
	require.Error(t, err)
}

func TestOpenRejectsUncompiledScheme(t *testing.T) {
	RegisterProviders(DefaultProviders())
	_, err := Open("kafka://broker/topic")
	require.Error(t, err)
}

func TestOpenDispatchesBySchemeToFileSink(t *testing.T) {
	RegisterProviders(DefaultProviders())
	var dir = t.TempDir()
	var sink, err = Open("file://" + dir + "/out.log")
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.Write(context.Background(), []byte("hello")))
}

func TestDiscardSinkAcceptsAnyFrame(t *testing.T) {
	var sink, err = newDiscardSink(&url.URL{})
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), []byte("x")))
	require.NoError(t, sink.Close())
}

func TestBackoffDelayDoublesUntilCapped(t *testing.T) {
	var b = Backoff{Base: time.Millisecond, Max: 8 * time.Millisecond, MaxTries: 10}
	require.Equal(t, time.Millisecond, b.delay(0))
	require.Equal(t, 2*time.Millisecond, b.delay(1))
	require.Equal(t, 8*time.Millisecond, b.delay(10))
}
