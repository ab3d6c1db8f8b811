// Package writer drains Ring frames and delivers them to a configured
// sink, per spec.md §4.8: encode transport framing, retry transient
// failures with bounded backoff, and confirm consumed messages back to
// the Ring by advancing its start pointer once a frame is durably
// delivered. Sinks are registered by URL scheme exactly like the
// teacher's broker/stores registry (stores.RegisterProviders).
package writer

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.redoflow.dev/core/errs"
	"go.redoflow.dev/core/metrics"
	"go.redoflow.dev/core/ring"
)

// Sink delivers one already-framed Ring payload to its backing transport.
// Write must be safe to retry: a Writer may call it again with the same
// frame after a transient failure.
type Sink interface {
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Constructor builds a Sink from a parsed sink URL. Each scheme provides
// its own constructor implementation.
type Constructor func(*url.URL) (Sink, error)

var (
	constructorsMu sync.RWMutex
	constructors   = make(map[string]Constructor)
)

// RegisterProviders registers sink constructors for one or more URL
// schemes. Call during initialization, before any config file referring
// to those schemes is parsed.
func RegisterProviders(providers map[string]Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	for scheme, ctor := range providers {
		constructors[scheme] = ctor
	}
}

// Open parses rawURL and constructs the Sink registered for its scheme.
// A bare path with no scheme is treated as "file". An unregistered scheme
// is a ConfigurationError, per spec.md's compile-time feature gate
// treatment of kafka:// and zmq://.
func Open(rawURL string) (Sink, error) {
	var ep, err = url.Parse(rawURL)
	if err != nil {
		return nil, errs.NewConfigurationError("parsing sink URL", err)
	}
	var scheme = ep.Scheme
	if scheme == "" {
		scheme = "file"
	}

	constructorsMu.RLock()
	var ctor, ok = constructors[scheme]
	constructorsMu.RUnlock()
	if !ok {
		return nil, errs.NewConfigurationError(
			fmt.Sprintf("writer type not compiled in: %q", scheme), nil)
	}
	return ctor(ep)
}

// Backoff bounds the delay between retried sink writes. Delay doubles
// per attempt starting at Base, capped at Max; MaxTries bounds the total
// number of attempts before the Writer escalates to a soft shutdown.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	MaxTries int
}

// DefaultBackoff matches the teacher's persister retry cadence: retry
// roughly once a tick, capped well under the checkpoint interval.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Max: 30 * time.Second, MaxTries: 8}

func (b Backoff) delay(attempt int) time.Duration {
	var d = b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Writer drains a single Ring and delivers its frames to one sink, per
// spec.md's "one Writer per sink" worker model.
type Writer struct {
	r       *ring.Ring
	sink    Sink
	backoff Backoff

	mu              sync.Mutex
	confirmedRingID uint64
	confirmedLWNSCN uint64
}

// New builds a Writer draining r into sink, retrying transient sink
// failures per backoff.
func New(r *ring.Ring, sink Sink, backoff Backoff) *Writer {
	return &Writer{r: r, sink: sink, backoff: backoff}
}

// ConfirmedPosition implements checkpoint.BuilderSource: the highest Ring
// message id this Writer has durably delivered, and its embedded LWN-SCN.
func (w *Writer) ConfirmedPosition() (ringID uint64, lwnSCN uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmedRingID, w.confirmedLWNSCN
}

// Run drains the Ring until ctx is cancelled, delivering each frame to
// the sink and confirming it back to the Ring once delivered. A fatal
// sink error (retries exhausted) returns so the Supervisor can initiate
// a soft shutdown, preserving the last checkpoint.
func (w *Writer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		hdr, payload, err := w.r.Drain(ctx)
		if err != nil {
			if ring.ErrEmpty(err) {
				continue
			}
			return nil // shutdown signaled.
		}

		var started = time.Now()
		if err := w.deliver(ctx, payload); err == errs.ErrShutdownSignaled {
			return nil // cancelled before delivery: the frame stays unconfirmed.
		} else if err != nil {
			return err
		}
		w.r.Confirm(hdr.ChunkID, hdr.Size)
		metrics.WriterConfirmLatencySeconds.Observe(time.Since(started).Seconds())
		metrics.RingBacklogBytes.Set(float64(w.r.Backlog()))

		w.mu.Lock()
		w.confirmedRingID, w.confirmedLWNSCN = hdr.ID, hdr.LWNSCN
		w.mu.Unlock()
	}
}

// deliver retries sink.Write under w.backoff, escalating to a fatal
// RuntimeError once MaxTries is exhausted. It returns
// errs.ErrShutdownSignaled if ctx is cancelled while waiting to retry.
func (w *Writer) deliver(ctx context.Context, frame []byte) error {
	for attempt := 0; ; attempt++ {
		var err = w.sink.Write(ctx, frame)
		if err == nil {
			metrics.WriterSinkWritesTotal.WithLabelValues(metrics.Ok).Inc()
			return nil
		}
		if attempt+1 >= w.backoff.MaxTries {
			metrics.WriterSinkWritesTotal.WithLabelValues(metrics.Fail).Inc()
			return errs.NewRuntimeError("sink write exhausted retries", err)
		}
		select {
		case <-time.After(w.backoff.delay(attempt)):
		case <-ctx.Done():
			return errs.ErrShutdownSignaled
		}
	}
}

// Close releases the underlying sink.
func (w *Writer) Close() error {
	return w.sink.Close()
}
