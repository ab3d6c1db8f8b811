package writer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// objectBatcher accumulates newline-delimited frames and flushes them as
// one object once the buffer crosses thresholdBytes, mirroring the
// teacher's Spool: frames land in a local buffer and only cross to
// durable cloud storage as a batch, rather than one round-trip per
// frame. flush receives a rotating object key and the accumulated bytes.
type objectBatcher struct {
	prefix         string
	thresholdBytes int
	flush          func(ctx context.Context, key string, body []byte) error

	mu  sync.Mutex
	buf bytes.Buffer
	seq uint64
}

func newObjectBatcher(prefix string, thresholdBytes int, flush func(context.Context, string, []byte) error) *objectBatcher {
	if thresholdBytes <= 0 {
		thresholdBytes = 4 << 20
	}
	return &objectBatcher{prefix: prefix, thresholdBytes: thresholdBytes, flush: flush}
}

func (b *objectBatcher) Write(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(frame)
	b.buf.WriteByte('\n')

	if b.buf.Len() < b.thresholdBytes {
		return nil
	}
	return b.flushLocked(ctx)
}

func (b *objectBatcher) flushLocked(ctx context.Context) error {
	if b.buf.Len() == 0 {
		return nil
	}
	var key = fmt.Sprintf("%s%020d-%d.log", b.prefix, time.Now().UnixNano(), b.seq)
	var body = append([]byte(nil), b.buf.Bytes()...)
	if err := b.flush(ctx, key, body); err != nil {
		return err
	}
	b.seq++
	b.buf.Reset()
	return nil
}

func (b *objectBatcher) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}
