package memmgr

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/txbuf"
)

func newTestArena(t *testing.T, maxChunks int) *arena.Arena {
	t.Helper()
	var quotas [arena.ModuleCount]arena.Quota
	for i := range quotas {
		quotas[i] = arena.Quota{Min: 0, Max: maxChunks}
	}
	a, err := arena.New(256, maxChunks, quotas)
	require.NoError(t, err)
	return a
}

func fillBuffer(t *testing.T, a *arena.Arena, xid string, chunks int) *txbuf.Buffer {
	t.Helper()
	return fillBufferFrom(t, a, xid, chunks, 0)
}

func fillBufferFrom(t *testing.T, a *arena.Arena, xid string, chunks int, startSCN uint64) *txbuf.Buffer {
	t.Helper()
	var buf = txbuf.New(xid, a, 256, afero.NewMemMapFs(), "/swap")
	for i := 0; i < chunks; i++ {
		require.NoError(t, buf.Append(context.Background(), txbuf.Record{
			SCN: startSCN + uint64(i), Payload: make([]byte, 224),
		}))
	}
	return buf
}

type stubSource struct {
	buffers map[string]*txbuf.Buffer
}

func (s *stubSource) Buffers() map[string]*txbuf.Buffer { return s.buffers }

func TestTickIsNoopWhenArenaHasHeadroom(t *testing.T) {
	var a = newTestArena(t, 64)
	var buf = fillBuffer(t, a, "xid-1", 1)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{"xid-1": buf}}

	var m = New(a, src, Config{ReservedChunks: 1})
	require.NoError(t, m.tick(context.Background()))
	require.EqualValues(t, 1, buf.ResidentBytes()/256)
}

func TestTickSwapsLargestCandidateUnderPressure(t *testing.T) {
	var a = newTestArena(t, 4)
	var small = fillBuffer(t, a, "xid-small", 1)
	var big = fillBuffer(t, a, "xid-big", 3)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{"xid-small": small, "xid-big": big}}

	var m = New(a, src, Config{ReservedChunks: 2})
	require.NoError(t, m.tick(context.Background()))

	require.Less(t, big.ResidentBytes(), int64(3*256))
	require.EqualValues(t, 256, small.ResidentBytes())
}

func TestShrinkXIDExcludesCandidateFromEviction(t *testing.T) {
	var a = newTestArena(t, 4)
	var held = fillBuffer(t, a, "xid-held", 3)
	var other = fillBuffer(t, a, "xid-other", 1)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{"xid-held": held, "xid-other": other}}

	var m = New(a, src, Config{ReservedChunks: 2})
	m.ShrinkXID("xid-held")

	require.NoError(t, m.tick(context.Background()))
	require.EqualValues(t, 3*256, held.ResidentBytes())
	require.Less(t, other.ResidentBytes(), int64(256))
}

func TestEquallyResidentCandidatesBreakTiesByOldestStartSCN(t *testing.T) {
	var a = newTestArena(t, 4)
	var older = fillBufferFrom(t, a, "xid-older", 2, 10)
	var newer = fillBufferFrom(t, a, "xid-newer", 2, 500)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{"xid-older": older, "xid-newer": newer}}

	var m = New(a, src, Config{ReservedChunks: 1})

	var candidate, ok = m.biggestEvictableCandidate(src.buffers)
	require.True(t, ok)
	var olderSCN, _ = older.StartSCN()
	var candidateSCN, _ = candidate.StartSCN()
	require.Equal(t, olderSCN, candidateSCN)
}

func TestRequestFlushFlushesTargetBeforeEviction(t *testing.T) {
	var a = newTestArena(t, 4)
	var target = fillBuffer(t, a, "xid-flush", 2)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{"xid-flush": target}}

	var m = New(a, src, Config{ReservedChunks: 1})
	m.RequestFlush("xid-flush")

	require.NoError(t, m.tick(context.Background()))
	// Flush persists without releasing: the chunk stays resident.
	require.EqualValues(t, 2*256, target.ResidentBytes())
}

func TestRequestFlushPromiseResolvesOnceTickCompletesIt(t *testing.T) {
	var a = newTestArena(t, 4)
	var target = fillBuffer(t, a, "xid-flush", 2)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{"xid-flush": target}}

	var m = New(a, src, Config{ReservedChunks: 1})
	var p = m.RequestFlush("xid-flush")

	select {
	case <-p:
		t.Fatal("promise resolved before tick ran")
	default:
	}

	require.NoError(t, m.tick(context.Background()))

	select {
	case <-p:
	default:
		t.Fatal("promise did not resolve after tick flushed its target")
	}
}

func TestRequestFlushOnUnknownXIDStillResolves(t *testing.T) {
	var a = newTestArena(t, 4)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{}}

	var m = New(a, src, Config{ReservedChunks: 1})
	var p = m.RequestFlush("xid-gone")
	require.NoError(t, m.tick(context.Background()))

	select {
	case <-p:
	default:
		t.Fatal("promise for a vanished XID should still resolve so Checkpoint never blocks forever")
	}
}

func TestRunReturnsPromptlyOnContextCancellation(t *testing.T) {
	var a = newTestArena(t, 64)
	var src = &stubSource{buffers: map[string]*txbuf.Buffer{}}
	var m = New(a, src, Config{ReservedChunks: 1, TickInterval: time.Hour})

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
