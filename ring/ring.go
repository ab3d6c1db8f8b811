// Package ring implements the single-producer/single-consumer framed byte
// queue that carries serialized Builder frames to the Writer. It is the
// one place in redoflow where a structural mutex and release/acquire
// atomics coexist: the mutex guards the producer tail, the id counters and
// chunk rotation, and is taken by Begin, Append, Commit and Confirm, while
// size and start are published through atomics so Drain and Backlog read
// them without it.
package ring

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/errs"
)

// Flags bitmask carried in every frame Header.
type Flags uint8

const (
	FlagAllocated Flags = 1 << iota
	FlagConfirmed
	FlagCheckpoint
)

// HeaderLen is the fixed, 8-aligned size of a frame Header.
const HeaderLen = 64

// Header precedes every frame's payload bytes. Size is the total 8-aligned
// length of header+payload, written last with release semantics so a
// consumer observing a non-zero Size has a fully-written frame behind it.
// PayloadLen is the unpadded length of header+payload, so Drain can hand
// back a payload slice with no trailing alignment padding.
type Header struct {
	Size       uint32
	Flags      Flags
	_          [3]byte
	ID         uint64
	ChunkID    uint64
	CommitSCN  uint64
	LWNSCN     uint64
	ObjectID   uint64
	LWNIndex   uint32
	Sequence   uint32
	PayloadLen uint32
	_          [4]byte
}

func (h Header) marshal(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	b[4] = byte(h.Flags)
	binary.LittleEndian.PutUint64(b[8:16], h.ID)
	binary.LittleEndian.PutUint64(b[16:24], h.ChunkID)
	binary.LittleEndian.PutUint64(b[24:32], h.CommitSCN)
	binary.LittleEndian.PutUint64(b[32:40], h.LWNSCN)
	binary.LittleEndian.PutUint64(b[40:48], h.ObjectID)
	binary.LittleEndian.PutUint32(b[48:52], h.LWNIndex)
	binary.LittleEndian.PutUint32(b[52:56], h.Sequence)
	binary.LittleEndian.PutUint32(b[56:60], h.PayloadLen)
}

func unmarshalHeader(b []byte) Header {
	return Header{
		Size:       binary.LittleEndian.Uint32(b[0:4]),
		Flags:      Flags(b[4]),
		ID:         binary.LittleEndian.Uint64(b[8:16]),
		ChunkID:    binary.LittleEndian.Uint64(b[16:24]),
		CommitSCN:  binary.LittleEndian.Uint64(b[24:32]),
		LWNSCN:     binary.LittleEndian.Uint64(b[32:40]),
		ObjectID:   binary.LittleEndian.Uint64(b[40:48]),
		LWNIndex:   binary.LittleEndian.Uint32(b[48:52]),
		Sequence:   binary.LittleEndian.Uint32(b[52:56]),
		PayloadLen: binary.LittleEndian.Uint32(b[56:60]),
	}
}

// chunk is one Arena-backed buffer in the Ring's linked list. alloc and
// size are deliberately distinct: alloc is the producer's private
// reservation pointer, advanced as a message's bytes are written; size is
// the consumer-visible publish point, advanced only once a message is
// fully committed. A consumer never sees bytes between size and alloc,
// which is what lets Drain read header and payload bytes without holding
// the Ring's mutex: Commit's final atomic Store of size happens after
// every byte of the frame (including its header) has been written, so
// Drain's Load of size acquires everything the producer released.
type chunk struct {
	id    uint64
	ac    *arena.Chunk
	data  []byte
	alloc atomic.Int64
	size  atomic.Int64
	start atomic.Int64 // offset of the first unconfirmed byte.
	next  atomic.Pointer[chunk]
}

// Ring is the SPSC framed queue between Builder (producer) and Writer
// (consumer). No other goroutine may touch payload bytes.
type Ring struct {
	a         *arena.Arena
	chunkSize int
	maxChunks int // write-buffer-max-mb / chunkSize

	// Structural mutex: guards the tail, the id counters and chunk rotation;
	// taken by Begin, Append, Commit and Confirm, never by Drain.
	mu        sync.Mutex
	chunkCnt  int // total live chunks, including the initial one from New.
	tail      *chunk
	nextID    uint64
	nextChunk uint64

	head    atomic.Pointer[chunk]
	signal  chan struct{} // non-blocking notify to the Writer.
	flushAt int           // flush_buffer: unconfirmed-byte threshold that signals the writer.
	unconf  atomic.Int64  // approx. unconfirmed byte count since last signal.
}

// New builds a Ring backed by |a|, whose chunks are borrowed under
// arena.ModuleBuilder, capped at writeBufferMaxMB of simultaneous chunks.
func New(a *arena.Arena, chunkSize, writeBufferMaxMB, flushBufferBytes int) (*Ring, error) {
	var maxChunks = (writeBufferMaxMB * 1024 * 1024) / chunkSize
	if maxChunks < 1 {
		maxChunks = 1
	}
	var r = &Ring{
		a:         a,
		chunkSize: chunkSize,
		maxChunks: maxChunks,
		signal:    make(chan struct{}, 1),
		flushAt:   flushBufferBytes,
	}
	c, err := r.newChunk(context.Background())
	if err != nil {
		return nil, err
	}
	r.tail = c
	r.chunkCnt = 1
	r.head.Store(c)
	return r, nil
}

func (r *Ring) newChunk(ctx context.Context) (*chunk, error) {
	ac, err := r.a.Get(ctx, arena.ModuleBuilder)
	if err != nil {
		return nil, err
	}
	r.nextChunk++
	var c = &chunk{id: r.nextChunk, ac: ac, data: ac.Bytes()}
	return c, nil
}

// MessageWriter accumulates one frame's payload into the Ring's tail
// chunk, rotating to a fresh chunk (copying any already-written partial
// bytes) if the message doesn't fit.
type MessageWriter struct {
	r         *Ring
	header    Header
	cur       *chunk
	headerOff int  // offset of this message's header within cur.
	written   int  // header+payload bytes written so far, for this message only.
	rotated   bool // true once this message has moved to a fresh chunk.
}

// Begin reserves space for a frame's header inside the Ring's current tail
// chunk, rotating to a fresh chunk first if the header alone would not fit.
func (r *Ring) Begin(ctx context.Context, commitSCN, lwnSCN, objectID uint64, lwnIndex, sequence uint32, flags Flags) (*MessageWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chunkSize-int(r.tail.alloc.Load()) < HeaderLen {
		if err := r.rotateLocked(ctx); err != nil {
			return nil, err
		}
	}

	var id = r.nextID
	r.nextID++
	var mw = &MessageWriter{
		r:         r,
		cur:       r.tail,
		headerOff: int(r.tail.alloc.Load()),
		header: Header{
			ID:        id,
			ChunkID:   r.tail.id,
			CommitSCN: commitSCN,
			LWNSCN:    lwnSCN,
			LWNIndex:  lwnIndex,
			Sequence:  sequence,
			ObjectID:  objectID,
			Flags:     flags | FlagAllocated,
		},
	}
	mw.written = HeaderLen
	r.tail.alloc.Add(int64(HeaderLen))
	return mw, nil
}

// Append adds |b| to the current message, rotating the Ring to a fresh
// chunk and copying the partial frame forward if |b| would overflow the
// current chunk, so a committed message is always byte-contiguous.
func (mw *MessageWriter) Append(b []byte) error {
	var r = mw.r
	for len(b) > 0 {
		r.mu.Lock()
		var room = r.chunkSize - int(mw.cur.alloc.Load())
		if room <= 0 {
			if err := mw.rotate(); err != nil {
				r.mu.Unlock()
				return err
			}
			room = r.chunkSize - int(mw.cur.alloc.Load())
		}
		var n = len(b)
		if n > room {
			n = room
		}
		var off = mw.cur.alloc.Load()
		copy(mw.cur.data[off:], b[:n])
		mw.cur.alloc.Add(int64(n))
		mw.written += n
		b = b[n:]
		r.mu.Unlock()
	}
	return nil
}

// rotate copies the partial, in-progress frame (header + whatever payload
// has been written so far into |mw.cur|) into a fresh chunk, then appends
// there going forward. Caller holds r.mu. The old tail's remaining,
// never-published alloc bytes become a dead gap that size never reaches;
// Drain skips past it once start catches up to the old tail's final size.
//
// A message rotates at most once: the old chunk it started in was full,
// so its own bytes so far (mw.written) are guaranteed to fit inside the
// fresh chunk rotate() moves it to. If the fresh chunk also fills before
// this message finishes, the message itself is larger than a chunk, which
// no number of further rotations can fix.
func (mw *MessageWriter) rotate() error {
	if mw.rotated {
		return errs.NewRedoError("message exceeds the configured chunk size", nil)
	}
	var r = mw.r
	if err := r.rotateLocked(context.Background()); err != nil {
		return err
	}

	// Copy what's been written of this message so far into the new tail,
	// so the committed frame is always byte-contiguous within one chunk.
	var already = mw.written
	copy(r.tail.data[:already], mw.cur.data[mw.headerOff:mw.headerOff+already])
	r.tail.alloc.Store(int64(already))
	mw.header.ChunkID = r.tail.id
	mw.cur = r.tail
	mw.headerOff = 0
	mw.rotated = true
	return nil
}

// rotateLocked allocates a fresh tail chunk from the Arena and links it
// behind the current tail. Caller holds r.mu.
func (r *Ring) rotateLocked(ctx context.Context) error {
	if r.chunkCnt+1 > r.maxChunks {
		return errs.NewRedoError("ring write buffer exhausted (write-buffer-max-mb too small)", nil)
	}
	c, err := r.newChunk(ctx)
	if err != nil {
		return err
	}
	r.tail.next.Store(c)
	r.tail = c
	r.chunkCnt++
	return nil
}

// Commit pads the frame to 8-byte alignment, writes its final header, and
// publishes the frame to the consumer by advancing the owning chunk's
// size past it. The size.Store below is the release half of the Ring's
// handoff: every byte of the frame, header included, is written before
// it, so Drain's corresponding Load of size is guaranteed to observe them
// (Go's memory model gives atomic Store/Load a happens-before edge; nothing
// written before a Store can be reordered past it).
func (mw *MessageWriter) Commit() {
	var r = mw.r
	mw.header.PayloadLen = uint32(mw.written)
	var padded = (mw.written + 7) &^ 7
	if pad := padded - mw.written; pad > 0 {
		_ = mw.Append(make([]byte, pad))
	}
	mw.header.Size = uint32(padded)

	// rotate() always keeps the header at headerOff within whichever chunk
	// currently holds byte 0 of this message, so it is safe to fill in the
	// final Size and flags here regardless of how many rotations occurred.
	r.mu.Lock()
	var hb [HeaderLen]byte
	mw.header.marshal(hb[:])
	copy(mw.cur.data[mw.headerOff:mw.headerOff+HeaderLen], hb[:])
	mw.cur.size.Store(int64(mw.headerOff + padded))
	r.mu.Unlock()

	r.unconf.Add(int64(padded))
	if int(r.unconf.Load()) > r.flushAt {
		r.unconf.Store(0)
		select {
		case r.signal <- struct{}{}:
		default:
		}
	}
}

// Drain blocks (up to 100ms, then returns ErrEmpty) until at least one
// full frame is available past the consumer's current position, and
// returns its header and payload. The returned payload slice aliases the
// Ring's backing chunk and is valid only until the next Confirm.
func (r *Ring) Drain(ctx context.Context) (Header, []byte, error) {
	var h = r.head.Load()
	for {
		var start = h.start.Load()
		var size = h.size.Load()
		if size-start >= HeaderLen {
			var hdr = unmarshalHeader(h.data[start : start+HeaderLen])
			if hdr.Size == 0 {
				// Header allocated but not yet committed (release not yet observed).
			} else if size-start >= int64(hdr.Size) {
				return hdr, h.data[start+HeaderLen : start+int64(hdr.PayloadLen)], nil
			}
		}
		// Nothing ready in the current head chunk: maybe it's fully
		// drained and we should advance to the next chunk.
		if next := h.next.Load(); next != nil && start >= size {
			r.head.Store(next)
			h = next
			continue
		}

		select {
		case <-r.signal:
			continue
		case <-time.After(100 * time.Millisecond):
			return Header{}, nil, errEmpty
		case <-ctx.Done():
			return Header{}, nil, errs.ErrShutdownSignaled
		}
	}
}

// Confirm advances the owning chunk's start past a drained frame of
// |frameSize| bytes (the aligned Header.Size), freeing the chunk back to
// the Arena once it is fully confirmed and no longer the tail.
func (r *Ring) Confirm(chunkID uint64, frameSize uint32) {
	var c = r.head.Load()
	for c != nil && c.id != chunkID {
		c = c.next.Load()
	}
	if c == nil {
		return
	}
	c.start.Add(int64(frameSize))

	r.mu.Lock()
	defer r.mu.Unlock()
	if c != r.tail && c.start.Load() >= c.size.Load() {
		if next := c.next.Load(); next != nil && r.head.Load() == c {
			r.head.Store(next)
			r.a.Free(arena.ModuleBuilder, c.ac)
			r.chunkCnt--
		}
	}
}

// errEmpty is returned by Drain's 100ms timeout; it is not propagated to
// callers outside this package (the Writer treats it as "poll again").
var errEmpty = errs.NewRuntimeError("ring is empty", nil)

// ErrEmpty reports whether |err| is the Drain empty-timeout sentinel.
func ErrEmpty(err error) bool { return err == errEmpty }

// Backlog returns the approximate number of unconfirmed bytes currently
// held by the Ring, for the Prometheus backlog gauge and the Supervisor's
// stats snapshot.
func (r *Ring) Backlog() int64 {
	var total int64
	var h = r.head.Load()
	for h != nil {
		total += h.size.Load() - h.start.Load()
		h = h.next.Load()
	}
	return total
}
