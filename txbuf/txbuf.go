// Package txbuf implements the per-XID chunk chain that accumulates a
// transaction's decoded redo records in append order until commit,
// rollback, or skip. Resident chunks are borrowed from an Arena under
// arena.ModuleTransactions; under memory pressure, MemMgr evicts a
// Buffer's oldest chunks to disk through Swap and reloads them
// transparently on the next Iterate.
package txbuf

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/errs"
)

// recordHeaderLen is the on-chunk, 8-aligned header preceding every
// record's payload: SCN as 8 bytes, then SubSCN, Sequence, BlockOffset,
// Opcode and the payload length as 4 bytes each (28 bytes), padded to 32.
const recordHeaderLen = 32

// swapEncoder and swapDecoder are shared across every Buffer: both are
// documented safe for concurrent use, and constructing a new zstd
// encoder/decoder per swap would dwarf the cost of the swap itself.
var swapEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var swapDecoder, _ = zstd.NewReader(nil)

// Record is one decoded redo entry accumulated by the Parser and, on
// commit, replayed through the Builder in the order it was appended.
type Record struct {
	SCN         uint64
	SubSCN      uint32
	Sequence    uint32
	BlockOffset uint32
	Opcode      uint32
	Payload     []byte
}

func marshalRecord(r Record, b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], r.SCN)
	binary.LittleEndian.PutUint32(b[8:12], r.SubSCN)
	binary.LittleEndian.PutUint32(b[12:16], r.Sequence)
	binary.LittleEndian.PutUint32(b[16:20], r.BlockOffset)
	binary.LittleEndian.PutUint32(b[20:24], r.Opcode)
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(r.Payload)))
}

func unmarshalRecordHeader(b []byte) (Record, int) {
	var r = Record{
		SCN:         binary.LittleEndian.Uint64(b[0:8]),
		SubSCN:      binary.LittleEndian.Uint32(b[8:12]),
		Sequence:    binary.LittleEndian.Uint32(b[12:16]),
		BlockOffset: binary.LittleEndian.Uint32(b[16:20]),
		Opcode:      binary.LittleEndian.Uint32(b[20:24]),
	}
	return r, int(binary.LittleEndian.Uint32(b[24:28]))
}

// slot is one position in the chain. A resident slot holds a live Arena
// chunk; a swapped-out slot holds nil and relies on length to know how
// many bytes to expect back from disk.
type slot struct {
	chunk  *arena.Chunk
	length int // valid bytes in this slot, resident or swapped.
}

// Buffer is the chunk chain for a single open transaction.
type Buffer struct {
	xid       string
	a         *arena.Arena
	chunkSize int
	fs        afero.Fs
	swapDir   string

	mu   sync.Mutex
	cond *sync.Cond

	slots    []*slot
	tailUsed int // bytes written into slots[len-1].

	records  int
	startSCN uint64
	haveSCN  bool

	swappedMin, swappedMax int // active swap window; -1,-1 when idle.

	skipped  bool
	released bool
}

// New opens a Buffer for |xid|. Swap files, if ever written, land under
// swapDir/<xid>.<index>.
func New(xid string, a *arena.Arena, chunkSize int, fs afero.Fs, swapDir string) *Buffer {
	var b = &Buffer{
		xid:        xid,
		a:          a,
		chunkSize:  chunkSize,
		fs:         fs,
		swapDir:    swapDir,
		swappedMin: -1,
		swappedMax: -1,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// XID returns the owning transaction identifier.
func (b *Buffer) XID() string { return b.xid }

// Append places |r| at the logical end of the XID's record sequence,
// allocating a fresh chunk from the Arena if the current tail has no
// room. Chunk boundaries never split a record: if a record doesn't fit
// even in an empty chunk, that's a RedoError.
func (b *Buffer) Append(ctx context.Context, r Record) error {
	var need = recordHeaderLen + len(r.Payload)
	if need > b.chunkSize {
		return errs.NewRedoError("record too large for the configured chunk size", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.slots) == 0 || b.tailUsed+need > b.chunkSize {
		c, err := b.a.Get(ctx, arena.ModuleTransactions)
		if err != nil {
			return err
		}
		b.slots = append(b.slots, &slot{chunk: c})
		b.tailUsed = 0
	}

	var tail = b.slots[len(b.slots)-1]
	var data = tail.chunk.Bytes()
	marshalRecord(r, data[b.tailUsed:])
	copy(data[b.tailUsed+recordHeaderLen:], r.Payload)
	b.tailUsed += need
	tail.length = b.tailUsed

	if !b.haveSCN {
		b.startSCN, b.haveSCN = r.SCN, true
	}
	b.records++
	return nil
}

// Iterate replays every record in append order, transparently reloading
// any swapped-out chunk from disk first. It is a no-op once Skip has
// been called.
func (b *Buffer) Iterate(ctx context.Context, visit func(Record) error) error {
	b.mu.Lock()
	if b.skipped {
		b.mu.Unlock()
		return nil
	}
	var n = len(b.slots)
	b.mu.Unlock()

	for i := 0; i < n; i++ {
		data, length, err := b.residentBytes(ctx, i)
		if err != nil {
			return err
		}
		var off int
		for off < length {
			rec, payloadLen := unmarshalRecordHeader(data[off:])
			var payloadStart = off + recordHeaderLen
			rec.Payload = data[payloadStart : payloadStart+payloadLen]
			if err := visit(rec); err != nil {
				return err
			}
			off = payloadStart + payloadLen
		}
	}
	return nil
}

// residentBytes returns the bytes of slots[i], blocking if a swap is
// actively in progress over that index and reloading from disk on
// demand otherwise.
func (b *Buffer) residentBytes(ctx context.Context, i int) ([]byte, int, error) {
	b.mu.Lock()
	for b.swappedMin >= 0 && i >= b.swappedMin && i <= b.swappedMax {
		if ctx.Err() != nil {
			b.mu.Unlock()
			return nil, 0, errs.ErrShutdownSignaled
		}
		b.cond.Wait()
	}
	var s = b.slots[i]
	if s.chunk != nil {
		var data, length = s.chunk.Bytes(), s.length
		b.mu.Unlock()
		return data, length, nil
	}
	var length = s.length
	b.mu.Unlock()

	c, err := b.a.Get(ctx, arena.ModuleTransactions)
	if err != nil {
		return nil, 0, err
	}
	if err := b.readSwapFile(i, c.Bytes()[:length]); err != nil {
		return nil, 0, err
	}

	b.mu.Lock()
	b.slots[i].chunk = c
	b.mu.Unlock()
	return c.Bytes(), length, nil
}

func (b *Buffer) swapPath(i int) string {
	return filepath.Join(b.swapDir, fmt.Sprintf("%s.%d", b.xid, i))
}

func (b *Buffer) readSwapFile(i int, into []byte) error {
	compressed, err := afero.ReadFile(b.fs, b.swapPath(i))
	if err != nil {
		return errs.NewRuntimeError("reading swapped transaction chunk", err)
	}
	decoded, err := swapDecoder.DecodeAll(compressed, make([]byte, 0, len(into)))
	if err != nil {
		return errs.NewRuntimeError("decompressing swapped transaction chunk", err)
	}
	copy(into, decoded)
	return nil
}

// SwapOneChunk evicts the lowest-index resident chunk to disk, freeing
// it back to the Arena. It implements the MemMgr tick's "swap one chunk
// of the top candidate" step. Returns false if nothing is resident.
func (b *Buffer) SwapOneChunk(ctx context.Context) (bool, error) {
	b.mu.Lock()
	var idx = -1
	for i, s := range b.slots {
		if s.chunk != nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return false, nil
	}
	b.swappedMin, b.swappedMax = idx, idx
	var c = b.slots[idx].chunk
	var length = b.slots[idx].length
	b.mu.Unlock()

	if err := b.writeSwapFile(idx, c.Bytes()[:length]); err != nil {
		b.mu.Lock()
		b.swappedMin, b.swappedMax = -1, -1
		b.cond.Broadcast()
		b.mu.Unlock()
		return false, err
	}

	b.mu.Lock()
	b.slots[idx].chunk = nil
	b.swappedMin, b.swappedMax = -1, -1
	b.cond.Broadcast()
	b.mu.Unlock()

	b.a.Free(arena.ModuleTransactions, c)
	return true, nil
}

// Flush persists every currently resident chunk to disk without
// releasing the Buffer itself, so Checkpoint can record a durable resume
// point without waiting for every open transaction to commit first.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	var first, last = -1, -1
	for i, s := range b.slots {
		if s.chunk != nil {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		b.mu.Unlock()
		return nil
	}
	b.swappedMin, b.swappedMax = first, last
	var toWrite = make([]*slot, last-first+1)
	copy(toWrite, b.slots[first:last+1])
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.swappedMin, b.swappedMax = -1, -1
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	for i, s := range toWrite {
		if s.chunk == nil {
			continue
		}
		if err := b.writeSwapFile(first+i, s.chunk.Bytes()[:s.length]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Buffer) writeSwapFile(i int, data []byte) error {
	if err := b.fs.MkdirAll(b.swapDir, 0o755); err != nil {
		return errs.NewRuntimeError("creating swap directory", err)
	}
	var compressed = swapEncoder.EncodeAll(data, nil)
	if err := afero.WriteFile(b.fs, b.swapPath(i), compressed, 0o644); err != nil {
		return errs.NewRuntimeError("writing swapped transaction chunk", err)
	}
	return nil
}

// Skip marks the Buffer's records to be dropped: Iterate becomes a no-op,
// so a skipped transaction reaches the Builder with no records, and
// Release discards it like a rollback.
func (b *Buffer) Skip() {
	b.mu.Lock()
	b.skipped = true
	b.mu.Unlock()
}

// Rollback is Release under the name spec.md uses for the abort path;
// both discard every chunk, resident and on-disk.
func (b *Buffer) Rollback() error { return b.Release() }

// Release frees every resident chunk back to the Arena and deletes any
// on-disk swap files. It is idempotent.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	var slots = b.slots
	b.slots = nil
	b.mu.Unlock()

	var firstErr error
	for i, s := range slots {
		if s.chunk != nil {
			b.a.Free(arena.ModuleTransactions, s.chunk)
			if exists, _ := afero.Exists(b.fs, b.swapPath(i)); !exists {
				continue // never flushed or swapped: nothing on disk.
			}
		}
		if err := b.fs.Remove(b.swapPath(i)); err != nil && firstErr == nil {
			firstErr = errs.NewRuntimeError("removing swapped transaction chunk", err)
		}
	}
	return firstErr
}

// ResidentBytes returns the number of bytes currently held in memory,
// for MemMgr's largest-resident-size eviction ordering.
func (b *Buffer) ResidentBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, s := range b.slots {
		if s.chunk != nil {
			total += int64(s.length)
		}
	}
	return total
}

// StartSCN returns the SCN of the first appended record, for MemMgr's
// oldest-first eviction tie-break.
func (b *Buffer) StartSCN() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startSCN, b.haveSCN
}

// Dump renders every record as a table (swapped-out chunks are reloaded
// by Iterate), for the Parser's dump-xid diagnostic on commit.
func (b *Buffer) Dump(w io.Writer) error {
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"SCN", "SubSCN", "Sequence", "BlockOffset", "Opcode", "Bytes"})

	if err := b.Iterate(context.Background(), func(r Record) error {
		table.Append([]string{
			fmt.Sprintf("%d", r.SCN),
			fmt.Sprintf("%d", r.SubSCN),
			fmt.Sprintf("%d", r.Sequence),
			fmt.Sprintf("%d", r.BlockOffset),
			fmt.Sprintf("%d", r.Opcode),
			fmt.Sprintf("%d", len(r.Payload)),
		})
		return nil
	}); err != nil {
		return err
	}
	table.Render()
	return nil
}
