// Package memmgr runs the swap daemon: a named worker that evicts cold
// transaction buffer chunks to disk under memory pressure, per spec.md
// §4.6. It never imports package parser directly — Parser is referenced
// through the consumer-side Source interface below, the same "accept
// interfaces, return structs" pattern the rest of the pipeline follows.
package memmgr

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/async"
	"go.redoflow.dev/core/metrics"
	"go.redoflow.dev/core/txbuf"
)

// Source enumerates the transactions currently open, for the swap
// daemon's candidate scan. *parser.Parser satisfies this.
type Source interface {
	Buffers() map[string]*txbuf.Buffer
}

// Config is the subset of source.memory spec.md §6 describes that the
// swap daemon itself consults; the remaining fields there (buffer sizing)
// govern Arena/Ring construction, not eviction policy.
type Config struct {
	// ReservedChunks is the number of Arena chunks that must stay free
	// before the daemon goes idle; falling below it triggers eviction.
	ReservedChunks int
	// TickInterval bounds how long the daemon sleeps between pressure
	// checks when it has nothing else to signal it awake early.
	TickInterval time.Duration
}

// Manager is the swap daemon described in spec.md §4.6.
type Manager struct {
	a      *arena.Arena
	src    Source
	cfg    Config
	signal chan struct{}

	mu           sync.Mutex
	flushTargets map[string]async.Promise
	shrinkXIDs   map[string]struct{}
}

// New builds a Manager evicting from src's open transactions whenever a
// holding Arena falls below cfg.ReservedChunks free chunks.
func New(a *arena.Arena, src Source, cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Manager{
		a:            a,
		src:          src,
		cfg:          cfg,
		signal:       make(chan struct{}, 1),
		flushTargets: make(map[string]async.Promise),
		shrinkXIDs:   make(map[string]struct{}),
	}
}

// Wake nudges the daemon's tick loop to run immediately rather than
// waiting out the rest of its current sleep, for producer-side "arena is
// under pressure" signals.
func (m *Manager) Wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// RequestFlush asks the daemon to swap |xid| to completion ahead of any
// other candidate, per spec.md §4.6 step 3 — the Checkpoint thread calls
// this before freezing its snapshot, so the XID's state is durable on
// disk even though the transaction itself is still open. The returned
// Promise resolves once the daemon has finished that flush; Checkpoint
// waits on it before writing its record.
func (m *Manager) RequestFlush(xid string) async.Promise {
	m.mu.Lock()
	var p, ok = m.flushTargets[xid]
	if !ok {
		p = make(async.Promise)
		m.flushTargets[xid] = p
	}
	m.mu.Unlock()
	m.Wake()
	return p
}

// ClearFlush drops a flush target that the Checkpoint thread no longer
// needs prioritized. A flush already completed by tick has removed
// itself from flushTargets already, so this is a no-op in that case.
func (m *Manager) ClearFlush(xid string) {
	m.mu.Lock()
	delete(m.flushTargets, xid)
	m.mu.Unlock()
}

// ShrinkXID marks |xid| as off-limits to eviction: the producer is
// shrinking its own tail and the daemon must not swap a chunk out from
// under it mid-shrink. Per spec.md §4.6 step 4.
func (m *Manager) ShrinkXID(xid string) {
	m.mu.Lock()
	m.shrinkXIDs[xid] = struct{}{}
	m.mu.Unlock()
}

// ShrinkDone releases a previously set ShrinkXID hold.
func (m *Manager) ShrinkDone(xid string) {
	m.mu.Lock()
	delete(m.shrinkXIDs, xid)
	m.mu.Unlock()
}

// Run is the daemon's tick loop; it returns nil on ctx cancellation, or
// the first error a tick returns, matching the other named workers'
// task.Group contract.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.signal:
		case <-time.After(m.cfg.TickInterval):
		}
	}
}

// tick implements spec.md §4.6's four numbered steps once. Flush targets
// (step 3) are serviced before the headroom check: Checkpoint waits on
// their Promise regardless of whether the Arena is under pressure, so a
// flush request must never be skipped just because there's headroom.
func (m *Manager) tick(ctx context.Context) error {
	m.mu.Lock()
	var flushXIDs = make([]string, 0, len(m.flushTargets))
	for xid := range m.flushTargets {
		flushXIDs = append(flushXIDs, xid)
	}
	m.mu.Unlock()

	var buffers = m.src.Buffers()

	for _, xid := range flushXIDs { // step 3: requested flush targets run to completion first.
		if buf, ok := buffers[xid]; ok {
			if err := buf.Flush(ctx); err != nil {
				return err
			}
		}
		m.mu.Lock()
		if p, ok := m.flushTargets[xid]; ok {
			delete(m.flushTargets, xid)
			p.Resolve()
		}
		m.mu.Unlock()
	}
	if len(flushXIDs) > 0 {
		return nil // give eviction a full tick once flush targets are clear.
	}

	// Free chunks are those no module holds: on the free list or not yet grown.
	var stats = m.a.Stats()
	var free = stats.MaxChunks
	for _, n := range stats.PerModule {
		free -= n
	}
	if free >= m.cfg.ReservedChunks {
		return nil // step 1: plenty of headroom, nothing to evict this tick.
	}

	var candidate, ok = m.biggestEvictableCandidate(buffers) // steps 2 & 4.
	if !ok {
		return nil
	}
	_, err := candidate.SwapOneChunk(ctx)
	if err == nil {
		metrics.MemMgrSwapsTotal.Inc()
	}
	return err
}

// biggestEvictableCandidate picks the resident-size-descending top
// candidate among buffers, skipping any XID currently held by ShrinkXID.
func (m *Manager) biggestEvictableCandidate(buffers map[string]*txbuf.Buffer) (*txbuf.Buffer, bool) {
	m.mu.Lock()
	var held = make(map[string]struct{}, len(m.shrinkXIDs))
	for k := range m.shrinkXIDs {
		held[k] = struct{}{}
	}
	m.mu.Unlock()

	var xids = make([]string, 0, len(buffers))
	for xid := range buffers {
		if _, blocked := held[xid]; blocked {
			continue
		}
		xids = append(xids, xid)
	}
	sort.Slice(xids, func(i, j int) bool {
		var bi, bj = buffers[xids[i]], buffers[xids[j]]
		if ri, rj := bi.ResidentBytes(), bj.ResidentBytes(); ri != rj {
			return ri > rj
		}
		return startSCNOrLatest(bi) < startSCNOrLatest(bj) // ties broken by oldest start-SCN.
	})
	for _, xid := range xids {
		if buffers[xid].ResidentBytes() > 0 {
			return buffers[xid], true
		}
	}
	return nil, false
}

// startSCNOrLatest returns buf's start SCN, or the maximum uint64 if buf
// has no recorded start yet, so an unstarted buffer sorts last rather
// than winning eviction ties against buffers with a known start.
func startSCNOrLatest(buf *txbuf.Buffer) uint64 {
	if scn, ok := buf.StartSCN(); ok {
		return scn
	}
	return math.MaxUint64
}
