// Package arena implements a fixed-size chunk allocator with per-module
// quotas and blocking allocation under memory pressure. It is the leaf
// dependency of the redoflow pipeline: the transaction buffer, the ring,
// and the parser's redo-block staging all borrow chunks from one Arena.
package arena

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.redoflow.dev/core/errs"
)

// Module identifies a quota-holding consumer of the Arena.
type Module int

const (
	ModuleBuilder Module = iota
	ModuleParser
	ModuleReader
	ModuleTransactions

	moduleCount
)

func (m Module) String() string {
	switch m {
	case ModuleBuilder:
		return "builder"
	case ModuleParser:
		return "parser"
	case ModuleReader:
		return "reader"
	case ModuleTransactions:
		return "transactions"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to a Chunk. The zero Handle never refers to
// a live chunk.
type Handle uint64

// Quota is the (min, max) chunk-count reservation of one Module. Min is a
// hard reservation never lent to peers; max bounds how much a module may
// hold even when the Arena as a whole has headroom.
type Quota struct {
	Min, Max int
}

// Chunk is a fixed-size, never-reallocated byte buffer.
type Chunk struct {
	handle Handle
	data   []byte
}

// Bytes returns the Chunk's backing buffer. The slice is owned by the
// Arena and must not be retained past Free.
func (c *Chunk) Bytes() []byte { return c.data }

// Handle returns the Chunk's stable handle.
func (c *Chunk) Handle() Handle { return c.handle }

type module struct {
	quota     Quota
	allocated int
}

// Arena is a mutex-guarded free list of fixed-size chunks, with per-module
// quotas enforced on Get and Free. It satisfies I1 of the redoflow data
// model: allocated == free + sum(module allocated), and module allocated
// never drops below module min outside of shutdown.
type Arena struct {
	chunkSize int
	maxChunks int

	mu       sync.Mutex
	cond     *sync.Cond
	free     []*Chunk
	modules  [moduleCount]module
	live     map[Handle]*Chunk
	nextGen  uint32
	shutdown bool
}

// New builds an Arena of |maxChunks| chunks of |chunkSize| bytes each, with
// the given per-module quotas. Quotas whose Min sums to more than maxChunks
// is a configuration error: the Arena could never honor every floor.
func New(chunkSize, maxChunks int, quotas [moduleCount]Quota) (*Arena, error) {
	var minSum int
	for _, q := range quotas {
		minSum += q.Min
	}
	if minSum > maxChunks {
		return nil, errs.NewConfigurationError(
			"sum of module minimums exceeds the arena's chunk budget", nil)
	}

	var a = &Arena{
		chunkSize: chunkSize,
		maxChunks: maxChunks,
		live:      make(map[Handle]*Chunk),
	}
	a.cond = sync.NewCond(&a.mu)
	for m := Module(0); m < moduleCount; m++ {
		a.modules[m].quota = quotas[m]
	}
	return a, nil
}

// headroom reports whether |m| may allocate one more chunk without
// exceeding its own max and without taking a chunk that a peer's unmet
// min still reserves. Whether a chunk is free or can still be grown is
// checked separately by Get.
func (a *Arena) headroom(m Module) bool {
	var mod = &a.modules[m]
	if mod.quota.Max > 0 && mod.allocated >= mod.quota.Max {
		return false
	}

	var totalAllocated int
	for i := range a.modules {
		totalAllocated += a.modules[i].allocated
	}
	// Below our own min we always press forward, since min is a hard
	// reservation per I1. Above it, only take a chunk that no peer's unmet
	// min still claims: a peer's floor is never lent out.
	if mod.allocated < mod.quota.Min {
		return true
	}
	var available = a.maxChunks - totalAllocated
	for i := range a.modules {
		if Module(i) == m {
			continue
		}
		if a.modules[i].allocated < a.modules[i].quota.Min {
			available -= a.modules[i].quota.Min - a.modules[i].allocated
		}
	}
	return available > 0
}

// Get allocates a chunk to |module|, blocking until the Arena has a free
// or growable chunk and the module has headroom (under its own cap, and
// not dipping into a peer's unmet min). Get returns
// errs.ErrShutdownSignaled if the Arena is hard shut down, or ctx is
// cancelled, while waiting.
func (a *Arena) Get(ctx context.Context, m Module) (*Chunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for !a.shutdown && !((len(a.free) > 0 || a.canGrow()) && a.headroom(m)) {
		if waitErr := a.waitLocked(ctx); waitErr != nil {
			return nil, waitErr
		}
	}
	if a.shutdown {
		return nil, errs.ErrShutdownSignaled
	}

	var c *Chunk
	if n := len(a.free); n > 0 {
		c = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.nextGen++
		c = &Chunk{
			handle: Handle(uint64(a.nextGen)<<48 | uint64(len(a.live))),
			data:   make([]byte, a.chunkSize),
		}
	}
	a.live[c.handle] = c
	a.modules[m].allocated++
	return c, nil
}

func (a *Arena) canGrow() bool {
	var total int
	for i := range a.modules {
		total += a.modules[i].allocated
	}
	return total+len(a.free) < a.maxChunks
}

// waitLocked blocks on the Arena's condition variable, observing ctx
// cancellation. a.mu must be held on entry and is held again on return.
func (a *Arena) waitLocked(ctx context.Context) error {
	if ctx.Err() != nil {
		return errs.ErrShutdownSignaled
	}
	var done = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.cond.Broadcast()
			a.mu.Unlock()
		case <-done:
		}
	}()
	a.cond.Wait()
	close(done)
	if ctx.Err() != nil {
		return errs.ErrShutdownSignaled
	}
	return nil
}

// Free returns |c| to the free list. Freeing a chunk that isn't currently
// live is a bug: the Arena never silently overcommits, so this is fatal
// rather than a silent no-op.
func (a *Arena) Free(m Module, c *Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[c.handle]; !ok {
		panic(errors.New("arena: free of a chunk that is not live"))
	}
	delete(a.live, c.handle)
	a.modules[m].allocated--

	a.free = append(a.free, c)
	// Shed surplus above min back toward the OS so a burst in one module
	// doesn't permanently inflate the process's resident set.
	if over := len(a.free) - a.modules[m].quota.Min; over > 0 && len(a.free) > 0 {
		a.free = a.free[:len(a.free)-1]
	}
	a.cond.Broadcast()
}

// Stats is a point-in-time snapshot of Arena occupancy, rendered by the
// Supervisor's SIGUSR2 handler and exported as Prometheus gauges.
type Stats struct {
	ChunkSize    int
	MaxChunks    int
	FreeChunks   int
	PerModule    [moduleCount]int
	ModuleQuotas [moduleCount]Quota
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s = Stats{ChunkSize: a.chunkSize, MaxChunks: a.maxChunks, FreeChunks: len(a.free)}
	for i := range a.modules {
		s.PerModule[i] = a.modules[i].allocated
		s.ModuleQuotas[i] = a.modules[i].quota
	}
	return s
}

// Shutdown wakes every blocked Get with errs.ErrShutdownSignaled. It is
// the Arena's half of the Supervisor's hard-shutdown broadcast.
func (a *Arena) Shutdown() {
	a.mu.Lock()
	a.shutdown = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

// ModuleCount is the number of quota-holding modules the Arena tracks; it
// is exported so callers can size a [ModuleCount]Quota array.
const ModuleCount = int(moduleCount)
