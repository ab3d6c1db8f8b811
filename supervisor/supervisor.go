// Package supervisor creates the named workers (Reader, Parser, Builder,
// MemMgr, Checkpoint, Writer), wires them onto one task.Group, and
// handles process signals exactly like cmd/gazette/main.go's
// SIGINT/SIGTERM shutdown: soft stop fires a final checkpoint and then
// cancels the Group, without waiting for the Ring to drain; hard stop (a
// second signal) cancels the Group directly.
// SIGUSR1/SIGUSR2, absent from the teacher, are this module's own
// addition for an online CDC tailer's operational needs: a stacktrace
// dump and a memory/arena usage dump, respectively.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/checkpoint"
	"go.redoflow.dev/core/diagnostics"
	"go.redoflow.dev/core/metrics"
	"go.redoflow.dev/core/ring"
	"go.redoflow.dev/core/task"
)

// Worker is one named, long-running function the Supervisor starts and
// jointly awaits: Reader, Parser, Builder (one per source), MemMgr,
// Checkpoint, Writer (one per sink), per spec.md §5's worker list.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns the task.Group, the diagnostics listener, and the
// soft/hard shutdown phases of spec.md §4.9.
type Supervisor struct {
	tg    *task.Group
	ckpt  *checkpoint.Checkpoint
	arena *arena.Arena
	ring  *ring.Ring
	diag  *diagnostics.Listener

	mu      sync.Mutex
	signals chan os.Signal
}

// New builds a Supervisor over workers, using ckpt for the final
// checkpoint on soft stop and arena/r for the SIGUSR2/admin stats dump.
func New(ctx context.Context, workers []Worker, ckpt *checkpoint.Checkpoint, a *arena.Arena, r *ring.Ring) *Supervisor {
	var s = &Supervisor{
		tg:    task.NewGroup(ctx),
		ckpt:  ckpt,
		arena: a,
		ring:  r,
	}
	for _, w := range workers {
		var fn = w.Run
		s.tg.Queue(w.Name, func() error { return fn(s.tg.Context()) })
	}
	return s
}

// AttachDiagnostics queues the diagnostics Listener's own serve loops
// onto the same task.Group, so a diagnostics failure is treated like
// any other worker failure.
func (s *Supervisor) AttachDiagnostics(d *diagnostics.Listener) {
	s.diag = d
	d.QueueTasks(s.tg)
}

// Run installs the signal handler, starts every worker, and blocks
// until they all return. The first SIGINT/SIGTERM triggers a soft stop
// (final checkpoint, then cancel); a second forces an immediate hard
// stop.
func (s *Supervisor) Run() error {
	s.signals = make(chan os.Signal, 1)
	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(s.signals)

	s.tg.GoRun()

	go s.handleSignals()
	go s.reportMetrics()

	return s.tg.Wait()
}

// reportMetrics periodically copies Arena/Ring occupancy into the
// Prometheus collectors served at /metrics, since those gauges have no
// other natural point of update between ticks.
func (s *Supervisor) reportMetrics() {
	var ticker = time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.tg.Context().Done():
			return
		case <-ticker.C:
			var stats = s.Stats()
			metrics.ArenaFreeChunks.Set(float64(stats.ArenaFreeChunks))
			for module, n := range stats.ArenaLiveChunks {
				metrics.ArenaLiveChunks.WithLabelValues(module).Set(float64(n))
			}
			metrics.RingBacklogBytes.Set(float64(stats.RingBacklogBytes))
		}
	}
}

func (s *Supervisor) handleSignals() {
	var softStopRequested bool
	for {
		select {
		case <-s.tg.Context().Done():
			return
		case sig := <-s.signals:
			switch sig {
			case syscall.SIGUSR1:
				log.Info(diagnostics.DumpStack())
			case syscall.SIGUSR2:
				log.Info("memory/arena usage dump\n" + diagnostics.RenderStatsTable(s.Stats()))
			case syscall.SIGINT, syscall.SIGTERM:
				if softStopRequested {
					log.Warn("second shutdown signal received; hard stop")
					s.tg.Cancel()
					return
				}
				softStopRequested = true
				log.Info("shutdown signal received; soft stop: firing final checkpoint")
				go s.softStop()
			}
		}
	}
}

func (s *Supervisor) softStop() {
	if s.ckpt != nil {
		if err := s.ckpt.Fire(context.Background()); err != nil {
			log.WithField("err", err).Warn("final checkpoint failed during soft stop")
		}
	}
	if s.diag != nil {
		s.diag.GracefulStop()
	}
	s.tg.Cancel()
}

// Stats implements diagnostics.StatsProvider.
func (s *Supervisor) Stats() diagnostics.ProcessStats {
	var a = s.arena.Stats()
	var live = make(map[string]int, len(a.PerModule))
	for i, allocated := range a.PerModule {
		live[arena.Module(i).String()] = allocated
	}
	var backlog int64
	if s.ring != nil {
		backlog = s.ring.Backlog()
	}
	return diagnostics.ProcessStats{
		ArenaFreeChunks:  a.FreeChunks,
		ArenaLiveChunks:  live,
		ArenaChunkBytes:  a.ChunkSize,
		RingBacklogBytes: backlog,
	}
}

// FireCheckpoint implements diagnostics.StatsProvider, for POST /checkpoint.
func (s *Supervisor) FireCheckpoint(ctx context.Context) error {
	if s.ckpt == nil {
		return nil
	}
	return s.ckpt.Fire(ctx)
}
