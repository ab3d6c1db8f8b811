// Command redoflow starts the CDC engine's Supervisor against a single
// JSON configuration file, per spec.md §6's CLI surface. Signal handling
// follows cmd/gazette/main.go's shape (SIGINT/SIGTERM drain and exit);
// SIGUSR1/SIGUSR2, absent from that teacher binary, are this engine's
// own addition for an always-running tailer's operational needs.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/builder"
	"go.redoflow.dev/core/checkpoint"
	"go.redoflow.dev/core/config"
	"go.redoflow.dev/core/decoder/genericdecoder"
	"go.redoflow.dev/core/diagnostics"
	"go.redoflow.dev/core/memmgr"
	"go.redoflow.dev/core/metrics"
	"go.redoflow.dev/core/parser"
	"go.redoflow.dev/core/reader"
	"go.redoflow.dev/core/reader/filereader"
	"go.redoflow.dev/core/ring"
	"go.redoflow.dev/core/schema"
	"go.redoflow.dev/core/schema/pgcatalog"
	"go.redoflow.dev/core/supervisor"
	"go.redoflow.dev/core/writer"
)

// chunkSizeBytes is this engine's fixed Arena chunk granularity; every
// memory-sizing field in the configuration is rounded down to a
// multiple of it, per spec.md §6.
const chunkSizeBytes = 1 << 20 // 1MiB.

// opts is the CLI surface: one required positional argument, the
// configuration file path, per spec.md §6.
var opts = new(struct {
	Diagnostics struct {
		Interface string `long:"diag-iface" default:"127.0.0.1" description:"Interface the diagnostics/metrics listener binds"`
		Port      uint16 `long:"diag-port" default:"8080" description:"Port the diagnostics/metrics listener binds"`
		AuthKey   string `long:"diag-auth-key" env:"REDOFLOW_DIAG_AUTH_KEY" description:"HS256 key gating POST /checkpoint; empty disables the gate"`
	} `group:"Diagnostics"`

	Args struct {
		ConfigPath string `positional-arg-name:"CONFIG_PATH" required:"true" description:"Path to the engine's JSON configuration file"`
	} `positional-args:"yes"`
})

func main() {
	var p = flags.NewParser(opts, flags.Default)
	p.ShortDescription = "redoflow CDC engine"
	p.LongDescription = "Tails a redo log source and publishes change events to a configured sink, until signaled to exit."

	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		log.WithField("err", err).Fatal("redoflow exited with error")
	}
}

func run() error {
	var ctx = context.Background()

	var cfg, err = config.Load(opts.Args.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.SetLevel(logrusLevel(cfg.LogLevel))
	metrics.MustRegister(prometheus.DefaultRegisterer)

	var a *arena.Arena
	if a, err = newArena(cfg.Source.Memory); err != nil {
		return err
	}

	var r *ring.Ring
	if r, err = ring.New(a, chunkSizeBytes, cfg.Source.Memory.WriteBufferMaxMB, 4<<20); err != nil {
		return err
	}

	var catalog = schema.New()
	if dsn := cfg.Source.Reader.Credentials.DSN; dsn != "" {
		var loader *pgcatalog.Loader
		if loader, err = pgcatalog.New(dsn, ""); err != nil {
			return err
		}
		defer loader.Close()
		if err = catalog.Reload(ctx, loader); err != nil {
			return err
		}
	}

	var fs = afero.NewOsFs()
	var psr = parser.New(a, chunkSizeBytes, fs, cfg.Source.Memory.SwapPath, genericdecoder.New(nil), nil)
	psr.SkipXID = skipXIDFunc(cfg.Source.Filter.SkipXID)
	psr.DumpXID = skipXIDFunc(cfg.Source.Filter.DumpXID)

	var bld *builder.Builder
	if bld, err = builder.New(r, cfg.Source.Format.BuilderOptions(), catalog, psr); err != nil {
		return err
	}
	psr.SetEmitter(bld)

	var mm = memmgr.New(a, psr, memmgr.Config{
		ReservedChunks: megabytesToChunks(cfg.Source.Memory.UnswapBufferMinMB),
	})

	writer.RegisterProviders(writer.DefaultProviders())
	var sink writer.Sink
	if sink, err = writer.Open(sinkURL(cfg.Target.Writer)); err != nil {
		return err
	}
	var wtr = writer.New(r, sink, writer.DefaultBackoff)

	var ckpt = checkpoint.New(fs, cfg.Source.State.Path, "redoflow",
		checkpoint.Trigger{
			Interval:   time.Duration(cfg.Source.State.IntervalS) * time.Second,
			IntervalMB: int64(cfg.Source.State.IntervalMB),
			Keep:       cfg.Source.State.KeepCheckpoints,
		},
		wtr, txSourceAdapter{p: psr, catalog: catalog}, mm, psr)

	var resume filereader.ResumePosition
	if latest, ok, latestErr := checkpoint.Latest(fs, cfg.Source.State.Path, "redoflow"); latestErr != nil {
		return latestErr
	} else if ok {
		resume = filereader.ResumePosition{SCN: latest.ReplaySCN, Sequence: latest.ReplaySeq, BlockOffset: latest.ReplayOffset}
		log.WithFields(log.Fields{"scn": resume.SCN, "seq": resume.Sequence, "offset": resume.BlockOffset}).
			Info("resuming from checkpoint")
	}

	var fr *filereader.FileReader
	if fr, err = filereader.OpenAt(cfg.Source.Reader.Path, time.Duration(cfg.Target.Writer.PollIntervalUS)*time.Microsecond, resume); err != nil {
		return err
	}

	var reloader = config.NewReloader(cfg)

	var sv = supervisor.New(ctx, []supervisor.Worker{
		{Name: "reader", Run: func(ctx context.Context) error { return reader.Run(ctx, fr, psr) }},
		{Name: "memmgr", Run: mm.Run},
		{Name: "checkpoint", Run: ckpt.Run},
		{Name: "config-watch", Run: func(ctx context.Context) error {
			return checkpoint.WatchConfig(ctx, opts.Args.ConfigPath, 5*time.Second, reloader)
		}},
		{Name: "writer", Run: wtr.Run},
	}, ckpt, a, r)

	var signingKey []byte
	if opts.Diagnostics.AuthKey != "" {
		signingKey = []byte(opts.Diagnostics.AuthKey)
	}
	var mux = diagnostics.Mux(sv, signingKey)
	var diag *diagnostics.Listener
	if diag, err = diagnostics.New(opts.Diagnostics.Interface, opts.Diagnostics.Port, mux, controlHandler(sv)); err != nil {
		return err
	}
	sv.AttachDiagnostics(diag)

	return sv.Run()
}

func controlHandler(sv *supervisor.Supervisor) func(string) (string, error) {
	return func(cmd string) (string, error) {
		switch cmd {
		case "STACK":
			return diagnostics.DumpStack(), nil
		case "MEMORY":
			return diagnostics.RenderStatsTable(sv.Stats()), nil
		default:
			return "", fmt.Errorf("unrecognized control command: %q", cmd)
		}
	}
}

// txSourceAdapter implements checkpoint.TxSource over the live Parser
// and schema Snapshot, per spec.md §4.7's "freeze the open-XID set and
// schema snapshot under one mutex" note — Parser's own mutex already
// protects Buffers' iteration.
type txSourceAdapter struct {
	p       *parser.Parser
	catalog *schema.Snapshot
}

func (a txSourceAdapter) OpenXIDs() []checkpoint.OpenXID {
	var buffers = a.p.Buffers()
	var out = make([]checkpoint.OpenXID, 0, len(buffers))
	for xid, buf := range buffers {
		var scn, _ = buf.StartSCN()
		out = append(out, checkpoint.OpenXID{XID: xid, FirstSCN: scn})
	}
	return out
}

func (a txSourceAdapter) SchemaFingerprint() string {
	return a.catalog.Fingerprint()
}

func newArena(mem config.Memory) (*arena.Arena, error) {
	var maxChunks = megabytesToChunks(mem.MaxMB)

	var quotas [arena.ModuleCount]arena.Quota
	quotas[arena.ModuleBuilder] = arena.Quota{
		Min: megabytesToChunks(mem.WriteBufferMinMB),
		Max: megabytesToChunks(mem.WriteBufferMaxMB),
	}
	quotas[arena.ModuleReader] = arena.Quota{
		Min: megabytesToChunks(mem.ReadBufferMinMB),
		Max: megabytesToChunks(mem.ReadBufferMaxMB),
	}
	quotas[arena.ModuleTransactions] = arena.Quota{
		Min: megabytesToChunks(mem.UnswapBufferMinMB),
		Max: maxChunks,
	}
	quotas[arena.ModuleParser] = arena.Quota{
		Min: 0,
		Max: megabytesToChunks(mem.ReadBufferMaxMB),
	}
	return arena.New(chunkSizeBytes, maxChunks, quotas)
}

func megabytesToChunks(mb int) int {
	return (mb * 1024 * 1024) / chunkSizeBytes
}

func skipXIDFunc(xids []string) func(string) bool {
	if len(xids) == 0 {
		return nil
	}
	var set = make(map[string]struct{}, len(xids))
	for _, xid := range xids {
		set[xid] = struct{}{}
	}
	return func(xid string) bool { _, ok := set[xid]; return ok }
}

// sinkURL derives the writer.Open URL from target.writer's configured
// type and type-specific fields, per spec.md §6.
func sinkURL(w config.WriterConfig) string {
	switch w.Type {
	case config.WriterFile:
		return (&url.URL{Scheme: "file", Path: w.OutputPath}).String()
	case config.WriterDiscard:
		return "discard://"
	case config.WriterNetwork:
		return (&url.URL{Scheme: "tcp", Host: w.URI}).String()
	case config.WriterKafka:
		return (&url.URL{Scheme: "kafka", Host: w.URI, Path: "/" + w.Topic}).String()
	case config.WriterZeroMQ:
		return (&url.URL{Scheme: "zmq", Host: w.URI}).String()
	default:
		return "discard://"
	}
}

func logrusLevel(level int) log.Level {
	switch level {
	case 0:
		return log.ErrorLevel
	case 1:
		return log.WarnLevel
	case 2:
		return log.InfoLevel
	case 3:
		return log.DebugLevel
	default:
		return log.TraceLevel
	}
}
