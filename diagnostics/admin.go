package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/schema"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProcessStats is the read-only snapshot rendered by GET /stats and
// GET /memory, and by the MEMORY control-protocol command.
type ProcessStats struct {
	ArenaFreeChunks int            `json:"arenaFreeChunks"`
	ArenaLiveChunks map[string]int `json:"arenaLiveChunks"`
	ArenaChunkBytes int            `json:"arenaChunkBytes"`
	RingBacklogBytes int64         `json:"ringBacklogBytes"`
	OpenXIDs        int            `json:"openXids"`
	CheckpointAge   time.Duration  `json:"checkpointAgeNs"`
}

// StatsProvider is the Supervisor's read-only admin surface contract.
type StatsProvider interface {
	Stats() ProcessStats
	FireCheckpoint(ctx context.Context) error
}

var schemaDecoder = schema.NewDecoder()

// statsQuery is decoded from GET /stats's query string with gorilla/schema.
type statsQuery struct {
	Format string `schema:"format"` // "json" (default) or "text".
}

// Mux builds the admin/metrics http.ServeMux, gating POST /checkpoint
// behind a bearer token per signingKey (no key configured disables the
// gate entirely, for local/dev use).
func Mux(p StatsProvider, signingKey []byte) *http.ServeMux {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", handleStats(p))
	mux.HandleFunc("/memory", handleMemory(p))
	mux.Handle("/checkpoint", requireBearer(signingKey, handleCheckpoint(p)))
	return mux
}

func handleStats(p StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q statsQuery
		if err := schemaDecoder.Decode(&q, r.URL.Query()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var stats = p.Stats()
		if q.Format == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(RenderStatsTable(stats)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}
}

func handleMemory(p StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(RenderStatsTable(p.Stats())))
	}
}

func handleCheckpoint(p StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		if err := p.FireCheckpoint(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// requireBearer gates next behind a valid HS256 bearer token signed
// with signingKey. A nil/empty signingKey disables the gate.
func requireBearer(signingKey []byte, next http.HandlerFunc) http.Handler {
	if len(signingKey) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var auth = r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		var _, err = jwt.Parse(auth[len(prefix):], func(t *jwt.Token) (interface{}, error) {
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

// RenderStatsTable renders stats as a tablewriter grid with byte counts
// humanized, for the plain-text /memory endpoint and the SIGUSR2 /
// MEMORY control-protocol dump.
func RenderStatsTable(stats ProcessStats) string {
	var out = &stringWriter{}
	var t = tablewriter.NewWriter(out)
	t.SetHeader([]string{"module", "live chunks"})

	var modules = make([]string, 0, len(stats.ArenaLiveChunks))
	for m := range stats.ArenaLiveChunks {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	for _, m := range modules {
		t.Append([]string{m, humanize.Comma(int64(stats.ArenaLiveChunks[m]))})
	}
	t.Render()

	out.buf += "\narena free chunks: " + humanize.Comma(int64(stats.ArenaFreeChunks)) +
		"\nring backlog: " + humanize.Bytes(uint64(stats.RingBacklogBytes)) +
		"\nopen xids: " + humanize.Comma(int64(stats.OpenXIDs)) +
		"\ncheckpoint age: " + stats.CheckpointAge.String() + "\n"
	return out.buf
}

// stringWriter is the minimal io.Writer tablewriter needs to render
// into a string rather than an os.File.
type stringWriter struct{ buf string }

func (w *stringWriter) Write(p []byte) (int, error) {
	w.buf += string(p)
	return len(p), nil
}

// DumpStack renders the current goroutine stacks, for SIGUSR1 and the
// control-protocol STACK command.
func DumpStack() string {
	var buf = make([]byte, 1<<20)
	var n = runtime.Stack(buf, true)
	return string(buf[:n])
}
