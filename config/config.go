// Package config parses, validates, and advisory-locks the CDC engine's
// JSON configuration file, per spec.md §6. It is read once at startup
// and re-parsed (without restarting the process) by checkpoint.
// WatchConfig's mtime poll through the Reloader adapter in reload.go.
package config

import (
	"encoding/json"
	"os"

	"golang.org/x/sys/unix"

	"go.redoflow.dev/core/errs"
)

// MaxFileSize bounds the configuration file's size, per spec.md §6's
// "size ≤ CONFIG_FILE_MAX_SIZE".
const MaxFileSize = 1 << 20

// Config is the top-level configuration object, per spec.md §6.
type Config struct {
	Version      int    `json:"version"`
	LogLevel     int    `json:"log-level"`
	Trace        int    `json:"trace"`
	DumpRedoLog  int    `json:"dump-redo-log"`
	Source       Source `json:"source"`
	Target       Target `json:"target"`
}

// Source configures the redo-log tail and its in-memory pipeline.
type Source struct {
	Memory Memory `json:"memory"`
	State  State  `json:"state"`
	Reader Reader `json:"reader"`
	Format Format `json:"format"`
	Filter Filter `json:"filter"`
}

// Memory configures the Arena's chunk budget, per spec.md §6's
// "min ≤ max; swap ≤ max−4; unswap+read-min+write-min+4 ≤ max" constraint.
type Memory struct {
	MinMB            int    `json:"min-mb"`
	MaxMB            int    `json:"max-mb"`
	ReadBufferMinMB  int    `json:"read-buffer-min-mb"`
	ReadBufferMaxMB  int    `json:"read-buffer-max-mb"`
	WriteBufferMinMB int    `json:"write-buffer-min-mb"`
	WriteBufferMaxMB int    `json:"write-buffer-max-mb"`
	UnswapBufferMinMB int   `json:"unswap-buffer-min-mb"`
	SwapMB           int    `json:"swap-mb"`
	SwapPath         string `json:"swap-path"`
}

// State configures the Checkpoint worker.
type State struct {
	Type                 string `json:"type"` // always "disk".
	Path                 string `json:"path"`
	IntervalS            int    `json:"interval-s"`
	IntervalMB           int    `json:"interval-mb"`
	KeepCheckpoints      int    `json:"keep-checkpoints"`
	SchemaForceIntervalS int    `json:"schema-force-interval"`
}

// ReaderType enumerates spec.md §6's source.reader.type domain.
type ReaderType string

const (
	ReaderOnline  ReaderType = "online"
	ReaderOffline ReaderType = "offline"
	ReaderBatch   ReaderType = "batch"
)

// Reader configures how redo is fetched, per spec.md §6.
type Reader struct {
	Type ReaderType `json:"type"`
	// Path is the offline reader's tailed local file; meaningless for
	// online/batch readers, which fetch through Credentials instead.
	Path           string     `json:"path,omitempty"`
	StartSCN       *uint64    `json:"start-scn,omitempty"`
	StartSeq       *uint64    `json:"start-seq,omitempty"`
	StartTime      *string    `json:"start-time,omitempty"`
	StartTimeRel   *string    `json:"start-time-rel,omitempty"`
	ConID          int        `json:"con-id"`
	Timezone       [3]string  `json:"timezone"`
	PathMapping    []string   `json:"path-mapping"`
	LogArchiveFmt  string     `json:"log-archive-format"`
	ArchiveMode    string     `json:"arch"`
	Credentials    Credentials `json:"credentials"`
}

// Credentials holds the online reader's connection secrets.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	DSN      string `json:"dsn"`
}

// Format enumerates the message encoding/framing options of spec.md
// §4.5: 16 timestamp variants (precision × representation × UTC/local),
// SCN/XID encoding, row-id policy, schema inclusion, column selection,
// and unknown-column handling, each a closed integer domain mirroring
// builder.Options' own enums one-to-one.
type Format struct {
	MsgFull    bool `json:"msg-full"`
	SkipBegin  bool `json:"skip-begin"`
	SkipCommit bool `json:"skip-commit"`
	Schemaless bool `json:"schemaless"`
	Column     int  `json:"column"`
	Compress   bool `json:"compress"`
	Encoding   string `json:"encoding"` // "json" or "fixed".

	TimestampPrecision int  `json:"timestamp-precision"` // 0=s 1=ms 2=us 3=ns.
	TimestampISO8601   bool `json:"timestamp-iso8601"`
	TimestampUTC       bool `json:"timestamp-utc"`
	SCNEncoding        int  `json:"scn-encoding"`    // 0=numeric 1=decimal-string 2=hex.
	XIDEncoding        int  `json:"xid-encoding"`    // 0=hex 1=decimal 2=numeric.
	RowIDInclude       bool `json:"row-id-include"`
	SchemaInclusion    int  `json:"schema-inclusion"` // 0=omit 1=per-message 2=on-change.
	ColumnSelection    int  `json:"column-selection"` // 0=changed 1=full-ins-dec 2=full-upd.
	UnknownMarker      bool `json:"unknown-marker"`
}

// FilterEntry selects and optionally keys/conditions one table.
type FilterEntry struct {
	Owner     string `json:"owner"`
	Table     string `json:"table"`
	Key       string `json:"key,omitempty"`
	Condition string `json:"condition,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// Filter selects the set of objects tailed and any skip/dump overrides.
type Filter struct {
	Tables    []FilterEntry `json:"tables"`
	Separator string        `json:"separator"`
	SkipXID   []string      `json:"skip-xid"`
	DumpXID   []string      `json:"dump-xid"`
}

// WriterType enumerates spec.md §6's target.writer.type domain.
type WriterType string

const (
	WriterFile    WriterType = "file"
	WriterDiscard WriterType = "discard"
	WriterKafka   WriterType = "kafka"
	WriterZeroMQ  WriterType = "zeromq"
	WriterNetwork WriterType = "network"
)

// Target configures the Writer's sink.
type Target struct {
	Writer WriterConfig `json:"writer"`
}

// WriterConfig is the per-sink-type Writer configuration.
type WriterConfig struct {
	Type          WriterType `json:"type"`
	OutputPath    string     `json:"output-path,omitempty"`
	MaxFileSizeMB int        `json:"max-file-size,omitempty"`
	Topic         string     `json:"topic,omitempty"`
	URI           string     `json:"uri,omitempty"`
	PollIntervalUS int       `json:"poll-interval-us"`
	QueueSize     int        `json:"queue-size"`
}

// Load reads, size-bounds, and JSON-decodes path. It does not validate;
// call Validate separately so callers can distinguish parse errors from
// semantic ones. The exclusive advisory lock is held only while the file
// is read and is released before Load returns; it is not held for the
// life of the process.
func Load(path string) (*Config, error) {
	var info, err = os.Stat(path)
	if err != nil {
		return nil, errs.NewConfigurationError("statting configuration file", err)
	}
	if info.Size() > MaxFileSize {
		return nil, errs.NewConfigurationError("configuration file exceeds CONFIG_FILE_MAX_SIZE", nil)
	}

	var f *os.File
	f, err = os.Open(path)
	if err != nil {
		return nil, errs.NewConfigurationError("opening configuration file", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, errs.NewConfigurationError("acquiring advisory lock on configuration file", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errs.NewConfigurationError("decoding configuration file", err)
	}
	return &cfg, nil
}

// Validate checks every cross-field constraint spec.md §6 names.
func (c *Config) Validate() error {
	if c.LogLevel < 0 || c.LogLevel > 4 {
		return errs.NewConfigurationError("log-level must be in [0,4]", nil)
	}
	if c.Trace < 0 || c.Trace > 524287 {
		return errs.NewConfigurationError("trace must be <= 524287", nil)
	}
	if c.DumpRedoLog < 0 || c.DumpRedoLog > 2 {
		return errs.NewConfigurationError("dump-redo-log must be in {0,1,2}", nil)
	}
	if err := c.Source.Memory.validate(); err != nil {
		return err
	}
	if err := c.Source.Reader.validate(); err != nil {
		return err
	}
	if err := c.Source.Format.validate(); err != nil {
		return err
	}
	if err := c.Target.Writer.validate(); err != nil {
		return err
	}
	return nil
}

func (m Memory) validate() error {
	if m.MinMB > m.MaxMB {
		return errs.NewConfigurationError("source.memory.min-mb must be <= max-mb", nil)
	}
	if m.SwapMB > m.MaxMB-4 {
		return errs.NewConfigurationError("source.memory.swap-mb must be <= max-mb-4", nil)
	}
	if m.UnswapBufferMinMB+m.ReadBufferMinMB+m.WriteBufferMinMB+4 > m.MaxMB {
		return errs.NewConfigurationError(
			"source.memory: unswap-buffer-min-mb + read-buffer-min-mb + write-buffer-min-mb + 4 must be <= max-mb", nil)
	}
	return nil
}

func (r Reader) validate() error {
	switch r.Type {
	case ReaderOnline, ReaderOffline, ReaderBatch:
	default:
		return errs.NewConfigurationError("source.reader.type must be one of online, offline, batch", nil)
	}
	var starts = 0
	if r.StartSCN != nil {
		starts++
	}
	if r.StartSeq != nil {
		starts++
	}
	if r.StartTime != nil {
		starts++
	}
	if r.StartTimeRel != nil {
		starts++
	}
	if starts > 1 {
		return errs.NewConfigurationError(
			"source.reader: at most one of start-scn, start-seq, start-time, start-time-rel may be set", nil)
	}
	if r.Type == ReaderOnline && r.ArchiveMode == "online-keep" && r.StartTime != nil {
		return errs.NewConfigurationError(
			"source.reader: start-time with arch=online-keep and no archive is not supported; restart with an explicit start-scn instead", nil)
	}
	if len(r.PathMapping)%2 != 0 {
		return errs.NewConfigurationError("source.reader.path-mapping must have even length", nil)
	}
	return nil
}

func (f Format) validate() error {
	if f.MsgFull && (f.SkipBegin || f.SkipCommit) {
		return errs.NewConfigurationError("source.format: msg-full is incompatible with skip-begin/skip-commit", nil)
	}
	if f.Schemaless && f.Column != 0 {
		return errs.NewConfigurationError("source.format: column must be 0 when schemaless is set", nil)
	}
	if f.Encoding != "" && f.Encoding != "json" && f.Encoding != "fixed" {
		return errs.NewConfigurationError("source.format.encoding must be json or fixed", nil)
	}
	if f.TimestampPrecision < 0 || f.TimestampPrecision > 3 {
		return errs.NewConfigurationError("source.format.timestamp-precision must be in [0,3]", nil)
	}
	if f.SCNEncoding < 0 || f.SCNEncoding > 2 {
		return errs.NewConfigurationError("source.format.scn-encoding must be in [0,2]", nil)
	}
	if f.XIDEncoding < 0 || f.XIDEncoding > 2 {
		return errs.NewConfigurationError("source.format.xid-encoding must be in [0,2]", nil)
	}
	if f.SchemaInclusion < 0 || f.SchemaInclusion > 2 {
		return errs.NewConfigurationError("source.format.schema-inclusion must be in [0,2]", nil)
	}
	if f.ColumnSelection < 0 || f.ColumnSelection > 2 {
		return errs.NewConfigurationError("source.format.column-selection must be in [0,2]", nil)
	}
	return nil
}

func (w WriterConfig) validate() error {
	switch w.Type {
	case WriterFile, WriterDiscard, WriterKafka, WriterZeroMQ, WriterNetwork:
	default:
		return errs.NewConfigurationError("target.writer.type must be one of file, discard, kafka, zeromq, network", nil)
	}
	if w.PollIntervalUS < 100 || w.PollIntervalUS > 3_600_000_000 {
		return errs.NewConfigurationError("target.writer.poll-interval-us must be in [100, 3.6e9]", nil)
	}
	if w.QueueSize < 1 || w.QueueSize > 1_000_000 {
		return errs.NewConfigurationError("target.writer.queue-size must be in [1, 1e6]", nil)
	}
	return nil
}
