package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, cfg Config) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "redoflow.json")
	var body, err = json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	return path
}

func validConfig() Config {
	return Config{
		Version:  1,
		LogLevel: 2,
		Source: Source{
			Memory: Memory{MinMB: 64, MaxMB: 512, SwapMB: 400, UnswapBufferMinMB: 16, ReadBufferMinMB: 16, WriteBufferMinMB: 16},
			Reader: Reader{Type: ReaderOffline},
			Format: Format{Schemaless: true},
			Filter: Filter{Tables: []FilterEntry{{Owner: "APP", Table: "ORDERS"}}},
		},
		Target: Target{Writer: WriterConfig{Type: WriterDiscard, PollIntervalUS: 1000, QueueSize: 100}},
	}
}

func TestLoadParsesAndLocksConfigFile(t *testing.T) {
	var path = writeConfig(t, validConfig())
	var cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, ReaderOffline, cfg.Source.Reader.Type)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "redoflow.json")
	var big = make([]byte, MaxFileSize+1)
	require.NoError(t, os.WriteFile(path, big, 0o644))

	var _, err = Load(path)
	require.Error(t, err)
}

func TestValidateRejectsMemoryArithmeticViolation(t *testing.T) {
	var cfg = validConfig()
	cfg.Source.Memory.SwapMB = cfg.Source.Memory.MaxMB - 1 // violates swap <= max-4.
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMultipleStartPositions(t *testing.T) {
	var cfg = validConfig()
	var scn = uint64(100)
	var seq = uint64(1)
	cfg.Source.Reader.StartSCN = &scn
	cfg.Source.Reader.StartSeq = &seq
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMsgFullWithSkipFlags(t *testing.T) {
	var cfg = validConfig()
	cfg.Source.Format.Schemaless = false
	cfg.Source.Format.MsgFull = true
	cfg.Source.Format.SkipBegin = true
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsColumnSetWhenSchemaless(t *testing.T) {
	var cfg = validConfig()
	cfg.Source.Format.Column = 3
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownWriterType(t *testing.T) {
	var cfg = validConfig()
	cfg.Target.Writer.Type = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsWriterPollIntervalOutOfRange(t *testing.T) {
	var cfg = validConfig()
	cfg.Target.Writer.PollIntervalUS = 1
	require.Error(t, cfg.Validate())
}

func TestFormatBuilderOptionsTranslatesEnumsAndFlags(t *testing.T) {
	var f = Format{
		Encoding:           "fixed",
		TimestampPrecision: 2,
		TimestampISO8601:   true,
		TimestampUTC:       true,
		SCNEncoding:        2,
		XIDEncoding:        1,
		RowIDInclude:       true,
		SchemaInclusion:    1,
		ColumnSelection:    2,
		UnknownMarker:      true,
		Compress:           true,
	}
	var opts = f.BuilderOptions()
	require.NoError(t, opts.Validate())
	require.Equal(t, 2, int(opts.Timestamp.Precision))
	require.True(t, opts.Timestamp.UTC)
	require.True(t, opts.Compress)
}

func TestReloaderTracksOwnerSetAcrossReload(t *testing.T) {
	var path = writeConfig(t, validConfig())
	var r = NewReloader(nil)

	var users, err = r.Reload(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"APP": {}}, users)
	require.Equal(t, ReaderOffline, r.Current().Source.Reader.Type)
}
