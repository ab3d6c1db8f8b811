package writer

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.redoflow.dev/core/errs"
)

// fileSink appends frames to a local file, one per line, per spec.md's
// "file line-delimited" framing. The file is opened once and kept open
// for the Writer's lifetime; Persist-style temp-then-rename is not used
// here since the file is an append-only log, not a point-in-time object
// like a checkpoint.
type fileSink struct {
	mu sync.Mutex
	f  *os.File
}

func newFileSink(ep *url.URL) (Sink, error) {
	var path = ep.Path
	if path == "" {
		path = ep.Opaque
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.NewConfigurationError("creating sink directory", err)
	}
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.NewConfigurationError("opening file sink", err)
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) Write(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(frame); err != nil {
		return errs.NewRuntimeError("writing file sink frame", err)
	}
	if _, err := s.f.Write([]byte{'\n'}); err != nil {
		return errs.NewRuntimeError("writing file sink delimiter", err)
	}
	return nil
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// discardSink drops every frame, per spec.md's dump-redo-log / benchmark
// use case — exercising the full pipeline without I/O cost.
type discardSink struct{}

func newDiscardSink(*url.URL) (Sink, error) { return discardSink{}, nil }

func (discardSink) Write(context.Context, []byte) error { return nil }
func (discardSink) Close() error                        { return nil }
