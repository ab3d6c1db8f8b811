// Package reader defines the boundary between a concrete redo-log
// source and Parser: the real, database-specific tailer that fetches
// archived/online redo is out of scope here, exactly like parser.
// Decoder. reader/filereader is this package's reference
// implementation, sufficient to drive Parser end to end against a
// plain local file.
package reader

import (
	"context"
	"errors"

	"go.redoflow.dev/core/parser"
)

// ErrDone is returned by Reader.Next when the source is exhausted and
// will produce no further blocks (a batch reader reaching end of file,
// for example). Run treats it as a clean stop, not a failure.
var ErrDone = errors.New("reader: no more blocks")

// Reader produces the physical redo blocks Parser.Process consumes, per
// spec.md §2's "Reader → Parser" data flow.
type Reader interface {
	Next(ctx context.Context) (parser.RedoBlock, error)
	Close() error
}

// Run drives r's blocks into p.Process until ctx is cancelled, r
// reports ErrDone, or Process returns a non-nil error.
func Run(ctx context.Context, r Reader, p *parser.Parser) error {
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var block, err = r.Next(ctx)
		if errors.Is(err, ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.Process(ctx, block); err != nil {
			return err
		}
	}
}
