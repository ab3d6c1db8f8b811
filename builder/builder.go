// Package builder transforms a committed transaction's ordered TxBuf
// record stream into sink-facing Ring frames, applying the format
// options in spec.md §4.5: timestamp/SCN/XID encoding, row-id policy,
// schema inclusion, column selection, and unknown-column handling.
package builder

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/pkg/errors"

	"go.redoflow.dev/core/errs"
	"go.redoflow.dev/core/metrics"
	"go.redoflow.dev/core/parser"
	"go.redoflow.dev/core/ring"
	"go.redoflow.dev/core/txbuf"
)

// RowChange is the logical row image the external Decoder has already
// reconstructed from an opcode-specific binary layout; it travels as the
// JSON-encoded Payload of a txbuf.Record and is Builder's only view into
// what a DML/DDL record actually changed.
type RowChange struct {
	Schema string                 `json:"schema"`
	Table  string                 `json:"table"`
	Op     string                 `json:"op"` // "c" (insert), "u" (update), "d" (delete), "ddl"
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`

	// LobColumns names columns whose value is a deferred LOB reference
	// rather than an inline scalar; Builder resolves each through the
	// owning Parser at commit time.
	LobColumns map[string]LobRef `json:"lobColumns,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`
}

// LobRef names a LOB the Parser has (or hasn't) fully reassembled.
type LobRef struct {
	LobID   uint64         `json:"lobId"`
	Charset parser.Charset `json:"charset"`
}

// OutMessage is the sink-facing shape the JSON and Fixed encoders both
// serialize, modulo field representation driven by Options.
type OutMessage struct {
	SCN        interface{}            `json:"scn"`
	Timestamp  interface{}            `json:"timestamp"`
	XID        interface{}            `json:"xid,omitempty"`
	Op         string                 `json:"op"`
	Schema     string                 `json:"schema,omitempty"`
	Table      string                 `json:"table,omitempty"`
	RowID      string                 `json:"rowId,omitempty"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	Unknown    []string               `json:"unknown,omitempty"`
	Attributes map[string]string      `json:"attributes,omitempty"`
}

// Schema resolves (schema, table) objects to a schema.SchemaElement's
// key-column list and options, for row-id reconstruction and unknown-
// column marking. It is satisfied by package schema's Snapshot.
type Schema interface {
	KeyColumns(schemaName, table string) ([]string, bool)
}

// LobResolver is the subset of *parser.Parser the Builder needs to
// finish reassembling deferred LOB columns at commit time.
type LobResolver interface {
	ResolveLOB(xid string, lobID uint64, cs parser.Charset) (text string, missing bool)
}

// Builder drains committed transactions into Ring frames. It implements
// parser.Emitter.
type Builder struct {
	opts   Options
	ring   *ring.Ring
	schema Schema
	lobs   LobResolver

	nextSequence uint32
}

// New builds a Builder writing encoded frames into r. opts must have
// already passed Validate.
func New(r *ring.Ring, opts Options, schema Schema, lobs LobResolver) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Builder{opts: opts, ring: r, schema: schema, lobs: lobs}, nil
}

// Commit implements parser.Emitter: it replays buf's records in append
// order, applying the configured framing (one frame per record, or one
// aggregate MSG_FULL frame), and writes the result to the Ring.
func (b *Builder) Commit(ctx context.Context, xid string, commitSCN uint64, buf *txbuf.Buffer) error {
	var started = time.Now()
	defer func() { metrics.BuilderCommitDurationSeconds.Observe(time.Since(started).Seconds()) }()

	var objectID = objectIDFor(xid)
	var aggregate []OutMessage

	if !b.opts.MsgFull && !b.opts.SkipBegin {
		if err := b.emitMarker(ctx, xid, commitSCN, objectID, "begin"); err != nil {
			return err
		}
	}

	var iterErr = buf.Iterate(ctx, func(r txbuf.Record) error {
		var change RowChange
		if err := json.Unmarshal(r.Payload, &change); err != nil {
			return errs.NewDataError(xid, "", "malformed decoded row change", err)
		}
		var msg, err = b.render(xid, commitSCN, change)
		if err != nil {
			return err
		}
		if b.opts.MsgFull {
			aggregate = append(aggregate, msg)
			return nil
		}
		return b.emitRecord(ctx, commitSCN, r, change, msg)
	})
	if iterErr != nil {
		return iterErr
	}

	if b.opts.MsgFull {
		if err := b.emitAggregate(ctx, xid, commitSCN, objectID, aggregate); err != nil {
			return err
		}
	} else if !b.opts.SkipCommit {
		if err := b.emitMarker(ctx, xid, commitSCN, objectID, "commit"); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) render(xid string, commitSCN uint64, change RowChange) (OutMessage, error) {
	xidOut, err := b.opts.XID.format(xid)
	if err != nil {
		return OutMessage{}, err
	}

	var msg = OutMessage{
		SCN:    b.opts.SCN.format(commitSCN),
		XID:    xidOut,
		Op:     change.Op,
		Schema: change.Schema,
		Table:  change.Table,
	}
	msg.Timestamp = b.opts.Timestamp.format(time.Now())

	switch b.opts.Columns {
	case ColumnFullUpd:
		msg.Before, msg.After = change.Before, change.After
	case ColumnFullInsDec:
		if change.Op == "u" {
			msg.Before, msg.After = diff(change.Before, change.After)
		} else {
			msg.Before, msg.After = change.Before, change.After
		}
	default: // ColumnChanged
		msg.Before, msg.After = diff(change.Before, change.After)
	}

	for col, ref := range change.LobColumns {
		var text, missing = b.lobs.ResolveLOB(xid, ref.LobID, ref.Charset)
		if missing {
			msg.Unknown = append(msg.Unknown, col)
			if b.opts.Unknown == UnknownOmit {
				continue
			}
		}
		if msg.After == nil {
			msg.After = make(map[string]interface{})
		}
		msg.After[col] = text
	}

	if b.opts.RowID == RowIDInclude && b.schema != nil {
		if keys, ok := b.schema.KeyColumns(change.Schema, change.Table); ok {
			msg.RowID = rowIDFrom(keys, change.After)
		}
	}
	if b.opts.Schema == SchemaOmit {
		msg.Schema, msg.Table = "", ""
	}
	return msg, nil
}

// diff returns the subset of before/after that actually changed,
// matching ColumnChanged's contract. Columns present in only one of the
// two images (insert/delete) are always included.
func diff(before, after map[string]interface{}) (map[string]interface{}, map[string]interface{}) {
	var outBefore, outAfter map[string]interface{}
	for k, av := range after {
		if bv, ok := before[k]; !ok || !equalJSON(bv, av) {
			if outAfter == nil {
				outAfter = make(map[string]interface{})
			}
			outAfter[k] = av
		}
	}
	for k, bv := range before {
		if av, ok := after[k]; !ok || !equalJSON(av, bv) {
			if outBefore == nil {
				outBefore = make(map[string]interface{})
			}
			outBefore[k] = bv
		}
	}
	return outBefore, outAfter
}

func equalJSON(a, b interface{}) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func rowIDFrom(keys []string, after map[string]interface{}) string {
	var b []byte
	for i, k := range keys {
		if i > 0 {
			b = append(b, '.')
		}
		v, _ := json.Marshal(after[k])
		b = append(b, v...)
	}
	return string(b)
}

func (b *Builder) emitRecord(ctx context.Context, commitSCN uint64, r txbuf.Record, change RowChange, msg OutMessage) error {
	var payload, err = b.encode(msg)
	if err != nil {
		return err
	}
	return b.writeFrame(ctx, commitSCN, objectIDFromChange(change), r.BlockOffset, payload, 0)
}

func (b *Builder) emitAggregate(ctx context.Context, xid string, commitSCN, objectID uint64, msgs []OutMessage) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return errors.Wrap(err, "encoding MSG_FULL aggregate")
	}
	if b.opts.Encoding == EncodingFixed {
		payload = encodeFixed(payload, b.opts.Compress)
	}
	return b.writeFrame(ctx, commitSCN, objectID, 0, payload, 0)
}

func (b *Builder) emitMarker(ctx context.Context, xid string, commitSCN, objectID uint64, kind string) error {
	payload, err := b.encode(OutMessage{SCN: b.opts.SCN.format(commitSCN), Op: kind})
	if err != nil {
		return err
	}
	return b.writeFrame(ctx, commitSCN, objectID, 0, payload, 0)
}

func (b *Builder) encode(msg OutMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding out-going message")
	}
	if b.opts.Encoding == EncodingFixed {
		payload = encodeFixed(payload, b.opts.Compress)
	}
	return payload, nil
}

func (b *Builder) writeFrame(ctx context.Context, commitSCN, objectID uint64, lwnIndex uint32, payload []byte, flags ring.Flags) error {
	b.nextSequence++
	mw, err := b.ring.Begin(ctx, commitSCN, commitSCN, objectID, lwnIndex, b.nextSequence, flags)
	if err != nil {
		return err
	}
	if err := mw.Append(payload); err != nil {
		return err
	}
	mw.Commit()
	metrics.BuilderFramesTotal.Inc()
	return nil
}

func objectIDFor(xid string) uint64 {
	var h = fnv.New64a()
	_, _ = h.Write([]byte(xid))
	return h.Sum64()
}

func objectIDFromChange(change RowChange) uint64 {
	var h = fnv.New64a()
	_, _ = h.Write([]byte(change.Schema))
	_, _ = h.Write([]byte{'.'})
	_, _ = h.Write([]byte(change.Table))
	return h.Sum64()
}
