package builder

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/parser"
	"go.redoflow.dev/core/ring"
	"go.redoflow.dev/core/txbuf"
)

func newTestRing(t *testing.T) *ring.Ring {
	t.Helper()
	var quotas [arena.ModuleCount]arena.Quota
	for i := range quotas {
		quotas[i] = arena.Quota{Min: 0, Max: 64}
	}
	a, err := arena.New(4096, 64, quotas)
	require.NoError(t, err)
	r, err := ring.New(a, 4096, 16, 4096)
	require.NoError(t, err)
	return r
}

func newTestBuffer(t *testing.T, xid string, records ...txbuf.Record) *txbuf.Buffer {
	t.Helper()
	var quotas [arena.ModuleCount]arena.Quota
	for i := range quotas {
		quotas[i] = arena.Quota{Min: 0, Max: 64}
	}
	a, err := arena.New(4096, 64, quotas)
	require.NoError(t, err)

	var buf = txbuf.New(xid, a, 4096, afero.NewMemMapFs(), "/swap")
	for _, r := range records {
		require.NoError(t, buf.Append(context.Background(), r))
	}
	return buf
}

func changePayload(t *testing.T, c RowChange) []byte {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return b
}

type stubSchema struct{ keys map[string][]string }

func (s *stubSchema) KeyColumns(schemaName, table string) ([]string, bool) {
	k, ok := s.keys[schemaName+"."+table]
	return k, ok
}

type stubLobs struct{}

func (stubLobs) ResolveLOB(xid string, lobID uint64, cs parser.Charset) (string, bool) {
	return "", true
}

func drainAll(t *testing.T, r *ring.Ring) []OutMessage {
	t.Helper()
	var out []OutMessage
	for {
		hdr, payload, err := r.Drain(context.Background())
		if ring.ErrEmpty(err) {
			break
		}
		require.NoError(t, err)
		var msg OutMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		out = append(out, msg)
		r.Confirm(hdr.ChunkID, hdr.Size)
	}
	return out
}

func TestCommitEmitsBeginDmlCommitInDefaultMode(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{Schema: "S", Table: "T", Op: "c", After: map[string]interface{}{"id": 1.0}}),
	})

	var r = newTestRing(t)
	b, err := New(r, Options{}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)

	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	var msgs = drainAll(t, r)
	require.Len(t, msgs, 3)
	require.Equal(t, "begin", msgs[0].Op)
	require.Equal(t, "c", msgs[1].Op)
	require.Equal(t, "commit", msgs[2].Op)
}

func TestSkipBeginAndSkipCommitOmitMarkerFrames(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{Schema: "S", Table: "T", Op: "c"}),
	})

	var r = newTestRing(t)
	b, err := New(r, Options{SkipBegin: true, SkipCommit: true}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)

	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	var msgs = drainAll(t, r)
	require.Len(t, msgs, 1)
	require.Equal(t, "c", msgs[0].Op)
}

func TestMsgFullEmitsSingleAggregateFrame(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid,
		txbuf.Record{SCN: 10, Sequence: 1, Payload: changePayload(t, RowChange{Schema: "S", Table: "T", Op: "c"})},
		txbuf.Record{SCN: 10, Sequence: 2, Payload: changePayload(t, RowChange{Schema: "S", Table: "T", Op: "u"})},
	)

	var r = newTestRing(t)
	b, err := New(r, Options{MsgFull: true}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)

	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	hdr, payload, err := r.Drain(context.Background())
	require.NoError(t, err)
	var aggregate []OutMessage
	require.NoError(t, json.Unmarshal(payload, &aggregate))
	require.Len(t, aggregate, 2)
	r.Confirm(hdr.ChunkID, hdr.Size)

	_, _, err = r.Drain(context.Background())
	require.True(t, ring.ErrEmpty(err))
}

func TestMsgFullWithSkipBeginIsAConfigurationError(t *testing.T) {
	var r = newTestRing(t)
	_, err := New(r, Options{MsgFull: true, SkipBegin: true}, &stubSchema{}, stubLobs{})
	require.Error(t, err)
}

func TestColumnChangedOnlyEmitsDifferingColumns(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{
			Schema: "S", Table: "T", Op: "u",
			Before: map[string]interface{}{"id": 1.0, "name": "a"},
			After:  map[string]interface{}{"id": 1.0, "name": "b"},
		}),
	})

	var r = newTestRing(t)
	b, err := New(r, Options{SkipBegin: true, SkipCommit: true, Columns: ColumnChanged}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)
	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	var msgs = drainAll(t, r)
	require.Len(t, msgs, 1)
	require.NotContains(t, msgs[0].After, "id")
	require.Equal(t, "b", msgs[0].After["name"])
}

func TestColumnFullUpdEmitsEveryColumnOnUpdate(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{
			Schema: "S", Table: "T", Op: "u",
			Before: map[string]interface{}{"id": 1.0, "name": "a"},
			After:  map[string]interface{}{"id": 1.0, "name": "b"},
		}),
	})

	var r = newTestRing(t)
	b, err := New(r, Options{SkipBegin: true, SkipCommit: true, Columns: ColumnFullUpd}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)
	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	var msgs = drainAll(t, r)
	require.Len(t, msgs, 1)
	require.Equal(t, 1.0, msgs[0].After["id"])
}

func TestRowIDIncludesConfiguredKeyColumns(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{
			Schema: "S", Table: "T", Op: "c",
			After: map[string]interface{}{"id": 7.0, "name": "x"},
		}),
	})

	var r = newTestRing(t)
	var schema = &stubSchema{keys: map[string][]string{"S.T": {"id"}}}
	b, err := New(r, Options{SkipBegin: true, SkipCommit: true, RowID: RowIDInclude}, schema, stubLobs{})
	require.NoError(t, err)
	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	var msgs = drainAll(t, r)
	require.Len(t, msgs, 1)
	require.Equal(t, "7", msgs[0].RowID)
}

func TestSchemaOmitClearsSchemaAndTableFields(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{Schema: "S", Table: "T", Op: "c"}),
	})

	var r = newTestRing(t)
	b, err := New(r, Options{SkipBegin: true, SkipCommit: true, Schema: SchemaOmit}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)
	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	var msgs = drainAll(t, r)
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].Schema)
	require.Empty(t, msgs[0].Table)
}

func TestXIDEncodingVariants(t *testing.T) {
	x, err := ParseXID("1.2.3")
	require.NoError(t, err)
	require.Equal(t, "1.2.3", x.Decimal())
	require.Equal(t, "0x0001.002.00000003", x.Hex())
}

func TestSCNEncodingVariants(t *testing.T) {
	require.Equal(t, uint64(42), SCNNumeric.format(42))
	require.Equal(t, "42", SCNDecimalString.format(42))
	require.Equal(t, "0x2a", SCNHex.format(42))
}

func TestFixedEncodingRoundTrips(t *testing.T) {
	var body = []byte(`{"op":"c"}`)
	var frame = encodeFixed(body, false)
	got, ok := decodeFixed(frame)
	require.True(t, ok)
	require.Equal(t, body, got)
}

func TestFixedEncodingRoundTripsCompressed(t *testing.T) {
	var body = []byte(`{"op":"c","schema":"S","table":"T"}`)
	var frame = encodeFixed(body, true)
	got, ok := decodeFixed(frame)
	require.True(t, ok)
	require.Equal(t, body, got)
}

func TestFixedEncodingOptionWrapsFrames(t *testing.T) {
	var xid = "1.2.3"
	var buf = newTestBuffer(t, xid, txbuf.Record{
		SCN: 10, Sequence: 1,
		Payload: changePayload(t, RowChange{Schema: "S", Table: "T", Op: "c"}),
	})

	var r = newTestRing(t)
	b, err := New(r, Options{SkipBegin: true, SkipCommit: true, Encoding: EncodingFixed}, &stubSchema{}, stubLobs{})
	require.NoError(t, err)
	require.NoError(t, b.Commit(context.Background(), xid, 20, buf))

	hdr, payload, err := r.Drain(context.Background())
	require.NoError(t, err)
	body, ok := decodeFixed(payload)
	require.True(t, ok)
	var msg OutMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	require.Equal(t, "c", msg.Op)
	r.Confirm(hdr.ChunkID, hdr.Size)
}
