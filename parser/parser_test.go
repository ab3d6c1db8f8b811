package parser

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.redoflow.dev/core/arena"
	"go.redoflow.dev/core/txbuf"
)

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	var quotas [arena.ModuleCount]arena.Quota
	for i := range quotas {
		quotas[i] = arena.Quota{Min: 0, Max: 64}
	}
	a, err := arena.New(4096, 64, quotas)
	require.NoError(t, err)
	return a
}

type stubDecoder struct {
	events []Event
	err    error
}

func (d *stubDecoder) Decode(RedoBlock) ([]Event, error) { return d.events, d.err }

type capturingEmitter struct {
	commits []capturedCommit
}

type capturedCommit struct {
	xid       string
	commitSCN uint64
	records   []txbuf.Record
}

func (e *capturingEmitter) Commit(ctx context.Context, xid string, commitSCN uint64, buf *txbuf.Buffer) error {
	var records []txbuf.Record
	if err := buf.Iterate(ctx, func(r txbuf.Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		return err
	}
	e.commits = append(e.commits, capturedCommit{xid: xid, commitSCN: commitSCN, records: records})
	return nil
}

func newTestParser(t *testing.T, events []Event, emitter *capturingEmitter) *Parser {
	t.Helper()
	return New(newTestArena(t), 4096, afero.NewMemMapFs(), "/swap", &stubDecoder{events: events}, emitter)
}

func TestBeginAppendCommitReplaysRecordsInOrder(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, []Event{
		{Kind: EventBegin, XID: "xid-1", SCN: 100},
		{Kind: EventDML, XID: "xid-1", SCN: 100, Sequence: 1, Opcode: 1, Payload: []byte("insert one")},
		{Kind: EventDML, XID: "xid-1", SCN: 100, Sequence: 2, Opcode: 2, Payload: []byte("update one")},
		{Kind: EventCommit, XID: "xid-1", SCN: 105},
	}, emitter)

	require.NoError(t, p.Process(context.Background(), RedoBlock{}))

	require.Len(t, emitter.commits, 1)
	require.Equal(t, "xid-1", emitter.commits[0].xid)
	require.EqualValues(t, 105, emitter.commits[0].commitSCN)
	require.Len(t, emitter.commits[0].records, 2)
	require.Equal(t, "insert one", string(emitter.commits[0].records[0].Payload))
	require.Equal(t, "update one", string(emitter.commits[0].records[1].Payload))

	require.Equal(t, 0, p.OpenCount())
}

func TestRollbackDiscardsWithoutEmitting(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, []Event{
		{Kind: EventBegin, XID: "xid-2", SCN: 1},
		{Kind: EventDML, XID: "xid-2", SCN: 1, Opcode: 3, Payload: []byte("delete")},
		{Kind: EventRollback, XID: "xid-2"},
	}, emitter)

	require.NoError(t, p.Process(context.Background(), RedoBlock{}))
	require.Empty(t, emitter.commits)
	require.Equal(t, 0, p.OpenCount())
}

func TestUndecodableEventIsFatal(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, []Event{
		{Kind: EventUndecodable, Reason: "unknown opcode 0xff"},
	}, emitter)

	err := p.Process(context.Background(), RedoBlock{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "undecodable opcode")
}

func TestSkipXIDMarksBufferSkippedSoCommitEmitsNothing(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, []Event{
		{Kind: EventBegin, XID: "xid-3", SCN: 1},
		{Kind: EventDML, XID: "xid-3", SCN: 1, Opcode: 1, Payload: []byte("row")},
		{Kind: EventCommit, XID: "xid-3", SCN: 2},
	}, emitter)
	p.SkipXID = func(xid string) bool { return xid == "xid-3" }

	require.NoError(t, p.Process(context.Background(), RedoBlock{}))
	require.Len(t, emitter.commits, 1)
	require.Empty(t, emitter.commits[0].records)
}

func TestPositionTracksLastBlockProcessApplied(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, []Event{}, emitter)

	scn, seq, off := p.Position()
	require.Zero(t, scn)
	require.Zero(t, seq)
	require.Zero(t, off)

	require.NoError(t, p.Process(context.Background(), RedoBlock{SCN: 100, Sequence: 3, BlockOffset: 64}))
	scn, seq, off = p.Position()
	require.EqualValues(t, 100, scn)
	require.EqualValues(t, 3, seq)
	require.EqualValues(t, 64, off)

	require.NoError(t, p.Process(context.Background(), RedoBlock{SCN: 101, Sequence: 3, BlockOffset: 128}))
	scn, seq, off = p.Position()
	require.EqualValues(t, 101, scn)
	require.EqualValues(t, 3, seq)
	require.EqualValues(t, 128, off)
}

func TestCommitWithNoOpenBeginIsADataError(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, []Event{
		{Kind: EventCommit, XID: "ghost", SCN: 1},
	}, emitter)

	err := p.Process(context.Background(), RedoBlock{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestLOBReconstructionConcatenatesPagesInAscendingPageOrder(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, nil, emitter)

	p.recordLobIndex(Event{XID: "xid-4", LobID: 9, PageNo: 2, DBA: 200})
	p.recordLobIndex(Event{XID: "xid-4", LobID: 9, PageNo: 0, DBA: 100})
	p.recordLobIndex(Event{XID: "xid-4", LobID: 9, PageNo: 1, DBA: 150})

	p.recordLobData(Event{XID: "xid-4", LobID: 9, DBA: 100, Data: []byte("AAA")})
	p.recordLobData(Event{XID: "xid-4", LobID: 9, DBA: 150, Data: []byte("BBB")})
	p.recordLobData(Event{XID: "xid-4", LobID: 9, DBA: 200, Data: []byte("CCC")})

	text, missing := p.ResolveLOB("xid-4", 9, CharsetUTF8)
	require.False(t, missing)
	require.Equal(t, "AAABBBCCC", text)
}

func TestLOBReconstructionReportsMissingDataPage(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, nil, emitter)

	p.recordLobIndex(Event{XID: "xid-5", LobID: 1, PageNo: 0, DBA: 1})
	p.recordLobIndex(Event{XID: "xid-5", LobID: 1, PageNo: 1, DBA: 2})
	p.recordLobData(Event{XID: "xid-5", LobID: 1, DBA: 1, Data: []byte("only-this-page")})

	text, missing := p.ResolveLOB("xid-5", 1, CharsetUTF8)
	require.True(t, missing)
	require.Equal(t, "only-this-page", text)
}

func TestResolveLOBHexFallback(t *testing.T) {
	var emitter = &capturingEmitter{}
	var p = newTestParser(t, nil, emitter)

	p.recordLobIndex(Event{XID: "xid-6", LobID: 1, PageNo: 0, DBA: 1})
	p.recordLobData(Event{XID: "xid-6", LobID: 1, DBA: 1, Data: []byte{0xde, 0xad, 0xbe, 0xef}})

	text, missing := p.ResolveLOB("xid-6", 1, CharsetHex)
	require.False(t, missing)
	require.Equal(t, "deadbeef", text)
}
