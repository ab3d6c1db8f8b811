// Package genericdecoder is parser.Decoder's reference implementation:
// the real, vendor-specific redo bytecode decoder is out of scope, so
// this decoder instead walks a simple, self-describing tagged-record
// wire format and maps each record's opcode to a logical parser.Event
// kind through a caller-supplied fixture table, standing in for the
// vendor decoder's opcode table without reproducing it.
package genericdecoder

import (
	"encoding/binary"
	"fmt"

	"go.redoflow.dev/core/parser"
)

// Built-in opcodes every fixture table includes by default, so a test
// fixture only needs to register the DML/DDL opcodes it cares about.
const (
	OpcodeBegin    uint32 = 0xfffffff1
	OpcodeCommit   uint32 = 0xfffffff2
	OpcodeRollback uint32 = 0xfffffff3
)

// Decoder walks block.Data as a sequence of tagged records, mapping
// each record's opcode to an parser.EventKind through Opcodes. An
// opcode absent from Opcodes decodes as EventDML, the common case for
// an otherwise-unregistered table opcode.
type Decoder struct {
	Opcodes map[uint32]parser.EventKind
}

// New builds a Decoder seeded with the built-in BEGIN/COMMIT/ROLLBACK
// opcodes; extra maps the caller's table-specific opcodes.
func New(extra map[uint32]parser.EventKind) *Decoder {
	var opcodes = map[uint32]parser.EventKind{
		OpcodeBegin:    parser.EventBegin,
		OpcodeCommit:   parser.EventCommit,
		OpcodeRollback: parser.EventRollback,
	}
	for op, kind := range extra {
		opcodes[op] = kind
	}
	return &Decoder{Opcodes: opcodes}
}

// Decode implements parser.Decoder.
func (d *Decoder) Decode(block parser.RedoBlock) ([]parser.Event, error) {
	var events []parser.Event
	var buf = block.Data

	for len(buf) > 0 {
		var rec, rest, err = decodeOne(buf)
		if err != nil {
			return nil, err
		}
		buf = rest

		var kind, ok = d.Opcodes[rec.opcode]
		if !ok {
			kind = parser.EventDML
		}

		events = append(events, parser.Event{
			Kind:        kind,
			XID:         rec.xid,
			SCN:         rec.scn,
			SubSCN:      rec.subSCN,
			Sequence:    rec.sequence,
			BlockOffset: rec.blockOffset,
			ObjectID:    rec.objectID,
			Opcode:      rec.opcode,
			Payload:     rec.payload,
		})
	}
	return events, nil
}

type record struct {
	xid         string
	opcode      uint32
	scn         uint64
	subSCN      uint32
	sequence    uint32
	blockOffset uint32
	objectID    uint64
	payload     []byte
}

// decodeOne reads one record from the front of buf, per Encode's
// layout, and returns the remaining, unconsumed bytes.
func decodeOne(buf []byte) (record, []byte, error) {
	const fixedLen = 4 + 4 + 8 + 4 + 4 + 4 + 8 + 4

	if len(buf) < 4 {
		return record{}, nil, fmt.Errorf("genericdecoder: truncated record: missing xid length")
	}
	var xidLen = binary.LittleEndian.Uint32(buf[0:4])
	var off = 4 + int(xidLen)
	if len(buf) < off+fixedLen-4 {
		return record{}, nil, fmt.Errorf("genericdecoder: truncated record header")
	}

	var rec record
	rec.xid = string(buf[4:off])
	rec.opcode = binary.LittleEndian.Uint32(buf[off : off+4])
	rec.scn = binary.LittleEndian.Uint64(buf[off+4 : off+12])
	rec.subSCN = binary.LittleEndian.Uint32(buf[off+12 : off+16])
	rec.sequence = binary.LittleEndian.Uint32(buf[off+16 : off+20])
	rec.blockOffset = binary.LittleEndian.Uint32(buf[off+20 : off+24])
	rec.objectID = binary.LittleEndian.Uint64(buf[off+24 : off+32])
	var payloadLen = binary.LittleEndian.Uint32(buf[off+32 : off+36])

	var payloadStart = off + 36
	if len(buf) < payloadStart+int(payloadLen) {
		return record{}, nil, fmt.Errorf("genericdecoder: truncated record payload")
	}
	rec.payload = buf[payloadStart : payloadStart+int(payloadLen)]

	return rec, buf[payloadStart+int(payloadLen):], nil
}

// Encode appends xid/opcode/scn/subSCN/sequence/blockOffset/objectID/
// payload to buf in the layout Decode expects, for building test
// fixtures and for genericdecoder's own tests.
func Encode(buf []byte, xid string, opcode uint32, scn uint64, subSCN, sequence, blockOffset uint32, objectID uint64, payload []byte) []byte {
	var xidLen [4]byte
	binary.LittleEndian.PutUint32(xidLen[:], uint32(len(xid)))
	buf = append(buf, xidLen[:]...)
	buf = append(buf, xid...)

	var fixed [4 + 8 + 4 + 4 + 4 + 8 + 4]byte
	binary.LittleEndian.PutUint32(fixed[0:4], opcode)
	binary.LittleEndian.PutUint64(fixed[4:12], scn)
	binary.LittleEndian.PutUint32(fixed[12:16], subSCN)
	binary.LittleEndian.PutUint32(fixed[16:20], sequence)
	binary.LittleEndian.PutUint32(fixed[20:24], blockOffset)
	binary.LittleEndian.PutUint64(fixed[24:32], objectID)
	binary.LittleEndian.PutUint32(fixed[32:36], uint32(len(payload)))
	buf = append(buf, fixed[:]...)
	buf = append(buf, payload...)
	return buf
}
