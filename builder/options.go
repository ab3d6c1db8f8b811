package builder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.redoflow.dev/core/errs"
)

// TimePrecision and TimeRepresentation compose into the 16 timestamp
// encoding variants spec.md §4.5 calls for: 2 representations × 4
// precisions × {UTC, local} = 16.
type TimePrecision int

const (
	PrecisionSeconds TimePrecision = iota
	PrecisionMillis
	PrecisionMicros
	PrecisionNanos
)

type TimeRepresentation int

const (
	RepresentationEpoch TimeRepresentation = iota
	RepresentationISO8601
)

type TimestampEncoding struct {
	Precision      TimePrecision
	Representation TimeRepresentation
	UTC            bool
}

func (e TimestampEncoding) format(t time.Time) interface{} {
	if e.UTC {
		t = t.UTC()
	}
	if e.Representation == RepresentationISO8601 {
		switch e.Precision {
		case PrecisionSeconds:
			return t.Format("2006-01-02T15:04:05Z07:00")
		case PrecisionMillis:
			return t.Format("2006-01-02T15:04:05.000Z07:00")
		case PrecisionMicros:
			return t.Format("2006-01-02T15:04:05.000000Z07:00")
		default:
			return t.Format("2006-01-02T15:04:05.000000000Z07:00")
		}
	}
	switch e.Precision {
	case PrecisionSeconds:
		return t.Unix()
	case PrecisionMillis:
		return t.UnixMilli()
	case PrecisionMicros:
		return t.UnixMicro()
	default:
		return t.UnixNano()
	}
}

// SCNEncoding controls how a commit/LWN SCN is rendered in an out-going
// message: as a JSON number, a decimal string (for SCNs too large to
// round-trip through a float64 safely), or hex.
type SCNEncoding int

const (
	SCNNumeric SCNEncoding = iota
	SCNDecimalString
	SCNHex
)

func (e SCNEncoding) format(scn uint64) interface{} {
	switch e {
	case SCNDecimalString:
		return strconv.FormatUint(scn, 10)
	case SCNHex:
		return fmt.Sprintf("0x%x", scn)
	default:
		return scn
	}
}

// XID is the three-part (undo segment, slot, sequence) transaction
// identifier spec.md's scenarios render as "0x0001.002.00000003" in hex
// form or "1.2.3" in its plain decimal form.
type XID struct {
	USN      uint16
	Slot     uint16
	Sequence uint32
}

func ParseXID(s string) (XID, error) {
	var parts = strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return XID{}, errs.NewDataError("", "", "malformed XID, expected usn.slot.sequence: "+s, nil)
	}
	usn, err1 := strconv.ParseUint(parts[0], 10, 16)
	slot, err2 := strconv.ParseUint(parts[1], 10, 16)
	seq, err3 := strconv.ParseUint(parts[2], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return XID{}, errs.NewDataError("", "", "malformed XID, expected usn.slot.sequence: "+s, nil)
	}
	return XID{USN: uint16(usn), Slot: uint16(slot), Sequence: uint32(seq)}, nil
}

func (x XID) Decimal() string { return fmt.Sprintf("%d.%d.%d", x.USN, x.Slot, x.Sequence) }
func (x XID) Hex() string     { return fmt.Sprintf("0x%04x.%03x.%08x", x.USN, x.Slot, x.Sequence) }

// XIDEncoding selects which of XID's renderings (or the original raw
// numeric triple) appears in an out-going message's "xid" field.
type XIDEncoding int

const (
	XIDHex XIDEncoding = iota
	XIDDecimal
	XIDNumeric
)

func (e XIDEncoding) format(raw string) (interface{}, error) {
	var x, err = ParseXID(raw)
	if err != nil {
		return nil, err
	}
	switch e {
	case XIDDecimal:
		return x.Decimal(), nil
	case XIDNumeric:
		return (uint64(x.USN) << 48) | (uint64(x.Slot) << 32) | uint64(x.Sequence), nil
	default:
		return x.Hex(), nil
	}
}

// RowIDPolicy controls whether a reconstructed row position marker
// accompanies each emitted change.
type RowIDPolicy int

const (
	RowIDOmit RowIDPolicy = iota
	RowIDInclude
)

// SchemaInclusion controls whether schema metadata rides along with
// change messages, and how often.
type SchemaInclusion int

const (
	SchemaOmit SchemaInclusion = iota
	SchemaPerMessage
	SchemaOnChange
)

// ColumnSelection controls which of a row's before/after columns are
// emitted.
type ColumnSelection int

const (
	// ColumnChanged emits only columns whose value differs between
	// before- and after-images.
	ColumnChanged ColumnSelection = iota
	// ColumnFullInsDec emits every column on INSERT and DELETE, but only
	// changed columns on UPDATE.
	ColumnFullInsDec
	// ColumnFullUpd emits every column unconditionally, including UPDATE.
	ColumnFullUpd
)

// UnknownHandling controls how a column whose schema is missing (or
// whose LOB page set is incomplete) is represented.
type UnknownHandling int

const (
	UnknownOmit UnknownHandling = iota
	UnknownMarker
)

// Encoding selects the wire format the Builder serializes frames into.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingFixed
)

// Options is the Builder's format configuration, per spec.md §4.5.
type Options struct {
	Encoding    Encoding
	Timestamp   TimestampEncoding
	SCN         SCNEncoding
	XID         XIDEncoding
	RowID       RowIDPolicy
	Schema      SchemaInclusion
	Columns     ColumnSelection
	Unknown     UnknownHandling
	MsgFull     bool
	SkipBegin   bool
	SkipCommit  bool

	// Compress snappy-compresses each Fixed-encoded frame body; ignored
	// under EncodingJSON.
	Compress bool
}

// Validate rejects combinations spec.md §6 calls out as configuration
// errors: MSG_FULL is mutually exclusive with the skip-begin/skip-commit
// flags, since MSG_FULL has no separate BEGIN/COMMIT frames to skip.
func (o Options) Validate() error {
	if o.MsgFull && (o.SkipBegin || o.SkipCommit) {
		return errs.NewConfigurationError(
			"MSG_FULL is mutually exclusive with MSG_SKIP_BEGIN/MSG_SKIP_COMMIT", nil)
	}
	return nil
}
