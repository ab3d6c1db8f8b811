package config

import "go.redoflow.dev/core/builder"

// BuilderOptions converts this Format's closed integer domains into
// builder.Options' own enums, keeping the on-disk config schema decoupled
// from Builder's internal representation.
func (f Format) BuilderOptions() builder.Options {
	var encoding = builder.EncodingJSON
	if f.Encoding == "fixed" {
		encoding = builder.EncodingFixed
	}

	var rowID = builder.RowIDOmit
	if f.RowIDInclude {
		rowID = builder.RowIDInclude
	}

	var unknown = builder.UnknownOmit
	if f.UnknownMarker {
		unknown = builder.UnknownMarker
	}

	return builder.Options{
		Encoding: encoding,
		Timestamp: builder.TimestampEncoding{
			Precision:      builder.TimePrecision(f.TimestampPrecision),
			Representation: representationOf(f.TimestampISO8601),
			UTC:            f.TimestampUTC,
		},
		SCN:        builder.SCNEncoding(f.SCNEncoding),
		XID:        builder.XIDEncoding(f.XIDEncoding),
		RowID:      rowID,
		Schema:     builder.SchemaInclusion(f.SchemaInclusion),
		Columns:    builder.ColumnSelection(f.ColumnSelection),
		Unknown:    unknown,
		MsgFull:    f.MsgFull,
		SkipBegin:  f.SkipBegin,
		SkipCommit: f.SkipCommit,
		Compress:   f.Compress,
	}
}

func representationOf(iso8601 bool) builder.TimeRepresentation {
	if iso8601 {
		return builder.RepresentationISO8601
	}
	return builder.RepresentationEpoch
}
