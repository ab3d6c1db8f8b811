package builder

import (
	"encoding/binary"

	"github.com/golang/snappy"
)

// fixedMagicWord precedes every Fixed-encoded frame, for de-synchronization
// detection on the reading side. Distinct from message.fixedFraming's own
// magic word since this package's frames never share a stream with Ring
// frames proper.
var fixedMagicWord = [4]byte{0x72, 0x64, 0x66, 0x31} // "rdf1"

// fixedFrameHeaderLength is the 4-byte magic word plus a little-endian
// uint32 length, matching the layout the Ring's own framing already uses
// for its payload headers.
const fixedFrameHeaderLength = 8

// fixedCompressedBit is stolen from the top of the length field: no
// single change message approaches 2^31 bytes, so the bit is free to mark
// a snappy-compressed body without growing the header.
const fixedCompressedBit = uint32(1) << 31

// encodeFixed wraps an already-JSON-marshaled message body in a minimal
// binary envelope: sinks that want a length-prefixed binary transport
// (rather than newline-delimited JSON) read this header to frame the
// payload without scanning for delimiters. When compress is set the body
// is snappy-compressed first, trading a little CPU for less bytes over
// the wire to network sinks.
func encodeFixed(body []byte, compress bool) []byte {
	var length = uint32(len(body))
	if compress {
		body = snappy.Encode(nil, body)
		length = uint32(len(body)) | fixedCompressedBit
	}
	var out = make([]byte, fixedFrameHeaderLength+len(body))
	copy(out[:4], fixedMagicWord[:])
	binary.LittleEndian.PutUint32(out[4:8], length)
	copy(out[8:], body)
	return out
}

// decodeFixed is the Writer side's inverse of encodeFixed, used by sinks
// and by tests asserting on Fixed-encoded frame contents.
func decodeFixed(frame []byte) (body []byte, ok bool) {
	if len(frame) < fixedFrameHeaderLength {
		return nil, false
	}
	for i := range fixedMagicWord {
		if frame[i] != fixedMagicWord[i] {
			return nil, false
		}
	}
	var length = binary.LittleEndian.Uint32(frame[4:8])
	var compressed = length&fixedCompressedBit != 0
	var size = length &^ fixedCompressedBit
	if len(frame) < fixedFrameHeaderLength+int(size) {
		return nil, false
	}
	body = frame[8 : 8+int(size)]
	if !compressed {
		return body, true
	}
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, false
	}
	return decoded, true
}
