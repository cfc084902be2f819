package transport

import "encoding/binary"

// headerSize is the fixed 8-byte wire header: a little-endian uint32 total
// frame length (header-inclusive) followed by a little-endian uint32
// correlation id (§3).
const headerSize = 8

// EncodeFrame prepends the 8-byte header to payload and returns a single
// contiguous buffer suitable for one socket write (§4.4, §5 — "each send
// submits a single contiguous buffer").
func EncodeFrame(payload []byte, correlationID uint32) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(headerSize+len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], correlationID)
	copy(buf[headerSize:], payload)
	return buf
}

// decodeHeader parses an 8-byte header buffer into the frame's total length
// and correlation id. The caller is responsible for ensuring buf is exactly
// headerSize bytes.
func decodeHeader(buf [headerSize]byte) (totalLength uint32, correlationID uint32) {
	totalLength = binary.LittleEndian.Uint32(buf[0:4])
	correlationID = binary.LittleEndian.Uint32(buf[4:8])
	return
}
