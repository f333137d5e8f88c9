// Package thumbdata plans thumbnail sizes and cuts the entropy-coded
// payload out of a baseline JPEG stream into the compact thumbdata record.
package thumbdata

const (
	// MarkerEscape introduces every JPEG control marker.
	MarkerEscape byte = 0xFF
	// MarkerSOS is start-of-scan; the compressed payload follows its segment.
	MarkerSOS byte = 0xDA
	// MarkerEOI is end-of-image.
	MarkerEOI byte = 0xD9

	NotFound = -1
)

// FindMarker scans buf from start for the two-byte sequence 0xFF, marker
// and returns the index of the 0xFF byte, or NotFound. Only the previous
// byte is kept as state, so a marker byte that is not preceded by the
// escape byte never matches.
func FindMarker(marker byte, start int, buf []byte) int {
	if start < 0 {
		start = 0
	}

	var prev byte
	for i := start; i < len(buf); i++ {
		b := buf[i]
		if prev == MarkerEscape && b == marker {
			return i - 1
		}
		prev = b
	}
	return NotFound
}
