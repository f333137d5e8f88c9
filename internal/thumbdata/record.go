package thumbdata

import (
	"errors"
	"fmt"

	"github.com/dunamismax/thumbdata/internal/domain"
)

const (
	HeaderSize = 4

	RecordVersion byte = 0x01
	RecordFormat  byte = 0x01
)

// Record is the stored artifact: a 4-byte header followed by the raw
// entropy-coded scan data of the thumbnail.
//
// Width and height are stored in one byte each and wrap at 256. The
// consumer patches real dimensions into a shared header template, so
// the header layout must not change.
type Record struct {
	Header  [HeaderSize]byte
	Payload []byte
}

// Extract cuts the scan payload out of a baseline JPEG buffer. The payload
// starts right after the SOS marker bytes and stops before EOI.
func Extract(buf []byte, width, height int) (Record, error) {
	start := FindMarker(MarkerSOS, 0, buf)
	if start == NotFound {
		return Record{}, fmt.Errorf("%w: start marker not found", domain.ErrFormat)
	}
	end := FindMarker(MarkerEOI, start, buf)
	if end == NotFound {
		return Record{}, fmt.Errorf("%w: end marker not found", domain.ErrFormat)
	}

	payload := make([]byte, end-(start+2))
	copy(payload, buf[start+2:end])

	return Record{
		Header:  [HeaderSize]byte{RecordVersion, RecordFormat, byte(width & 0xFF), byte(height & 0xFF)},
		Payload: payload,
	}, nil
}

func (r Record) Width() int  { return int(r.Header[2]) }
func (r Record) Height() int { return int(r.Header[3]) }

func (r Record) Len() int {
	return HeaderSize + len(r.Payload)
}

func (r Record) Bytes() []byte {
	out := make([]byte, 0, r.Len())
	out = append(out, r.Header[:]...)
	return append(out, r.Payload...)
}

// ParseRecord splits a stored artifact back into header and payload.
func ParseRecord(b []byte) (Record, error) {
	if len(b) < HeaderSize {
		return Record{}, errors.New("record shorter than header")
	}
	if b[0] != RecordVersion {
		return Record{}, fmt.Errorf("unsupported record version %#02x", b[0])
	}
	if b[1] != RecordFormat {
		return Record{}, fmt.Errorf("unsupported record format %#02x", b[1])
	}

	var r Record
	copy(r.Header[:], b[:HeaderSize])
	r.Payload = append([]byte(nil), b[HeaderSize:]...)
	return r, nil
}
