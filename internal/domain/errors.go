package domain

import "errors"

// Failure kinds surfaced by a single invocation. None of them are retried
// inside the pipeline; the trigger decides whether to redeliver the event.
var (
	ErrDownload     = errors.New("download failed")
	ErrDecode       = errors.New("decode failed")
	ErrFormat       = errors.New("malformed encoded image")
	ErrInvalidInput = errors.New("invalid input")
	ErrUpload       = errors.New("upload failed")
)

// Retriable reports whether redelivering the same event could succeed.
// Decode, format and dimension failures are properties of the source bytes.
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDecode), errors.Is(err, ErrFormat), errors.Is(err, ErrInvalidInput):
		return false
	default:
		return true
	}
}
