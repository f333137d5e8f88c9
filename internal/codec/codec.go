// Package codec wraps the image engine that decodes sources, fits them
// into the planned thumbnail box, blurs them and re-encodes them as
// baseline JPEG.
//
// The encoder settings below are shared with the reconstruction tooling:
// consumers prepend a reference header generated with exactly these
// settings to the stored scan payload. Changing any of them silently
// breaks every consumer.
package codec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/h2non/filetype"
)

const (
	Quality        = 70
	OptimizeCoding = false
	StripMetadata  = true
	BlurSigma      = 1.0
)

type Dimensions struct {
	Width  int
	Height int
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Codec operates on local files in place.
type Codec interface {
	Identify(ctx context.Context, path string) (Dimensions, error)
	// ResizeAndEncode fits the image into width×height and re-encodes it.
	// The engine may round differently than the caller, so callers must
	// Identify the file again instead of trusting the requested box.
	ResizeAndEncode(ctx context.Context, path string, width, height int) (Dimensions, error)
	Blur(ctx context.Context, path string, sigma float64) error
}

// New returns the engine selected at build time.
func New() (Codec, error) {
	return newCodec()
}

func sniff(path string) error {
	kind, err := filetype.MatchFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrDecode, filepath.Base(path), err)
	}
	if kind == filetype.Unknown || kind.MIME.Type != "image" {
		return fmt.Errorf("%w: %s is not a recognizable image", domain.ErrDecode, filepath.Base(path))
	}
	return nil
}

// fitBox scales src to the largest size that fits inside max, upscaling
// when the source is smaller.
func fitBox(srcW, srcH, maxW, maxH int) (int, int) {
	scaleW := float64(maxW) / float64(srcW)
	scaleH := float64(maxH) / float64(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	w := int(float64(srcW)*scale + 0.5)
	h := int(float64(srcH)*scale + 0.5)
	return max(1, min(w, maxW)), max(1, min(h, maxH))
}

// replaceFile writes data next to path and renames it over the original.
func replaceFile(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".codec-*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp output: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func checkBox(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: resize box %dx%d", domain.ErrInvalidInput, width, height)
	}
	return nil
}
