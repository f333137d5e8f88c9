package codec

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/thumbdata/internal/domain"
	_ "golang.org/x/image/webp"
)

// ImagingCodec is the pure-Go engine. image/jpeg always writes the
// standard Huffman tables and never emits APPn or COM segments, which
// matches OptimizeCoding=false and StripMetadata=true.
type ImagingCodec struct{}

func (ImagingCodec) Identify(ctx context.Context, path string) (Dimensions, error) {
	if err := ctx.Err(); err != nil {
		return Dimensions{}, err
	}
	if err := sniff(path); err != nil {
		return Dimensions{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Dimensions{}, fmt.Errorf("%w: open source: %v", domain.ErrDecode, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Dimensions{}, fmt.Errorf("%w: decode header: %v", domain.ErrDecode, err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

func (ImagingCodec) ResizeAndEncode(ctx context.Context, path string, width, height int) (Dimensions, error) {
	if err := checkBox(width, height); err != nil {
		return Dimensions{}, err
	}

	src, err := openImage(ctx, path)
	if err != nil {
		return Dimensions{}, err
	}

	bounds := src.Bounds()
	w, h := fitBox(bounds.Dx(), bounds.Dy(), width, height)
	dst := imaging.Resize(src, w, h, imaging.Lanczos)

	if err := encodeJPEG(path, dst); err != nil {
		return Dimensions{}, err
	}
	return Dimensions{Width: w, Height: h}, nil
}

func (ImagingCodec) Blur(ctx context.Context, path string, sigma float64) error {
	if sigma <= 0 {
		return fmt.Errorf("%w: blur sigma %v", domain.ErrInvalidInput, sigma)
	}

	src, err := openImage(ctx, path)
	if err != nil {
		return err
	}
	return encodeJPEG(path, imaging.Blur(src, sigma))
}

func openImage(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}
	return img, nil
}

func encodeJPEG(path string, img image.Image) error {
	err := replaceFile(path, func(f *os.File) error {
		return imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(Quality))
	})
	if err != nil {
		return fmt.Errorf("%w: encode jpeg: %v", domain.ErrDecode, err)
	}
	return nil
}
