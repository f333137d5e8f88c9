//go:build govips && cgo

package codec

import (
	"context"
	"fmt"
	"os"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/thumbdata/internal/domain"
)

// GovipsCodec runs libvips. Startup must be called before first use.
type GovipsCodec struct{}

func (GovipsCodec) Identify(ctx context.Context, path string) (Dimensions, error) {
	img, err := loadVips(ctx, path)
	if err != nil {
		return Dimensions{}, err
	}
	defer img.Close()

	return Dimensions{Width: img.Width(), Height: img.Height()}, nil
}

func (GovipsCodec) ResizeAndEncode(ctx context.Context, path string, width, height int) (Dimensions, error) {
	if err := checkBox(width, height); err != nil {
		return Dimensions{}, err
	}

	img, err := loadVips(ctx, path)
	if err != nil {
		return Dimensions{}, err
	}
	defer img.Close()

	w, h := fitBox(img.Width(), img.Height(), width, height)
	hscale := float64(w) / float64(img.Width())
	vscale := float64(h) / float64(img.Height())
	if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return Dimensions{}, fmt.Errorf("%w: resize: %v", domain.ErrDecode, err)
	}

	if err := exportVipsJPEG(path, img); err != nil {
		return Dimensions{}, err
	}
	return Dimensions{Width: img.Width(), Height: img.Height()}, nil
}

func (GovipsCodec) Blur(ctx context.Context, path string, sigma float64) error {
	if sigma <= 0 {
		return fmt.Errorf("%w: blur sigma %v", domain.ErrInvalidInput, sigma)
	}

	img, err := loadVips(ctx, path)
	if err != nil {
		return err
	}
	defer img.Close()

	if err := img.GaussianBlur(sigma); err != nil {
		return fmt.Errorf("%w: blur: %v", domain.ErrDecode, err)
	}
	return exportVipsJPEG(path, img)
}

func loadVips(ctx context.Context, path string) (*vips.ImageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sniff(path); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if img.Width() <= 0 || img.Height() <= 0 {
		img.Close()
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}
	return img, nil
}

// normalizeVips brings grayscale, CMYK and alpha sources to three-band
// sRGB. Transparency is flattened onto black, as the imaging engine does.
func normalizeVips(img *vips.ImageRef) error {
	if img.HasAlpha() {
		if err := img.Flatten(&vips.Color{}); err != nil {
			return fmt.Errorf("%w: flatten alpha: %v", domain.ErrDecode, err)
		}
	}
	if img.Interpretation() != vips.InterpretationSRGB || img.Bands() != 3 {
		if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
			return fmt.Errorf("%w: convert to srgb: %v", domain.ErrDecode, err)
		}
	}
	return nil
}

func exportVipsJPEG(path string, img *vips.ImageRef) error {
	if err := normalizeVips(img); err != nil {
		return err
	}

	params := vips.NewJpegExportParams()
	params.Quality = Quality
	params.OptimizeCoding = OptimizeCoding
	params.StripMetadata = StripMetadata
	params.Interlace = false
	params.SubsampleMode = vips.VipsForeignSubsampleOn

	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return fmt.Errorf("%w: encode jpeg: %v", domain.ErrDecode, err)
	}

	err = replaceFile(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: write jpeg: %v", domain.ErrDecode, err)
	}
	return nil
}
