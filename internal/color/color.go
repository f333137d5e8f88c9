// Package color picks a representative color for a source image.
package color

import (
	"context"
	"fmt"
	"image"
	"strconv"

	"github.com/EdlinOrg/prominentcolor"
	"github.com/disintegration/imaging"
	"github.com/dunamismax/thumbdata/internal/domain"
)

const clusters = 3

type Analyzer struct{}

// Dominant returns the center of the largest k-means cluster as #RRGGBB,
// or "" when the image has no opaque pixels.
func (Analyzer) Dominant(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	img, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", domain.ErrDecode, path, err)
	}
	return dominant(img), nil
}

// dominant prefers clusters outside the usual white, black and green
// backdrops. When masking leaves nothing (plain white or black sources) it
// clusters every pixel instead. A fully transparent image has no color and
// yields "" without error.
func dominant(img image.Image) string {
	items, err := kmeans(img, prominentcolor.GetDefaultMasks())
	if err != nil || len(items) == 0 {
		items, err = kmeans(img, nil)
	}
	if err != nil || len(items) == 0 {
		return ""
	}

	best := items[0]
	for _, item := range items[1:] {
		if item.Cnt > best.Cnt {
			best = item
		}
	}
	return Hex(best.Color.R, best.Color.G, best.Color.B)
}

func kmeans(img image.Image, masks []prominentcolor.ColorBackgroundMask) ([]prominentcolor.ColorItem, error) {
	return prominentcolor.KmeansWithAll(
		clusters,
		img,
		prominentcolor.ArgumentNoCropping,
		prominentcolor.DefaultSize,
		masks,
	)
}

func Hex(r, g, b uint32) string {
	return fmt.Sprintf("#%02X%02X%02X", r&0xFF, g&0xFF, b&0xFF)
}

// Near reports whether two #RRGGBB colors differ by at most tol on every
// channel. Malformed values never match.
func Near(a, b string, tol int) bool {
	if len(a) != 7 || len(b) != 7 || a[0] != '#' || b[0] != '#' {
		return false
	}
	for i := 1; i < 7; i += 2 {
		x, err := strconv.ParseUint(a[i:i+2], 16, 8)
		if err != nil {
			return false
		}
		y, err := strconv.ParseUint(b[i:i+2], 16, 8)
		if err != nil {
			return false
		}
		if d := int(x) - int(y); d > tol || -d > tol {
			return false
		}
	}
	return true
}
