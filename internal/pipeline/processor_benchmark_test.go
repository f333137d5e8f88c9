package pipeline

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/thumbdata/internal/codec"
	"github.com/dunamismax/thumbdata/internal/color"
	"github.com/dunamismax/thumbdata/internal/thumbdata"
	"github.com/rs/zerolog"
)

func BenchmarkProcessorFullHD(b *testing.B) {
	benchmarkProcessor(b, false)
}

func BenchmarkProcessorFullHDWithDominantColor(b *testing.B) {
	benchmarkProcessor(b, true)
}

func benchmarkProcessor(b *testing.B, dominant bool) {
	source := benchmarkPNG(b, 1920, 1080)
	processor, err := NewProcessor(Config{
		OutputBucket:  "thumbs",
		PixelBudget:   thumbdata.DefaultPixelBudget,
		Timeout:       time.Minute,
		ScratchDir:    b.TempDir(),
		DominantColor: dominant,
	}, staticStore{data: source}, codec.ImagingCodec{}, color.Analyzer{}, zerolog.Nop())
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evt := finalizedEvent(fmt.Sprintf("bench-%d.png", i))
		if _, err := processor.Process(context.Background(), evt); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

// staticStore serves the same source for every object and discards uploads.
type staticStore struct {
	data []byte
}

func (s staticStore) Download(_ context.Context, _, _, localPath string) error {
	return os.WriteFile(localPath, s.data, 0o600)
}

func (staticStore) Metadata(context.Context, string, string) (map[string]string, error) {
	return map[string]string{"source": "benchmark"}, nil
}

func (staticStore) Upload(context.Context, string, string, string, string, map[string]string) error {
	return nil
}

func benchmarkPNG(b *testing.B, w, h int) []byte {
	b.Helper()
	return encodeGradientPNG(b, w, h)
}
