//go:build govips && cgo

package codec

import (
	"context"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	if err := Startup(); err != nil {
		panic(err)
	}
	code := m.Run()
	Shutdown()
	os.Exit(code)
}

func TestGovipsCodecEncodesThreeComponents(t *testing.T) {
	ctx := context.Background()
	for name, path := range colorspaceSources(t) {
		t.Run(name, func(t *testing.T) {
			c := GovipsCodec{}
			if _, err := c.ResizeAndEncode(ctx, path, 61, 41); err != nil {
				t.Fatalf("resize: %v", err)
			}
			if err := c.Blur(ctx, path, BlurSigma); err != nil {
				t.Fatalf("blur: %v", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read output: %v", err)
			}
			assertBaselineJPEG(t, data)
			if n := frameComponents(t, data); n != 3 {
				t.Fatalf("expected 3 frame components, got %d", n)
			}
		})
	}
}
