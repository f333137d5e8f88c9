package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/thumbdata/internal/codec"
	thumbcolor "github.com/dunamismax/thumbdata/internal/color"
	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/thumbdata"
	"github.com/rs/zerolog"
)

type upload struct {
	bucket      string
	name        string
	contentType string
	metadata    map[string]string
	data        []byte
}

type fakeStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	metadata    map[string]map[string]string
	uploads     []upload
	calls       int
	downloadErr error
	uploadErr   error
	block       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (s *fakeStore) put(bucket, name string, data []byte, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+name] = data
	s.metadata[bucket+"/"+name] = metadata
}

func (s *fakeStore) Download(ctx context.Context, bucket, objectName, localPath string) error {
	s.mu.Lock()
	s.calls++
	data, ok := s.objects[bucket+"/"+objectName]
	block := s.block
	err := s.downloadErr
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, objectName)
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (s *fakeStore) Metadata(_ context.Context, bucket, objectName string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.metadata[bucket+"/"+objectName], nil
}

func (s *fakeStore) Upload(_ context.Context, localPath, bucket, objectName, contentType string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.uploadErr != nil {
		return s.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.uploads = append(s.uploads, upload{
		bucket:      bucket,
		name:        objectName,
		contentType: contentType,
		metadata:    metadata,
		data:        data,
	})
	return nil
}

type fixedColor string

func (c fixedColor) Dominant(context.Context, string) (string, error) {
	return string(c), nil
}

func newTestProcessor(t *testing.T, store ObjectStore, dominant bool) (*Processor, string) {
	t.Helper()
	scratchRoot := t.TempDir()
	processor, err := NewProcessor(Config{
		OutputBucket:  "thumbs",
		PixelBudget:   thumbdata.DefaultPixelBudget,
		Timeout:       30 * time.Second,
		ScratchDir:    scratchRoot,
		DominantColor: dominant,
	}, store, codec.ImagingCodec{}, fixedColor("#336699"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return processor, scratchRoot
}

func finalizedEvent(name string) domain.ObjectEvent {
	return domain.ObjectEvent{
		Bucket:         "photos",
		Name:           name,
		ResourceState:  domain.ResourceStateExists,
		Metageneration: domain.InitialMetageneration,
		Generation:     "1700000000000000",
	}
}

func TestProcessorSkipsNonCreationEvents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.ObjectEvent)
		reason string
	}{
		{
			name:   "deleted",
			mutate: func(e *domain.ObjectEvent) { e.ResourceState = domain.ResourceStateNotExists },
			reason: domain.SkipReasonDeleted,
		},
		{
			name:   "metadata update",
			mutate: func(e *domain.ObjectEvent) { e.Metageneration = "2" },
			reason: domain.SkipReasonMetadataUpdate,
		},
		{
			name:   "own artifact",
			mutate: func(e *domain.ObjectEvent) { e.Name = "cat.jpg.thumbdata" },
			reason: domain.SkipReasonDerivedArtifact,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			processor, scratchRoot := newTestProcessor(t, store, true)

			evt := finalizedEvent("cat.jpg")
			tc.mutate(&evt)

			result, err := processor.Process(context.Background(), evt)
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if !result.Skipped || result.SkipReason != tc.reason {
				t.Fatalf("expected skip %q, got %+v", tc.reason, result)
			}
			if store.calls != 0 {
				t.Fatalf("expected no storage calls, got %d", store.calls)
			}
			assertEmptyDir(t, scratchRoot)
		})
	}
}

func TestProcessorWritesThumbdata(t *testing.T) {
	store := newFakeStore()
	store.put("photos", "albums/cat.png", buildTestPNG(t, 390, 262), map[string]string{"owner": "alice"})
	processor, scratchRoot := newTestProcessor(t, store, true)

	result, err := processor.Process(context.Background(), finalizedEvent("albums/cat.png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if result.Skipped {
		t.Fatalf("expected event to be processed")
	}
	if result.Width != 61 || result.Height != 41 {
		t.Fatalf("expected 61x41, got %dx%d", result.Width, result.Height)
	}
	if len(store.uploads) != 1 {
		t.Fatalf("expected exactly one upload, got %d", len(store.uploads))
	}

	out := store.uploads[0]
	if out.bucket != "thumbs" || out.name != "albums/cat.png.thumbdata" {
		t.Fatalf("unexpected destination %s/%s", out.bucket, out.name)
	}
	if out.contentType != domain.ArtifactContentType {
		t.Fatalf("unexpected content type %q", out.contentType)
	}
	if out.metadata["owner"] != "alice" || out.metadata[domain.MetadataKeyDominantColor] != "#336699" {
		t.Fatalf("unexpected metadata %v", out.metadata)
	}
	if !bytes.Equal(out.data[:thumbdata.HeaderSize], []byte{0x01, 0x01, 61, 41}) {
		t.Fatalf("unexpected header % x", out.data[:thumbdata.HeaderSize])
	}
	if result.Bytes != len(out.data) {
		t.Fatalf("result reports %d bytes, uploaded %d", result.Bytes, len(out.data))
	}

	record, err := thumbdata.ParseRecord(out.data)
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	verifyReassembles(t, record)
	assertEmptyDir(t, scratchRoot)
}

func TestProcessorOriginalMetadataWins(t *testing.T) {
	store := newFakeStore()
	store.put("photos", "cat.png", buildTestPNG(t, 120, 80), map[string]string{
		domain.MetadataKeyDominantColor: "#000000",
	})
	processor, _ := newTestProcessor(t, store, true)

	result, err := processor.Process(context.Background(), finalizedEvent("cat.png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := store.uploads[0].metadata[domain.MetadataKeyDominantColor]; got != "#000000" {
		t.Fatalf("expected original dominantColor to win, got %q", got)
	}
	if result.DominantColor != "#336699" {
		t.Fatalf("expected computed color in result, got %q", result.DominantColor)
	}
}

func TestProcessorWithoutDominantColor(t *testing.T) {
	store := newFakeStore()
	store.put("photos", "cat.png", buildTestPNG(t, 120, 80), nil)
	processor, _ := newTestProcessor(t, store, false)

	if _, err := processor.Process(context.Background(), finalizedEvent("cat.png")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := store.uploads[0].metadata[domain.MetadataKeyDominantColor]; ok {
		t.Fatalf("expected no dominantColor key, got %v", store.uploads[0].metadata)
	}
}

func TestProcessorPlainSourcesWithColorAnalyzer(t *testing.T) {
	tests := []struct {
		name      string
		object    string
		data      []byte
		wantColor string
	}{
		{name: "white jpeg", object: "white.jpg", data: encodeSolidJPEG(t, 400, 300, color.White), wantColor: "#FFFFFF"},
		{name: "black png", object: "black.png", data: encodeSolidPNG(t, 120, 80, color.NRGBA{A: 255}), wantColor: "#000000"},
		{name: "transparent png", object: "clear.png", data: encodeSolidPNG(t, 120, 80, color.NRGBA{}), wantColor: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.put("photos", tc.object, tc.data, nil)
			processor, err := NewProcessor(Config{
				OutputBucket:  "thumbs",
				PixelBudget:   thumbdata.DefaultPixelBudget,
				ScratchDir:    t.TempDir(),
				DominantColor: true,
			}, store, codec.ImagingCodec{}, thumbcolor.Analyzer{}, zerolog.Nop())
			if err != nil {
				t.Fatalf("new processor: %v", err)
			}

			result, err := processor.Process(context.Background(), finalizedEvent(tc.object))
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if len(store.uploads) != 1 {
				t.Fatalf("expected exactly one upload, got %d", len(store.uploads))
			}
			got, ok := store.uploads[0].metadata[domain.MetadataKeyDominantColor]
			if tc.wantColor == "" {
				if result.DominantColor != "" || ok {
					t.Fatalf("expected no dominant color, got %q (metadata %q)", result.DominantColor, got)
				}
			} else {
				// Lossy sources may land a step or two off pure white.
				if !thumbcolor.Near(result.DominantColor, tc.wantColor, 8) {
					t.Fatalf("expected dominant color near %s, got %q", tc.wantColor, result.DominantColor)
				}
				if got != result.DominantColor {
					t.Fatalf("expected dominantColor %q in metadata, got %q", result.DominantColor, got)
				}
			}

			record, err := thumbdata.ParseRecord(store.uploads[0].data)
			if err != nil {
				t.Fatalf("parse artifact: %v", err)
			}
			verifyReassembles(t, record)
		})
	}
}

func TestProcessorFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeStore)
		sentinel error
		stage    string
	}{
		{
			name: "download failure",
			setup: func(s *fakeStore) {
				s.downloadErr = errors.New("connection reset")
			},
			sentinel: domain.ErrDownload,
			stage:    StageDownload,
		},
		{
			name: "not an image",
			setup: func(s *fakeStore) {
				s.put("photos", "cat.png", []byte("plain text, not pixels"), nil)
			},
			sentinel: domain.ErrDecode,
			stage:    StageIdentify,
		},
		{
			name: "upload failure",
			setup: func(s *fakeStore) {
				s.put("photos", "cat.png", buildTestPNG(t, 64, 64), nil)
				s.uploadErr = errors.New("quota exceeded")
			},
			sentinel: domain.ErrUpload,
			stage:    StageUpload,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			tc.setup(store)
			processor, scratchRoot := newTestProcessor(t, store, true)

			_, err := processor.Process(context.Background(), finalizedEvent("cat.png"))
			if !errors.Is(err, tc.sentinel) {
				t.Fatalf("expected %v, got %v", tc.sentinel, err)
			}

			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				t.Fatalf("expected StageError, got %T", err)
			}
			if stageErr.Stage != tc.stage || stageErr.Object != "cat.png" {
				t.Fatalf("unexpected stage error %+v", stageErr)
			}
			if len(store.uploads) != 0 {
				t.Fatalf("expected no uploads, got %d", len(store.uploads))
			}
			assertEmptyDir(t, scratchRoot)
		})
	}
}

func TestProcessorTimeout(t *testing.T) {
	store := newFakeStore()
	store.block = true

	processor, err := NewProcessor(Config{
		OutputBucket: "thumbs",
		PixelBudget:  thumbdata.DefaultPixelBudget,
		Timeout:      50 * time.Millisecond,
		ScratchDir:   t.TempDir(),
	}, store, codec.ImagingCodec{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	_, err = processor.Process(context.Background(), finalizedEvent("cat.png"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !domain.Retriable(err) {
		t.Fatalf("expected timeout to be retriable")
	}
}

func TestProcessorConcurrentInvocations(t *testing.T) {
	store := newFakeStore()
	source := buildTestPNG(t, 200, 150)
	const n = 8
	for i := 0; i < n; i++ {
		store.put("photos", fmt.Sprintf("img-%d.png", i), source, nil)
	}
	processor, scratchRoot := newTestProcessor(t, store, true)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := processor.Process(context.Background(), finalizedEvent(fmt.Sprintf("img-%d.png", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	seen := make(map[string]bool)
	for _, out := range store.uploads {
		seen[out.name] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct artifacts, got %d", n, len(seen))
	}
	assertEmptyDir(t, scratchRoot)
}

func TestNewProcessorValidatesConfig(t *testing.T) {
	store := newFakeStore()
	valid := Config{OutputBucket: "thumbs", PixelBudget: 2500}

	tests := []struct {
		name   string
		cfg    Config
		colors ColorAnalyzer
	}{
		{name: "missing bucket", cfg: Config{PixelBudget: 2500}},
		{name: "zero budget", cfg: Config{OutputBucket: "thumbs"}},
		{name: "color without analyzer", cfg: Config{OutputBucket: "thumbs", PixelBudget: 2500, DominantColor: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProcessor(tc.cfg, store, codec.ImagingCodec{}, tc.colors, zerolog.Nop()); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}

	processor, err := NewProcessor(valid, store, codec.ImagingCodec{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if processor.cfg.Timeout != DefaultTimeout || processor.cfg.ScratchDir == "" {
		t.Fatalf("expected defaults to be applied, got %+v", processor.cfg)
	}
}

// verifyReassembles prepends the header of a reference encoding with the
// same dimensions and quality, which is how consumers rebuild the preview.
func verifyReassembles(t *testing.T, record thumbdata.Record) {
	t.Helper()

	w, h := record.Width(), record.Height()
	var ref bytes.Buffer
	if err := jpeg.Encode(&ref, image.NewRGBA(image.Rect(0, 0, w, h)), &jpeg.Options{Quality: codec.Quality}); err != nil {
		t.Fatalf("encode reference: %v", err)
	}
	sos := thumbdata.FindMarker(thumbdata.MarkerSOS, 0, ref.Bytes())
	if sos == thumbdata.NotFound {
		t.Fatalf("reference has no scan")
	}

	rebuilt := append([]byte{}, ref.Bytes()[:sos+2]...)
	rebuilt = append(rebuilt, record.Payload...)
	rebuilt = append(rebuilt, thumbdata.MarkerEscape, thumbdata.MarkerEOI)

	img, err := jpeg.Decode(bytes.NewReader(rebuilt))
	if err != nil {
		t.Fatalf("decode rebuilt preview: %v", err)
	}
	if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
		t.Fatalf("rebuilt preview is %v", img.Bounds())
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch root to be empty, found %d entries", len(entries))
	}
}

func buildTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	return encodeGradientPNG(t, width, height)
}

func encodeGradientPNG(tb testing.TB, width, height int) []byte {
	tb.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / max(1, width-1)),
				G: uint8((y * 255) / max(1, height-1)),
				B: 180,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func solidImage(width, height int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodeSolidPNG(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(width, height, c)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeSolidJPEG(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(width, height, c), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
