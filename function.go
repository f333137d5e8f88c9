// Package thumbdata exposes the pipeline as a Cloud Functions CloudEvent
// function triggered by Cloud Storage object events.
package thumbdata

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/dunamismax/thumbdata/internal/codec"
	"github.com/dunamismax/thumbdata/internal/color"
	"github.com/dunamismax/thumbdata/internal/config"
	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/logging"
	"github.com/dunamismax/thumbdata/internal/notify"
	"github.com/dunamismax/thumbdata/internal/pipeline"
	"github.com/dunamismax/thumbdata/internal/storage"
	"github.com/rs/zerolog"
)

// Cloud Storage CloudEvent types.
const (
	EventFinalized       = "google.cloud.storage.object.v1.finalized"
	EventDeleted         = "google.cloud.storage.object.v1.deleted"
	EventArchived        = "google.cloud.storage.object.v1.archived"
	EventMetadataUpdated = "google.cloud.storage.object.v1.metadataUpdated"
)

type objectProcessor interface {
	Process(ctx context.Context, evt domain.ObjectEvent) (pipeline.Result, error)
}

var (
	logger = logging.New("thumbdata-function")
	shared = &lazyProcessor{build: func(ctx context.Context) (objectProcessor, error) {
		return buildProcessor(ctx, logger)
	}}
)

func init() {
	functions.CloudEvent("GenerateThumbData", GenerateThumbData)
}

// GenerateThumbData is the function entry point. Concurrent invocations
// share one processor, built on first use and never mutated afterwards.
func GenerateThumbData(ctx context.Context, e event.Event) error {
	p, err := shared.get(context.Background())
	if err != nil {
		return fmt.Errorf("initialize processor: %w", err)
	}
	return handleEvent(ctx, p, e, logger)
}

// lazyProcessor builds the processor on first use. A failed build is not
// cached, so the next event on the same instance tries again.
type lazyProcessor struct {
	mu    sync.Mutex
	p     objectProcessor
	build func(ctx context.Context) (objectProcessor, error)
}

func (l *lazyProcessor) get(ctx context.Context) (objectProcessor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.p != nil {
		return l.p, nil
	}
	p, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.p = p
	return p, nil
}

func handleEvent(ctx context.Context, p objectProcessor, e event.Event, logger zerolog.Logger) error {
	evt, err := objectEventFrom(e)
	if err != nil {
		logger.Error().Err(err).Str("event_id", e.ID()).Str("event_type", e.Type()).Msg("unreadable storage event")
		return err
	}

	result, err := p.Process(ctx, evt)
	if err != nil {
		return err
	}
	if result.Skipped {
		logger.Debug().
			Str("object", evt.Name).
			Str("reason", result.SkipReason).
			Msg("event skipped")
	}
	return nil
}

// objectEventFrom maps a storage CloudEvent onto an ObjectEvent. The event
// type decides whether the object still exists.
func objectEventFrom(e event.Event) (domain.ObjectEvent, error) {
	evt, err := notify.ParseGCSObject(e.Data())
	if err != nil {
		return domain.ObjectEvent{}, err
	}
	evt.Trigger = domain.TriggerCloudEvent

	switch e.Type() {
	case EventDeleted, EventArchived:
		evt.ResourceState = domain.ResourceStateNotExists
	case EventFinalized, EventMetadataUpdated:
		evt.ResourceState = domain.ResourceStateExists
	default:
		// Legacy payloads carry resourceState themselves.
	}
	return evt, nil
}

func buildProcessor(ctx context.Context, logger zerolog.Logger) (*pipeline.Processor, error) {
	cfg := config.Load()
	if strings.TrimSpace(os.Getenv("STORAGE_BACKEND")) == "" {
		cfg.Storage.Backend = storage.BackendGCS
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := codec.Startup(); err != nil {
		return nil, fmt.Errorf("start codec: %w", err)
	}
	c, err := codec.New()
	if err != nil {
		return nil, err
	}

	// The store lives as long as the function instance, so it is never closed.
	store, _, err := storage.Open(ctx, cfg.Storage.Backend, storage.ConfigFrom(cfg.Storage))
	if err != nil {
		return nil, err
	}

	return pipeline.NewProcessor(pipeline.Config{
		OutputBucket:  cfg.Pipeline.OutputBucket,
		PixelBudget:   cfg.Pipeline.PixelBudget,
		Timeout:       cfg.Pipeline.Timeout,
		ScratchDir:    cfg.Pipeline.ScratchDir,
		DominantColor: cfg.Pipeline.DominantColor,
	}, store, c, color.Analyzer{}, logger)
}
