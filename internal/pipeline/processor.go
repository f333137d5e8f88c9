package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/thumbdata/internal/codec"
	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/thumbdata"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	StageDownload      = "download"
	StageIdentify      = "identify"
	StagePlan          = "plan"
	StageDominantColor = "dominant_color"
	StageMetadata      = "metadata"
	StageResize        = "resize"
	StageFinalIdentify = "final_identify"
	StageBlur          = "blur"
	StageExtract       = "extract"
	StageUpload        = "upload"

	DefaultTimeout = 2 * time.Minute
)

type ObjectStore interface {
	Download(ctx context.Context, bucket, objectName, localPath string) error
	Metadata(ctx context.Context, bucket, objectName string) (map[string]string, error)
	Upload(ctx context.Context, localPath, bucket, objectName, contentType string, metadata map[string]string) error
}

type ColorAnalyzer interface {
	Dominant(ctx context.Context, path string) (string, error)
}

type Config struct {
	OutputBucket  string
	PixelBudget   int
	Timeout       time.Duration
	ScratchDir    string
	DominantColor bool
}

type Result struct {
	Skipped       bool
	SkipReason    string
	Bucket        string
	Artifact      string
	SourceBytes   int64
	Width         int
	Height        int
	Bytes         int
	DominantColor string
	Metadata      map[string]string
}

// StageError names the step that aborted an invocation.
type StageError struct {
	Stage  string
	Bucket string
	Object string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage for %s/%s: %v", e.Stage, e.Bucket, e.Object, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Processor turns one source image into one thumbdata artifact. It holds
// no per-invocation state, so a single Processor serves concurrent events.
type Processor struct {
	cfg    Config
	store  ObjectStore
	codec  codec.Codec
	colors ColorAnalyzer
	logger zerolog.Logger
	tracer trace.Tracer
}

func NewProcessor(cfg Config, store ObjectStore, c codec.Codec, colors ColorAnalyzer, logger zerolog.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if c == nil {
		return nil, errors.New("codec is required")
	}
	if strings.TrimSpace(cfg.OutputBucket) == "" {
		return nil, errors.New("output bucket is required")
	}
	if cfg.PixelBudget <= 0 {
		return nil, fmt.Errorf("pixel budget must be positive, got %d", cfg.PixelBudget)
	}
	if cfg.DominantColor && colors == nil {
		return nil, errors.New("color analyzer is required when dominant color is enabled")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		cfg.ScratchDir = os.TempDir()
	}

	return &Processor{
		cfg:    cfg,
		store:  store,
		codec:  c,
		colors: colors,
		logger: logger,
		tracer: otel.Tracer("thumbdata/pipeline"),
	}, nil
}

func (p *Processor) Process(ctx context.Context, evt domain.ObjectEvent) (Result, error) {
	if err := evt.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	if reason := evt.SkipReason(); reason != "" {
		p.logger.Debug().
			Str("bucket", evt.Bucket).
			Str("object", evt.Name).
			Str("reason", reason).
			Msg("event skipped")
		return Result{Skipped: true, SkipReason: reason}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	invocationID := uuid.NewString()
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("object.bucket", evt.Bucket),
		attribute.String("object.name", evt.Name),
		attribute.String("invocation.id", invocationID),
	)
	defer span.End()

	logger := p.logger.With().
		Str("bucket", evt.Bucket).
		Str("object", evt.Name).
		Str("invocation_id", invocationID).
		Logger()

	work, err := acquireScratch(p.cfg.ScratchDir, invocationID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("prepare scratch space: %w", err)
	}
	defer func() {
		if err := work.release(); err != nil {
			logger.Warn().Err(err).Str("dir", work.dir).Msg("scratch cleanup failed")
		}
	}()

	inv := &invocation{p: p, evt: evt, work: work, logger: logger}
	result, err := inv.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return Result{}, err
	}

	span.SetStatus(codes.Ok, "processed")
	logger.Info().
		Str("artifact", result.Artifact).
		Int("width", result.Width).
		Int("height", result.Height).
		Int("bytes", result.Bytes).
		Msg("thumbdata written")
	return result, nil
}

// invocation carries the state of one event through the linear chain of
// stages. The first failing stage aborts the rest.
type invocation struct {
	p      *Processor
	evt    domain.ObjectEvent
	work   *scratch
	logger zerolog.Logger
}

func (inv *invocation) run(ctx context.Context) (Result, error) {
	var (
		p          = inv.p
		imagePath  = inv.work.path("image")
		recordPath = inv.work.path("record" + domain.ArtifactSuffix)
		source     codec.Dimensions
		plan       thumbdata.Plan
		final      codec.Dimensions
		original   map[string]string
		record     thumbdata.Record
		result     = Result{Bucket: p.cfg.OutputBucket, Artifact: domain.ArtifactName(inv.evt.Name)}
	)

	err := inv.step(ctx, StageDownload, func(ctx context.Context) error {
		if err := p.store.Download(ctx, inv.evt.Bucket, inv.evt.Name, imagePath); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDownload, err)
		}
		info, err := os.Stat(imagePath)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDownload, err)
		}
		result.SourceBytes = info.Size()
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	err = inv.step(ctx, StageIdentify, func(ctx context.Context) (err error) {
		source, err = p.codec.Identify(ctx, imagePath)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	err = inv.step(ctx, StagePlan, func(context.Context) (err error) {
		plan, err = thumbdata.PlanSize(source.Width, source.Height, p.cfg.PixelBudget)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if p.cfg.DominantColor {
		err = inv.step(ctx, StageDominantColor, func(ctx context.Context) (err error) {
			result.DominantColor, err = p.colors.Dominant(ctx, imagePath)
			return err
		})
		if err != nil {
			return Result{}, err
		}
	}

	err = inv.step(ctx, StageMetadata, func(ctx context.Context) (err error) {
		original, err = p.store.Metadata(ctx, inv.evt.Bucket, inv.evt.Name)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDownload, err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	err = inv.step(ctx, StageResize, func(ctx context.Context) error {
		_, err := p.codec.ResizeAndEncode(ctx, imagePath, plan.Width, plan.Height)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	err = inv.step(ctx, StageFinalIdentify, func(ctx context.Context) (err error) {
		final, err = p.codec.Identify(ctx, imagePath)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	err = inv.step(ctx, StageBlur, func(ctx context.Context) error {
		return p.codec.Blur(ctx, imagePath, codec.BlurSigma)
	})
	if err != nil {
		return Result{}, err
	}

	err = inv.step(ctx, StageExtract, func(context.Context) error {
		encoded, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDecode, err)
		}
		record, err = thumbdata.Extract(encoded, final.Width, final.Height)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	result.Metadata = domain.MergeMetadata(result.DominantColor, original)
	err = inv.step(ctx, StageUpload, func(ctx context.Context) error {
		if err := os.WriteFile(recordPath, record.Bytes(), 0o600); err != nil {
			return fmt.Errorf("%w: write record: %w", domain.ErrUpload, err)
		}
		err := p.store.Upload(ctx, recordPath, result.Bucket, result.Artifact, domain.ArtifactContentType, result.Metadata)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrUpload, err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	result.Width = final.Width
	result.Height = final.Height
	result.Bytes = record.Len()
	return result, nil
}

func (inv *invocation) step(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, span := inv.p.tracer.Start(ctx, "pipeline."+stage)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return inv.fail(span, stage, err)
	}

	started := time.Now()
	if err := fn(ctx); err != nil {
		return inv.fail(span, stage, err)
	}

	inv.logger.Debug().
		Str("stage", stage).
		Dur("elapsed", time.Since(started)).
		Msg("stage complete")
	return nil
}

func (inv *invocation) fail(span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	return &StageError{Stage: stage, Bucket: inv.evt.Bucket, Object: inv.evt.Name, Err: err}
}
