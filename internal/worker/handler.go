package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/pipeline"
	"github.com/dunamismax/thumbdata/internal/webhook"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeProcessed = "processed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

type Processor interface {
	Process(ctx context.Context, evt domain.ObjectEvent) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Handler runs object events through the pipeline. It is shared by every
// delivery path (queue tasks, AMQP messages) so concurrency limits and
// metrics cover all of them.
type Handler struct {
	logger        zerolog.Logger
	processor     Processor
	sem           chan struct{}
	webhookClient webhookSender
	webhookURL    string
	metrics       *metrics
	tracer        trace.Tracer
}

func NewHandler(logger zerolog.Logger, processor Processor, maxActive int, webhookClient webhookSender, webhookURL string) *Handler {
	return &Handler{
		logger:        logger,
		processor:     processor,
		sem:           make(chan struct{}, max(1, maxActive)),
		webhookClient: webhookClient,
		webhookURL:    webhookURL,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("thumbdata/worker"),
	}
}

func (h *Handler) MetricsHandler() http.Handler {
	return h.metrics.Handler()
}

// Handle processes one event. The returned error still carries the domain
// sentinel so callers can decide whether a redelivery may succeed.
func (h *Handler) Handle(ctx context.Context, evt domain.ObjectEvent) error {
	startedAt := time.Now()
	outcome := outcomeFailed
	trigger := evt.Trigger
	if trigger == "" {
		trigger = "unknown"
	}

	ctx, span := h.tracer.Start(ctx, "worker.handle_object", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("object.bucket", evt.Bucket),
		attribute.String("object.name", evt.Name),
		attribute.String("object.generation", evt.Generation),
		attribute.String("event.trigger", trigger),
	)
	defer span.End()
	defer func() {
		h.metrics.eventDuration.WithLabelValues(trigger, outcome).Observe(time.Since(startedAt).Seconds())
		h.metrics.eventsTotal.WithLabelValues(trigger, outcome).Inc()
	}()

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return ctx.Err()
	}
	h.metrics.activeJobs.Inc()
	defer func() {
		<-h.sem
		h.metrics.activeJobs.Dec()
	}()

	logger := h.logger.With().
		Str("bucket", evt.Bucket).
		Str("object", evt.Name).
		Str("trigger", trigger).
		Logger()

	result, err := h.processor.Process(ctx, evt)
	if err != nil {
		var stageErr *pipeline.StageError
		stage := "unknown"
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		h.metrics.stageFailures.WithLabelValues(stage).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		logger.Error().
			Err(err).
			Str("stage", stage).
			Bool("retriable", domain.Retriable(err)).
			Msg("thumbdata generation failed")
		return err
	}

	if result.Skipped {
		outcome = outcomeSkipped
		span.SetAttributes(attribute.String("skip.reason", result.SkipReason))
		span.SetStatus(codes.Ok, "skipped")
		logger.Debug().Str("reason", result.SkipReason).Msg("event skipped")
		return nil
	}

	outcome = outcomeProcessed
	h.metrics.artifactBytes.Observe(float64(result.Bytes))
	h.metrics.sourceBytesTotal.Add(float64(result.SourceBytes))
	span.SetStatus(codes.Ok, "processed")

	h.notify(ctx, logger, evt, result)
	return nil
}

// notify reports a written artifact. The artifact is already durable, so
// delivery failures are logged and never fail the event.
func (h *Handler) notify(ctx context.Context, logger zerolog.Logger, evt domain.ObjectEvent, result pipeline.Result) {
	if h.webhookClient == nil || h.webhookURL == "" {
		return
	}

	err := h.webhookClient.Send(ctx, h.webhookURL, webhook.EventArtifactCreated, webhook.ArtifactCreated{
		SourceBucket:  evt.Bucket,
		SourceObject:  evt.Name,
		Generation:    evt.Generation,
		Bucket:        result.Bucket,
		Artifact:      result.Artifact,
		Width:         result.Width,
		Height:        result.Height,
		Bytes:         result.Bytes,
		DominantColor: result.DominantColor,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		h.metrics.webhookFailures.Inc()
		logger.Warn().Err(err).Msg("webhook delivery failed")
	}
}
