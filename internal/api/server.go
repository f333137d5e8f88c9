package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/notify"
	"github.com/dunamismax/thumbdata/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

type Server struct {
	logger                 zerolog.Logger
	queueClient            queueEnqueuer
	rateLimiter            RateLimiter
	rateLimitSubjectHeader string
	metrics                *metrics
	tracer                 trace.Tracer
	mux                    *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueObjectFinalized(ctx context.Context, payload queue.ObjectFinalizedPayload) (*asynq.TaskInfo, error)
}

type Options struct {
	RateLimiter RateLimiter
	// RateLimitSubjectHeader names the header identifying the sender. The
	// remote address is used when it is absent.
	RateLimitSubjectHeader string
}

func NewServer(logger zerolog.Logger, queueClient queueEnqueuer, opts Options) *Server {
	s := &Server{
		logger:                 logger,
		queueClient:            queueClient,
		rateLimiter:            opts.RateLimiter,
		rateLimitSubjectHeader: opts.RateLimitSubjectHeader,
		metrics:                newMetrics(),
		tracer:                 otel.Tracer("thumbdata/api"),
		mux:                    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/notifications/gcs", s.handleGCSNotification)
	s.mux.HandleFunc("POST /v1/notifications/minio", s.handleMinIONotification)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGCSNotification(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	evt, err := notify.ParseGCS(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.ingest(w, r, domain.TriggerGCSPubSub, []domain.ObjectEvent{evt})
}

func (s *Server) handleMinIONotification(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events, err := notify.ParseMinIO(body, domain.TriggerMinIO)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.ingest(w, r, domain.TriggerMinIO, events)
}

type ingestResponse struct {
	Enqueued   int      `json:"enqueued"`
	Skipped    int      `json:"skipped"`
	Duplicates int      `json:"duplicates"`
	TaskIDs    []string `json:"task_ids,omitempty"`
}

// ingest enqueues processable events. Events the pipeline would skip are
// counted and dropped here so they never occupy a worker slot.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, trigger string, events []domain.ObjectEvent) {
	var resp ingestResponse
	receivedAt := time.Now().UTC()

	for _, evt := range events {
		if reason := evt.SkipReason(); reason != "" {
			resp.Skipped++
			s.metrics.eventsSkipped.WithLabelValues(trigger, reason).Inc()
			continue
		}

		info, err := s.queueClient.EnqueueObjectFinalized(r.Context(), queue.ObjectFinalizedPayload{
			Event:      evt,
			ReceivedAt: receivedAt,
		})
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			resp.Duplicates++
			continue
		case err != nil:
			s.logger.Error().
				Err(err).
				Str("bucket", evt.Bucket).
				Str("object", evt.Name).
				Msg("enqueue failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue event"})
			return
		}

		resp.Enqueued++
		resp.TaskIDs = append(resp.TaskIDs, info.ID)
		s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	}

	s.logger.Debug().
		Str("trigger", trigger).
		Int("enqueued", resp.Enqueued).
		Int("skipped", resp.Skipped).
		Int("duplicates", resp.Duplicates).
		Msg("notification ingested")
	writeJSON(w, http.StatusAccepted, resp)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
