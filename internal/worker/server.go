package worker

import (
	"context"
	"fmt"

	"github.com/dunamismax/thumbdata/internal/config"
	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Server consumes object:finalized tasks from the asynq queue.
type Server struct {
	logger  zerolog.Logger
	server  *asynq.Server
	handler *Handler
}

func NewServer(logger zerolog.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, handler *Handler) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	return &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.WarnLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().
						Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		handler: handler,
	}, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight work.
func (s *Server) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeObjectFinalized, s.handleObjectFinalized)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	<-ctx.Done()
	s.logger.Info().Msg("draining queue workers")
	s.server.Shutdown()
	return nil
}

func (s *Server) handleObjectFinalized(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseObjectFinalizedPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := s.handler.Handle(ctx, payload.Event); err != nil {
		if !domain.Retriable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}
