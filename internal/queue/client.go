package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueObjectFinalized schedules one pipeline run. Events that carry a
// generation are deduplicated by task ID, so a redelivered notification
// for the same object version is rejected with asynq.ErrTaskIDConflict.
func (c *Client) EnqueueObjectFinalized(ctx context.Context, payload ObjectFinalizedPayload) (*asynq.TaskInfo, error) {
	task, err := NewObjectFinalizedTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.options(payload)...)
}

func (c *Client) options(payload ObjectFinalizedPayload) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(3 * time.Minute),
	}
	if id := payload.Event.TaskID(); id != "" {
		opts = append(opts, asynq.TaskID(id))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
