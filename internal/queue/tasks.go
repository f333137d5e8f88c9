package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeObjectFinalized = "object:finalized"

type ObjectFinalizedPayload struct {
	Event      domain.ObjectEvent `json:"event"`
	ReceivedAt time.Time          `json:"received_at"`
}

func NewObjectFinalizedTask(payload ObjectFinalizedPayload) (*asynq.Task, error) {
	if err := payload.Event.Validate(); err != nil {
		return nil, fmt.Errorf("validate object event: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal object payload: %w", err)
	}
	return asynq.NewTask(TypeObjectFinalized, body), nil
}

func ParseObjectFinalizedPayload(task *asynq.Task) (ObjectFinalizedPayload, error) {
	var payload ObjectFinalizedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ObjectFinalizedPayload{}, fmt.Errorf("unmarshal object payload: %w", err)
	}
	if err := payload.Event.Validate(); err != nil {
		return ObjectFinalizedPayload{}, fmt.Errorf("validate object event: %w", err)
	}
	return payload, nil
}
