package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cutoutlabs/cutout/internal/domain"
)

const TypeProcessBatch = "batch:process"

type BatchItemRef struct {
	Index     int    `json:"index"`
	Filename  string `json:"filename"`
	SourceKey string `json:"source_key"`
}

type ProcessBatchPayload struct {
	BatchID     string               `json:"batch_id"`
	UserID      string               `json:"user_id,omitempty"`
	SourceType  string               `json:"source_type"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	Spec        domain.TransformSpec `json:"spec"`
	Items       []BatchItemRef       `json:"items"`
	RequestedAt time.Time            `json:"requested_at"`
}

func NewProcessBatchTask(payload ProcessBatchPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return asynq.NewTask(TypeProcessBatch, body), nil
}

func ParseProcessBatchPayload(task *asynq.Task) (ProcessBatchPayload, error) {
	var payload ProcessBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessBatchPayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	return payload, nil
}
