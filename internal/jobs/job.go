package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"AnonChatService/pkg/apperrors"
	"AnonChatService/pkg/server"

	"github.com/google/uuid"
)

// Job единица работы в очереди. Повторная постановка переносит Args без изменений.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Args       json.RawMessage `json:"args"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RequestID  string          `json:"request_id,omitempty"`
}

// NewJob создает задачу, request ID берется из контекста
func NewJob(ctx context.Context, jobType string, args interface{}) (*Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", jobType, err)
	}

	requestID := server.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	return &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Args:       raw,
		EnqueuedAt: time.Now().UTC(),
		RequestID:  requestID,
	}, nil
}

// Decode разбирает аргументы задачи; битые аргументы повторять бессмысленно
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("%w: decode %s args: %v", apperrors.ErrValidation, j.Type, err)
	}
	return nil
}
