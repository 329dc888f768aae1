// Package queue is a Redis list backed task queue with per-task status and
// result keys.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/redis/go-redis/v9"
)

const DefaultName = "bulk_ingest"

// TTL applies to status and result keys.
const TTL = 24 * time.Hour

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

type TaskPayload struct {
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	Data     json.RawMessage `json:"data"`
	Created  time.Time       `json:"created"`
}

// Decode unmarshals the task data into out.
func (t *TaskPayload) Decode(out any) error {
	if err := json.Unmarshal(t.Data, out); err != nil {
		return errortypes.Validation(fmt.Sprintf("task %s has malformed data: %v", t.TaskID, err))
	}
	return nil
}

// NewTask builds a payload with a fresh id.
func NewTask(taskType string, data any) (*TaskPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &TaskPayload{
		TaskID:   uuid.NewString(),
		TaskType: taskType,
		Data:     raw,
		Created:  time.Now().UTC(),
	}, nil
}

func StatusKey(taskID string) string { return fmt.Sprintf("task:%s:status", taskID) }
func ResultKey(taskID string) string { return fmt.Sprintf("task:%s:result", taskID) }

type Queue struct {
	client *redis.Client
	name   string
	logger *slog.Logger
}

func New(cfg config.QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	name := cfg.QueueName
	if name == "" {
		name = DefaultName
	}
	return &Queue{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		name:   name,
		logger: logger.With("component", "queue", "queue", name),
	}
}

func (q *Queue) Name() string { return q.name }

// Ping checks the connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errortypes.External(err, "redis connection failed")
	}
	q.logger.Info("redis connected")
	return nil
}

func (q *Queue) Close() error { return q.client.Close() }

// Enqueue pushes a task and marks it queued.
func (q *Queue) Enqueue(ctx context.Context, taskType string, data any) (string, error) {
	task, err := NewTask(taskType, data)
	if err != nil {
		return "", errortypes.Validation(fmt.Sprintf("encode task data: %v", err))
	}
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	if err := q.SetStatus(ctx, task.TaskID, StatusQueued); err != nil {
		return "", err
	}
	if err := q.client.RPush(ctx, q.name, taskJSON).Err(); err != nil {
		return "", errortypes.External(err, "enqueue task").WithField("task_type", taskType)
	}
	q.logger.Info("task enqueued", "task_id", task.TaskID, "task_type", taskType)
	return task.TaskID, nil
}

// Dequeue blocks up to timeout for the next task. It returns nil, nil when
// nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*TaskPayload, error) {
	result, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errortypes.External(err, "dequeue task")
	}

	// result holds the list name at index 0 and the payload at index 1
	if len(result) < 2 {
		return nil, errortypes.External(fmt.Errorf("got %d elements", len(result)), "invalid result format from redis")
	}
	var task TaskPayload
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, errortypes.Validation(fmt.Sprintf("malformed task payload: %v", err))
	}
	return &task, nil
}

func (q *Queue) Status(ctx context.Context, taskID string) (Status, error) {
	status, err := q.client.Get(ctx, StatusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusUnknown, nil
		}
		return "", errortypes.External(err, "get task status").WithField("task_id", taskID)
	}
	return Status(status), nil
}

func (q *Queue) SetStatus(ctx context.Context, taskID string, status Status) error {
	if err := q.client.Set(ctx, StatusKey(taskID), string(status), TTL).Err(); err != nil {
		return errortypes.External(err, "set task status").WithField("task_id", taskID)
	}
	return nil
}

// StoreResult saves the JSON encoding of result.
func (q *Queue) StoreResult(ctx context.Context, taskID string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := q.client.Set(ctx, ResultKey(taskID), resultJSON, TTL).Err(); err != nil {
		return errortypes.External(err, "store task result").WithField("task_id", taskID)
	}
	return nil
}

// Result returns the stored result, or nil when there is none yet.
func (q *Queue) Result(ctx context.Context, taskID string) (json.RawMessage, error) {
	resultJSON, err := q.client.Get(ctx, ResultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errortypes.External(err, "get task result").WithField("task_id", taskID)
	}
	return json.RawMessage(resultJSON), nil
}
