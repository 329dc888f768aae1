// Package worker runs queued bulk ingest tasks.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/pablobfonseca/go-meal-vector/blobstore"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/ingest"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/queue"
)

const TaskTypeBulkIngest = "bulk_ingest"

// StagingPrefix holds uploaded images until their task has run.
const StagingPrefix = "staging/"

// StagedFile is one uploaded image waiting in blob storage.
type StagedFile struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// BulkIngestTask is the data of a bulk_ingest task.
type BulkIngestTask struct {
	Bucket     string       `json:"bucket"`
	Files      []StagedFile `json:"files"`
	MealType   string       `json:"meal_type"`
	CapturedAt time.Time    `json:"captured_at"`
	FastPath   bool         `json:"fast_path"`
	ChunkSize  int          `json:"chunk_size,omitempty"`
	Notes      string       `json:"notes,omitempty"`
}

// TaskQueue is the part of queue.Queue the worker needs.
type TaskQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.TaskPayload, error)
	SetStatus(ctx context.Context, taskID string, status queue.Status) error
	StoreResult(ctx context.Context, taskID string, result any) error
}

// Enqueuer is the part of queue.Queue the HTTP surface needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, data any) (string, error)
}

// Submit stages items in blob storage and enqueues one bulk_ingest task for
// them. Staged blobs are removed if the enqueue fails.
func Submit(ctx context.Context, q Enqueuer, blobs blobstore.Store, bucket string, items []ingest.Item, opts ingest.BulkOptions, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")
	batch := fmt.Sprintf("%d", time.Now().UnixNano())
	task := BulkIngestTask{
		Bucket:    bucket,
		FastPath:  opts.FastPath,
		ChunkSize: opts.ChunkSize,
		Notes:     opts.Notes,
	}
	if len(items) > 0 {
		task.MealType = string(items[0].MealType)
		task.CapturedAt = items[0].CapturedAt
	}
	for i, item := range items {
		key := fmt.Sprintf("%s%s/%03d_%s", StagingPrefix, batch, i, path.Base(item.Filename))
		if err := blobs.Put(ctx, bucket, key, item.Image, item.ContentType); err != nil {
			unstage(ctx, blobs, bucket, task.Files, logger)
			return "", err
		}
		task.Files = append(task.Files, StagedFile{Key: key, Filename: item.Filename, ContentType: item.ContentType})
	}
	id, err := q.Enqueue(ctx, TaskTypeBulkIngest, task)
	if err != nil {
		unstage(ctx, blobs, bucket, task.Files, logger)
		return "", err
	}
	return id, nil
}

func unstage(ctx context.Context, blobs blobstore.Store, bucket string, files []StagedFile, logger *slog.Logger) {
	for _, f := range files {
		if err := blobs.Delete(ctx, bucket, f.Key); err != nil {
			logger.Warn("error removing staged image", "bucket", bucket, "key", f.Key, "error", err)
		}
	}
}

// Worker represents a pool of goroutines that process tasks from a queue
type Worker struct {
	queue      TaskQueue
	ingest     *ingest.Service
	blobs      blobstore.Store
	numWorkers int
	poll       time.Duration
	logger     *slog.Logger
}

func NewWorker(q TaskQueue, ing *ingest.Service, blobs blobstore.Store, numWorkers int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Worker{
		queue:      q,
		ingest:     ing,
		blobs:      blobs,
		numWorkers: numWorkers,
		poll:       5 * time.Second,
		logger:     logger.With("component", "worker"),
	}
}

// Run processes tasks until ctx is done and every goroutine has returned.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("starting workers", "count", w.numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < w.numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.processItems(ctx, id)
		}(i)
	}
	wg.Wait()
	w.logger.Info("all workers stopped")
}

// processItems continuously processes tasks from the queue
func (w *Worker) processItems(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, w.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("error dequeueing task", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}
		w.Handle(ctx, task)
	}
}

// Handle runs a single task and stores its status and result. Task failures
// are recorded, never returned.
func (w *Worker) Handle(ctx context.Context, task *queue.TaskPayload) {
	logger := w.logger.With("task_id", task.TaskID, "task_type", task.TaskType)
	logger.Info("processing task")

	if err := w.queue.SetStatus(ctx, task.TaskID, queue.StatusProcessing); err != nil {
		logger.Warn("error updating task status", "error", err)
	}

	var (
		result any
		err    error
	)
	switch task.TaskType {
	case TaskTypeBulkIngest:
		var res *ingest.BulkResult
		res, err = w.processBulkIngest(ctx, task)
		if res != nil {
			result = res
		}
	default:
		err = errortypes.Validation(fmt.Sprintf("unknown task type %q", task.TaskType))
	}

	status := queue.StatusCompleted
	if err != nil {
		status = queue.StatusFailed
		out := map[string]any{"error": err.Error()}
		if result != nil {
			out["result"] = result
		}
		result = out
		errortypes.LogError(logger, err)
	}
	if err := w.queue.StoreResult(ctx, task.TaskID, result); err != nil {
		logger.Warn("error storing task result", "error", err)
	}
	if err := w.queue.SetStatus(ctx, task.TaskID, status); err != nil {
		logger.Warn("error updating task status", "error", err)
	}
}

func (w *Worker) processBulkIngest(ctx context.Context, task *queue.TaskPayload) (*ingest.BulkResult, error) {
	var data BulkIngestTask
	if err := task.Decode(&data); err != nil {
		return nil, err
	}
	mealType, err := models.ParseMealType(data.MealType)
	if err != nil {
		return nil, errortypes.Validation(err.Error())
	}
	defer unstage(context.WithoutCancel(ctx), w.blobs, data.Bucket, data.Files, w.logger)

	items := make([]ingest.Item, 0, len(data.Files))
	for _, f := range data.Files {
		img, _, err := w.blobs.Get(ctx, data.Bucket, f.Key)
		if err != nil {
			w.logger.Warn("staged image unreadable", "task_id", task.TaskID, "key", f.Key, "error", err)
		}
		items = append(items, ingest.Item{
			Image:       img,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			MealType:    mealType,
			CapturedAt:  data.CapturedAt,
			LoadErr:     err,
		})
	}

	res := w.ingest.IngestBulk(ctx, items, ingest.BulkOptions{
		FastPath:  data.FastPath,
		ChunkSize: data.ChunkSize,
		Notes:     data.Notes,
	})
	if !res.Success {
		return res, fmt.Errorf("bulk ingest failed: %s", res.Error)
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
