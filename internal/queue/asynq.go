package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeGenerate is the asynq task type for episode generation.
	TaskTypeGenerate = "episode:generate"
	// DefaultQueue is the asynq queue generation tasks are sent to.
	DefaultQueue = "episodes"

	followUpDelay = 5 * time.Second
)

// generatePayload is the body of a TaskTypeGenerate task.
type generatePayload struct {
	EpisodeID string `json:"episode_id"`
}

// NewGenerateTask builds the task that generates one episode.
func NewGenerateTask(episodeID string) (*asynq.Task, error) {
	data, err := json.Marshal(generatePayload{EpisodeID: episodeID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGenerate, data), nil
}

// ParseGenerateTask extracts the episode ID from a generation task.
func ParseGenerateTask(t *asynq.Task) (string, error) {
	var p generatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return "", fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if p.EpisodeID == "" {
		return "", errors.New("task payload has no episode_id")
	}
	return p.EpisodeID, nil
}

// NewTaskHandler adapts a Handler to asynq. Malformed payloads are not retried.
func NewTaskHandler(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		id, err := ParseGenerateTask(t)
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return h(ctx, id)
	}
}

// NewServeMux registers the generation handler on a new asynq mux.
func NewServeMux(h Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeGenerate, NewTaskHandler(h))
	return mux
}

// WorkerConfig configures an asynq worker server.
type WorkerConfig struct {
	Concurrency int
	Queue       string
	LogLevel    string
}

// NewWorkerServer builds the asynq server that consumes generation tasks.
func NewWorkerServer(opt asynq.RedisConnOpt, cfg WorkerConfig) *asynq.Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultWorkers
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		LogLevel:    asynqLogLevel(cfg.LogLevel),
	})
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"), strings.EqualFold(level, "warning"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// AsynqRunner submits generations to a Redis-backed asynq queue.
//
// The episode ID is used as the asynq task ID so a given episode is queued
// at most once across every process sharing the Redis instance.
type AsynqRunner struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	logger    *slog.Logger
}

// NewAsynqRunner creates a runner on the given Redis connection.
func NewAsynqRunner(opt asynq.RedisConnOpt, queue string, logger *slog.Logger) *AsynqRunner {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqRunner{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queue,
		logger:    logger,
	}
}

// errTaskActive reports that the task with the requested ID is running.
var errTaskActive = errors.New("task is active")

// Submit enqueues the episode. Retries belong to the episode service, so
// the task itself is never retried by asynq.
func (r *AsynqRunner) Submit(ctx context.Context, episodeID string) error {
	err := r.submitTask(ctx, episodeID, episodeID)
	if !errors.Is(err, errTaskActive) {
		return err
	}

	// The running task may already have decided the outcome; queue one
	// more run behind it.
	err = r.submitTask(ctx, episodeID, followUpTaskID(episodeID), asynq.ProcessIn(followUpDelay))
	if errors.Is(err, errTaskActive) {
		return nil
	}
	return err
}

// submitTask enqueues taskID unless a task with that ID is already waiting.
// Finished tasks keep their ID reserved, so they are deleted and replaced.
func (r *AsynqRunner) submitTask(ctx context.Context, episodeID, taskID string, extra ...asynq.Option) error {
	err := r.enqueue(ctx, episodeID, taskID, extra...)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	info, infoErr := r.inspector.GetTaskInfo(r.queue, taskID)
	if infoErr != nil {
		// The task finished between the enqueue and the lookup.
		return r.enqueue(ctx, episodeID, taskID, extra...)
	}

	switch info.State {
	case asynq.TaskStateActive:
		return errTaskActive
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		if err := r.inspector.DeleteTask(r.queue, taskID); err != nil {
			return fmt.Errorf("delete finished task %s: %w", taskID, err)
		}
		return r.enqueue(ctx, episodeID, taskID, extra...)
	default:
		return nil
	}
}

func followUpTaskID(episodeID string) string {
	return episodeID + ":followup"
}

func (r *AsynqRunner) enqueue(ctx context.Context, episodeID, taskID string, extra ...asynq.Option) error {
	task, err := NewGenerateTask(episodeID)
	if err != nil {
		return err
	}
	opts := append([]asynq.Option{
		asynq.Queue(r.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
	}, extra...)

	info, err := r.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if !errors.Is(err, asynq.ErrTaskIDConflict) {
			r.logger.Error("failed to enqueue generation",
				slog.String("episode_id", episodeID),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	r.logger.Info("generation enqueued",
		slog.String("episode_id", episodeID),
		slog.String("task_id", info.ID),
		slog.String("queue", info.Queue),
	)
	return nil
}

// InFlight reports whether a generation task for the episode is waiting
// or running.
func (r *AsynqRunner) InFlight(episodeID string) bool {
	for _, id := range []string{episodeID, followUpTaskID(episodeID)} {
		info, err := r.inspector.GetTaskInfo(r.queue, id)
		if err != nil {
			continue
		}
		switch info.State {
		case asynq.TaskStateActive, asynq.TaskStatePending, asynq.TaskStateScheduled,
			asynq.TaskStateRetry, asynq.TaskStateAggregating:
			return true
		}
	}
	return false
}

// Close releases the Redis connections.
func (r *AsynqRunner) Close() error {
	return errors.Join(r.client.Close(), r.inspector.Close())
}
