package worker

import (
	"context"
	"log"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/service"
)

// LogLevel maps the configured server log level onto asynq's.
func LogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}

// NewServer creates the asynq server running background maintenance.
func NewServer(redisOpt asynq.RedisClientOpt, logLevel string) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			service.QueuePublish:     6,
			service.QueueMaintenance: 4,
		},
		LogLevel: LogLevel(logLevel),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("Task %s failed: %v", task.Type(), err)
		}),
	})
}

// NewServeMux routes task types to their workers.
func NewServeMux(cleanup *CleanupWorker, publish *PublishWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeCleanup, cleanup.ProcessTask)
	mux.HandleFunc(service.TaskTypePublish, publish.ProcessTask)
	return mux
}

// NewScheduler registers the periodic cleanup task under cronspec.
func NewScheduler(redisOpt asynq.RedisClientOpt, cronspec, logLevel string) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		LogLevel: LogLevel(logLevel),
	})
	entryID, err := scheduler.Register(cronspec, service.NewCleanupTask(),
		asynq.Queue(service.QueueMaintenance),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return nil, err
	}
	log.Printf("Scheduled %s (%s) as %s", service.TaskTypeCleanup, cronspec, entryID)
	return scheduler, nil
}
