package service

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task types
const (
	TaskTypePublish = "artifact:publish"
	TaskTypeCleanup = "jobs:cleanup"
)

// Queues
const (
	QueuePublish     = "publish"
	QueueMaintenance = "maintenance"
)

// TaskEnqueuer is the subset of *asynq.Client the services need.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// PublishPayload is the body of an artifact:publish task
type PublishPayload struct {
	JobID string `json:"jobId"`
}

func NewPublishTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(PublishPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePublish, data), nil
}

func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskTypeCleanup, nil)
}
