package service

import (
	"time"

	"orderwizard/internal/jobs"

	"github.com/hibiken/asynq"
)

// JobClient interface for scheduling background jobs
type JobClient interface {
	ScheduleSessionExpiry(wizardID string, expiresAt time.Time) error
}

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleSessionExpiry(wizardID string, expiresAt time.Time) error {
	return jobs.ScheduleSessionExpiry(c.client, wizardID, expiresAt)
}
