package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeSweep  = "wizard:sweep"
	TypePurge  = "wizard:purge"
	TypeExpire = "wizard:expire"
)

// Lifecycle is the session housekeeping the job handlers drive
type Lifecycle interface {
	SweepExpired(ctx context.Context) (int, error)
	PurgeInactive(ctx context.Context) (int, error)
	ExpireSession(ctx context.Context, wizardID string) (bool, error)
}

// Schedule sets how often the periodic tasks run
type Schedule struct {
	SweepInterval time.Duration
	PurgeInterval time.Duration
}

type JobServer struct {
	server    *asynq.Server
	client    *asynq.Client
	scheduler *asynq.Scheduler
	lifecycle Lifecycle
	schedule  Schedule
	log       *zap.Logger
}

func NewJobServer(redisAddr string, lifecycle Lifecycle, schedule Schedule, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})

	return &JobServer{
		server:    server,
		client:    client,
		scheduler: scheduler,
		lifecycle: lifecycle,
		schedule:  schedule,
		log:       log,
	}, client
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()

	// Register job handlers
	mux.HandleFunc(TypeSweep, js.HandleSweep)
	mux.HandleFunc(TypePurge, js.HandlePurge)
	mux.HandleFunc(TypeExpire, js.HandleExpire)

	if err := js.registerPeriodic(); err != nil {
		return err
	}
	if err := js.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return js.server.Start(mux)
}

func (js *JobServer) registerPeriodic() error {
	if js.schedule.SweepInterval > 0 {
		spec := fmt.Sprintf("@every %s", js.schedule.SweepInterval)
		if _, err := js.scheduler.Register(spec, asynq.NewTask(TypeSweep, nil), asynq.Queue("default")); err != nil {
			return fmt.Errorf("failed to register sweep: %w", err)
		}
	}
	if js.schedule.PurgeInterval > 0 {
		spec := fmt.Sprintf("@every %s", js.schedule.PurgeInterval)
		if _, err := js.scheduler.Register(spec, asynq.NewTask(TypePurge, nil), asynq.Queue("low")); err != nil {
			return fmt.Errorf("failed to register purge: %w", err)
		}
	}
	return nil
}

func (js *JobServer) Stop() {
	js.scheduler.Shutdown()
	js.server.Shutdown()
	js.client.Close()
}

// Job handlers

func (js *JobServer) HandleSweep(ctx context.Context, t *asynq.Task) error {
	count, err := js.lifecycle.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep sessions: %w", err)
	}
	if count > 0 {
		js.log.Info("Expired sessions swept", zap.Int("count", count))
	}
	return nil
}

func (js *JobServer) HandlePurge(ctx context.Context, t *asynq.Task) error {
	count, err := js.lifecycle.PurgeInactive(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge sessions: %w", err)
	}
	if count > 0 {
		js.log.Info("Inactive sessions purged", zap.Int("count", count))
	}
	return nil
}

func (js *JobServer) HandleExpire(ctx context.Context, t *asynq.Task) error {
	wizardID := string(t.Payload())

	// A session extended after scheduling is simply not expired yet
	expired, err := js.lifecycle.ExpireSession(ctx, wizardID)
	if err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	if expired {
		js.log.Info("Session expired", zap.String("wizard_id", wizardID))
	}
	return nil
}

// Schedule jobs

// ScheduleSessionExpiry enqueues an expiry check just after expiresAt
func ScheduleSessionExpiry(client *asynq.Client, wizardID string, expiresAt time.Time) error {
	task := asynq.NewTask(TypeExpire, []byte(wizardID))
	delay := time.Until(expiresAt) + time.Second
	if delay < 0 {
		delay = 0
	}
	_, err := client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue("critical"))
	return err
}
