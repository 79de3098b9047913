package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultRetention = 7 * 24 * time.Hour

// LifecycleService extends, expires and garbage-collects sessions
type LifecycleService struct {
	store     store.Store
	bus       EventBus
	jobClient JobClient
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewLifecycleService(st store.Store, bus EventBus, retention time.Duration, log *zap.Logger) *LifecycleService {
	if bus == nil {
		bus = nopBus{}
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LifecycleService{
		store:     st,
		bus:       bus,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// SetJobClient sets the job client for scheduling background jobs
func (l *LifecycleService) SetJobClient(client JobClient) {
	l.jobClient = client
}

// SetClock replaces the time source
func (l *LifecycleService) SetClock(now func() time.Time) {
	l.now = now
}

// Extend pushes the expiry of a live session by d
func (l *LifecycleService) Extend(ctx context.Context, wizardID string, d time.Duration) (*model.WizardSession, error) {
	if d <= 0 {
		return nil, fsm.Validation("duration", "must be positive")
	}
	session, err := l.store.Load(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	if !session.Active || session.Expired(now) {
		return nil, fsm.SessionExpired(wizardID)
	}

	expected := session.Version
	session.ExpiresAt = session.ExpiresAt.Add(d)
	session.UpdatedAt = now
	if err := l.store.CompareAndSwap(ctx, expected, store.Change{Session: session, Now: now}); err != nil {
		return nil, err
	}

	if l.jobClient != nil {
		if err := l.jobClient.ScheduleSessionExpiry(wizardID, session.ExpiresAt); err != nil {
			l.log.Warn("Failed to schedule session expiry", zap.String("wizard_id", wizardID), zap.Error(err))
		}
	}
	_ = l.bus.PublishWizard(wizardID, map[string]interface{}{
		"type":      "wizard.extended",
		"wizardId":  wizardID,
		"expiresAt": session.ExpiresAt.Format(time.RFC3339),
		"version":   session.Version,
	})
	return session, nil
}

// SweepExpired deactivates every active session past its expiry
func (l *LifecycleService) SweepExpired(ctx context.Context) (int, error) {
	return l.store.SweepExpired(ctx, l.now().UTC())
}

// ExpireSession deactivates one session if it is past its expiry
func (l *LifecycleService) ExpireSession(ctx context.Context, wizardID string) (bool, error) {
	expired, err := l.store.ExpireSession(ctx, wizardID, l.now().UTC())
	if err != nil {
		return false, err
	}
	if expired {
		_ = l.bus.PublishWizard(wizardID, map[string]interface{}{
			"type":     "wizard.expired",
			"wizardId": wizardID,
		})
	}
	return expired, nil
}

// PurgeInactiveOlderThan hard-deletes inactive sessions last touched before cutoff
func (l *LifecycleService) PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return l.store.PurgeInactiveOlderThan(ctx, cutoff)
}

// PurgeInactive purges with the configured retention
func (l *LifecycleService) PurgeInactive(ctx context.Context) (int, error) {
	return l.PurgeInactiveOlderThan(ctx, l.now().UTC().Add(-l.retention))
}

// Sweeper runs sweep and purge in process on cron schedules.
// Used when no job server is configured.
type Sweeper struct {
	cron      *cron.Cron
	lifecycle *LifecycleService
	log       *zap.Logger
	mu        sync.Mutex
	running   bool
}

func NewSweeper(lifecycle *LifecycleService, sweepInterval, purgeInterval time.Duration, log *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		lifecycle: lifecycle,
		log:       log,
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", sweepInterval), s.Sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", purgeInterval), s.Purge); err != nil {
		return nil, fmt.Errorf("failed to schedule purge: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop waits for running jobs or until ctx is done
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) Sweep() {
	count, err := s.lifecycle.SweepExpired(context.Background())
	if err != nil {
		s.log.Error("Sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.log.Info("Expired sessions swept", zap.Int("count", count))
	}
}

func (s *Sweeper) Purge() {
	count, err := s.lifecycle.PurgeInactive(context.Background())
	if err != nil {
		s.log.Error("Purge failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.log.Info("Inactive sessions purged", zap.Int("count", count))
	}
}
