package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orderwizard/internal/extstate"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"
	"orderwizard/internal/store"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DefaultSessionTTL   = 30 * time.Minute
	DefaultGuardTimeout = 2 * time.Second
)

// Dependencies are the collaborators of the wizard engines
type Dependencies struct {
	Store     store.Store
	Registry  *schema.Registry
	Customers CustomerDirectory
	Catalog   CatalogPricing
	Receipts  ReceiptNumbering
	Bus       EventBus
	Log       *zap.Logger
}

type Options struct {
	SessionTTL   time.Duration
	GuardTimeout time.Duration
	Now          func() time.Time
	NewID        func() string
}

// WizardService drives the outer order wizard and delegates to the item wizard
// while a line item is being edited.
type WizardService struct {
	store     store.Store
	registry  *schema.Registry
	outer     *OuterTable
	items     *ItemWizard
	bus       EventBus
	jobClient JobClient
	log       *zap.Logger
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
}

func NewWizardService(deps Dependencies, opts Options) (*WizardService, error) {
	if deps.Store == nil || deps.Registry == nil {
		return nil, errors.New("wizard service requires a store and a schema registry")
	}
	if deps.Customers == nil || deps.Catalog == nil || deps.Receipts == nil {
		return nil, errors.New("wizard service requires customer, catalog and receipt collaborators")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.GuardTimeout <= 0 {
		opts.GuardTimeout = DefaultGuardTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return ulid.Make().String() }
	}
	if deps.Bus == nil {
		deps.Bus = nopBus{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	r := &rules{
		customers: deps.Customers,
		catalog:   deps.Catalog,
		receipts:  deps.Receipts,
		registry:  deps.Registry,
		timeout:   opts.GuardTimeout,
		newID:     opts.NewID,
		now:       opts.Now,
	}
	outer, err := buildOuterTable(r)
	if err != nil {
		return nil, fmt.Errorf("invalid outer transition table: %w", err)
	}
	inner, err := buildInnerTable(r)
	if err != nil {
		return nil, fmt.Errorf("invalid item transition table: %w", err)
	}

	return &WizardService{
		store:    deps.Store,
		registry: deps.Registry,
		outer:    outer,
		items:    newItemWizard(inner, deps.Log),
		bus:      deps.Bus,
		log:      deps.Log,
		ttl:      opts.SessionTTL,
		now:      opts.Now,
		newID:    opts.NewID,
	}, nil
}

// SetJobClient sets the job client for scheduling background jobs
func (s *WizardService) SetJobClient(client JobClient) {
	s.jobClient = client
}

// Outer exposes the outer transition table for introspection
func (s *WizardService) Outer() *OuterTable {
	return s.outer
}

// Items exposes the item wizard engine
func (s *WizardService) Items() *ItemWizard {
	return s.items
}

// Start creates a session and moves it straight to client selection
func (s *WizardService) Start(ctx context.Context, ownerUserRef string) (*model.Snapshot, error) {
	if ownerUserRef == "" {
		return nil, fsm.Validation("ownerUserRef", "is required")
	}
	now := s.now().UTC()
	session := &model.WizardSession{
		ID:           s.newID(),
		WizardID:     s.newID(),
		CurrentState: model.StateInitial,
		OwnerUserRef: ownerUserRef,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		Active:       true,
		Version:      1,
	}
	if err := s.store.Create(ctx, session, nil); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	snap, err := s.apply(ctx, session, model.EventStartOrder, nil)
	if err != nil {
		return nil, err
	}

	_ = s.bus.PublishOperator(ownerUserRef, map[string]interface{}{
		"type":     "wizard.started",
		"wizardId": session.WizardID,
	})

	if s.jobClient != nil {
		if err := s.jobClient.ScheduleSessionExpiry(session.WizardID, session.ExpiresAt); err != nil {
			s.log.Warn("Failed to schedule session expiry", zap.String("wizard_id", session.WizardID), zap.Error(err))
		}
	}
	return snap, nil
}

// GetState is read-only: it never bumps the version or timestamps
func (s *WizardService) GetState(ctx context.Context, wizardID string) (*model.Snapshot, error) {
	session, err := s.loadActive(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.LoadEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state data: %w", err)
	}
	return s.snapshot(session, extstate.New(s.registry, session.ID, entries, s.now), s.draftOf(session)), nil
}

// Fire applies one event. While an item is being edited, events the outer
// machine does not handle go to the item wizard.
func (s *WizardService) Fire(ctx context.Context, wizardID string, event model.Event, payload json.RawMessage) (*model.Snapshot, error) {
	session, err := s.loadActive(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	if session.CurrentState == model.StateItemWizardActive && !s.outer.IsAllowed(session.CurrentState, event) {
		return s.fireItem(ctx, session, event, payload)
	}
	return s.apply(ctx, session, event, payload)
}

// Cancel deactivates the session from any non-terminal state; step data is kept
func (s *WizardService) Cancel(ctx context.Context, wizardID string) (*model.Snapshot, error) {
	return s.Fire(ctx, wizardID, model.EventCancelOrder, nil)
}

// ResetStage removes the step data of a stage that is not behind the current one
func (s *WizardService) ResetStage(ctx context.Context, wizardID string, stage int) (*model.Snapshot, error) {
	if stage < 1 || stage > 4 {
		return nil, fsm.Validation("stage", "must be between 1 and 4")
	}
	session, err := s.loadActive(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	if current := stageOf[session.CurrentState]; stage < current {
		return nil, fsm.GuardRejected(string(session.CurrentState), "RESET_STAGE",
			fmt.Sprintf("stage %d is behind the current stage %d", stage, current), nil)
	}

	entries, err := s.store.LoadEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state data: %w", err)
	}
	expected := session.Version
	next := session.Clone()
	tc := &TransitionContext{
		Session: next,
		State:   extstate.New(s.registry, session.ID, entries, s.now),
		Draft:   s.draftOf(next),
		Now:     s.now().UTC(),
	}
	removed := tc.State.DeleteStage(stage)
	next.UpdatedAt = tc.Now
	if err := s.commit(ctx, expected, tc); err != nil {
		return nil, err
	}

	s.log.Info("Stage reset",
		zap.String("wizard_id", wizardID),
		zap.Int("stage", stage),
		zap.Strings("keys", removed))
	_ = s.bus.PublishWizard(wizardID, map[string]interface{}{
		"type":     "wizard.stage_reset",
		"wizardId": wizardID,
		"stage":    stage,
		"version":  next.Version,
	})
	return s.snapshot(next, tc.State, tc.Draft), nil
}

// loadActive treats inactive and expired sessions alike; only the sweep writes expired rows
func (s *WizardService) loadActive(ctx context.Context, wizardID string) (*model.WizardSession, error) {
	session, err := s.store.Load(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	if !session.Active || session.Expired(s.now()) {
		return nil, fsm.SessionExpired(wizardID)
	}
	return session, nil
}

func (s *WizardService) draftOf(session *model.WizardSession) *extstate.State {
	if session.ItemWizard == nil {
		return nil
	}
	return extstate.FromSections(s.registry, session.ItemWizard.Sections, s.now)
}

// apply runs one outer transition: lookup, payload, guards, target, actions, commit
func (s *WizardService) apply(ctx context.Context, session *model.WizardSession, event model.Event, payload json.RawMessage) (*model.Snapshot, error) {
	from := session.CurrentState
	tr, ok := s.outer.Lookup(from, event)
	if !ok {
		return nil, fsm.IllegalTransition(string(from), string(event))
	}

	entries, err := s.store.LoadEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state data: %w", err)
	}
	expected := session.Version
	next := session.Clone()
	tc := &TransitionContext{
		Session: next,
		State:   extstate.New(s.registry, session.ID, entries, s.now),
		From:    string(from),
		Event:   event,
		Payload: payload,
		Now:     s.now().UTC(),
	}

	key, bound := outerPayloadKey(from, event)
	if bound && len(payload) > 0 {
		if err := tc.State.Merge(ctx, key, payload); err != nil {
			if !fsm.IsValidation(err) {
				return nil, err
			}
			return nil, s.rejectData(ctx, expected, tc, err)
		}
	}

	if err := fsm.EvaluateGuards(ctx, tr, tc); err != nil {
		if fsm.IsValidation(err) && bound && tc.State.Invalidate(key, fsm.Message(err)) {
			return nil, s.rejectData(ctx, expected, tc, err)
		}
		s.log.Debug("Transition rejected",
			zap.String("wizard_id", session.WizardID),
			zap.String("event", string(event)),
			zap.String("state", string(from)),
			zap.Error(err))
		return nil, err
	}

	to, err := tr.Target(ctx, tc)
	if err != nil {
		return nil, fsm.GuardRejected(string(from), string(event), err.Error(), err)
	}
	if err := fsm.RunActions(ctx, tr, tc); err != nil {
		return nil, err
	}

	next.CurrentState = to
	next.UpdatedAt = tc.Now
	switch to {
	case model.StateCompleted:
		deactivate(next, model.ClosedCompleted)
	case model.StateCancelled:
		deactivate(next, model.ClosedCancelled)
	}

	if err := s.commit(ctx, expected, tc); err != nil {
		return nil, err
	}

	s.log.Info("Wizard transitioned",
		zap.String("wizard_id", next.WizardID),
		zap.String("event", string(event)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("version", next.Version))
	s.publishTransition(next, event, string(from), string(to))
	return s.snapshot(next, tc.State, s.draftOf(next)), nil
}

// fireItem runs one item wizard step and commits the scratch slot
func (s *WizardService) fireItem(ctx context.Context, session *model.WizardSession, event model.Event, payload json.RawMessage) (*model.Snapshot, error) {
	if session.ItemWizard == nil {
		return nil, fmt.Errorf("wizard %s is editing an item without a scratch slot", session.WizardID)
	}
	entries, err := s.store.LoadEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state data: %w", err)
	}
	expected := session.Version
	next := session.Clone()
	tc := &TransitionContext{
		Session: next,
		State:   extstate.New(s.registry, session.ID, entries, s.now),
		Draft:   s.draftOf(next),
		Event:   event,
		Payload: payload,
		Now:     s.now().UTC(),
	}
	from := next.ItemWizard.State

	stepErr := s.items.Step(ctx, tc)
	if stepErr != nil && !fsm.IsValidation(stepErr) {
		return nil, stepErr
	}

	next.UpdatedAt = tc.Now
	if err := s.commit(ctx, expected, tc); err != nil {
		return nil, err
	}
	if stepErr != nil {
		return nil, stepErr
	}

	to := next.ItemWizard.State
	s.publishTransition(next, event, string(from), string(to))
	return s.snapshot(next, tc.State, tc.Draft), nil
}

// rejectData stores the rejected step data unvalidated and returns the validation error
func (s *WizardService) rejectData(ctx context.Context, expected int64, tc *TransitionContext, verr error) error {
	tc.Session.UpdatedAt = tc.Now
	if err := s.commit(ctx, expected, tc); err != nil {
		return err
	}
	return verr
}

func (s *WizardService) commit(ctx context.Context, expected int64, tc *TransitionContext) error {
	if tc.Session.ItemWizard != nil && tc.Draft != nil {
		tc.Session.ItemWizard.Sections = tc.Draft.Sections()
	}
	upserts, deletes := tc.State.Changes()
	return s.store.CompareAndSwap(ctx, expected, store.Change{
		Session: tc.Session,
		Upserts: upserts,
		Deletes: deletes,
		// guards may have run for a while since tc.Now
		Now: s.now().UTC(),
	})
}

func deactivate(session *model.WizardSession, reason model.CloseReason) {
	session.Active = false
	session.ClosedReason = &reason
	session.ItemWizard = nil
}

func (s *WizardService) publishTransition(session *model.WizardSession, event model.Event, from, to string) {
	msg := map[string]interface{}{
		"type":     "wizard.transitioned",
		"wizardId": session.WizardID,
		"event":    string(event),
		"from":     from,
		"to":       to,
		"state":    string(session.CurrentState),
		"version":  session.Version,
	}
	if err := s.bus.PublishWizard(session.WizardID, msg); err != nil {
		s.log.Warn("Failed to publish transition", zap.String("wizard_id", session.WizardID), zap.Error(err))
	}
	if !session.Active {
		_ = s.bus.PublishOperator(session.OwnerUserRef, map[string]interface{}{
			"type":     "wizard.closed",
			"wizardId": session.WizardID,
			"state":    string(session.CurrentState),
		})
	}
}

func (s *WizardService) snapshot(session *model.WizardSession, st *extstate.State, draft *extstate.State) *model.Snapshot {
	snap := &model.Snapshot{
		WizardID:        session.WizardID,
		State:           session.CurrentState,
		Active:          session.Active,
		AvailableEvents: []model.Event{},
		ExtendedState:   st.Views(),
		ReceiptNumber:   session.ReceiptNumber,
		Version:         session.Version,
		ExpiresAt:       session.ExpiresAt,
	}
	if session.Active {
		snap.AvailableEvents = s.outer.AvailableEvents(session.CurrentState)
	}
	if session.Active && session.CurrentState == model.StateItemWizardActive {
		snap.ItemWizard = s.items.View(session.ItemWizard, draft)
	}
	return snap
}
