package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	maxSourceLen  = 200
	maxMessageLen = 16 * 1024
)

// Event is a lifecycle notification emitted when an alert reaches a terminal status.
type Event struct {
	AlertID  string    `json:"alert_id"`
	Source   string    `json:"source"`
	Severity Severity  `json:"severity"`
	Status   Status    `json:"status"`
	Rule     string    `json:"rule,omitempty"`
	Actions  []Action  `json:"actions"`
	At       time.Time `json:"at"`
}

// EventSink receives lifecycle events. Publish failures are logged, never fatal.
type EventSink interface {
	Publish(ctx context.Context, ev *Event) error
}

// Recommender produces an incident response recommendation for an alert.
type Recommender interface {
	Recommend(ctx context.Context, a *Alert) (string, error)
}

// ServiceHooks receives pipeline notifications. Nil funcs are skipped.
type ServiceHooks struct {
	OnSubmit   func(result string)
	OnClassify func(sev Severity, degraded bool, duration float64)
	OnSettle   func(status Status, sev Severity, actions int)
}

// Options are the optional collaborators of a Service.
type Options struct {
	Events      EventSink
	Recommender Recommender
	Hooks       ServiceHooks
}

// SubmitResult is the outcome of accepting an alert.
type SubmitResult struct {
	ID       string
	Severity Severity
	Status   Status
}

// Service orchestrates the per-alert pipeline: classify, persist, route,
// dispatch, record. Transitions for one alert ID are serialized.
type Service struct {
	store       Store
	classifier  *Classifier
	router      *Router
	dispatcher  *Dispatcher
	logger      log.Logger
	events      EventSink
	recommender Recommender
	hooks       ServiceHooks

	locks keyedMutex
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewService creates a new relay service.
func NewService(store Store, classifier *Classifier, router *Router, dispatcher *Dispatcher, logger log.Logger, opts Options) *Service {
	if store == nil || classifier == nil || router == nil || dispatcher == nil {
		panic(xerrors.New("store, classifier, router and dispatcher are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:       store,
		classifier:  classifier,
		router:      router,
		dispatcher:  dispatcher,
		logger:      logger,
		events:      opts.Events,
		recommender: opts.Recommender,
		hooks:       opts.Hooks,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists a new alert and classifies it synchronously. Routing and
// delivery continue in the background; use Wait to block until they finish.
func (s *Service) Submit(ctx context.Context, source, message string) (*SubmitResult, error) {
	source = strings.TrimSpace(source)
	message = strings.TrimSpace(message)
	if err := validateAlert(source, message); err != nil {
		s.onSubmit("invalid")
		return nil, err
	}

	now := s.now()
	al := &Alert{
		ID:        ulid.Make().String(),
		Source:    source,
		Message:   message,
		Severity:  SeverityUnknown,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := s.locks.Lock(al.ID)
	if err := s.store.Save(ctx, al); err != nil {
		unlock()
		s.onSubmit("error")
		return nil, storeErr("save new alert", err)
	}
	if err := s.classify(ctx, al); err != nil {
		unlock()
		s.onSubmit("error")
		return nil, err
	}
	unlock()

	s.onSubmit("accepted")
	s.logger.Info(ctx, "alert accepted", "alert_id", al.ID, "source", al.Source, "severity", al.Severity)

	// continue detached from the request; only the ID crosses the goroutine boundary
	s.wg.Add(1)
	go func(id string) {
		defer s.wg.Done()
		bg := context.WithoutCancel(ctx)
		if err := s.Process(bg, id); err != nil {
			s.logger.Error(bg, err, "alert pipeline failed", "alert_id", id)
		}
	}(al.ID)

	return &SubmitResult{ID: al.ID, Severity: al.Severity, Status: al.Status}, nil
}

// Wait blocks until background pipelines started by Submit have returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Process drives one alert from its persisted state to a terminal status.
// Already completed steps and delivered actions are not repeated.
func (s *Service) Process(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	al, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return s.drive(ctx, al)
}

// Redrive resets retryable failed actions of a Failed alert and drives it again.
func (s *Service) Redrive(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	al, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if al.Status != StatusFailed || !al.hasRetryable() {
		return fmt.Errorf("%w: %s is %s", ErrNotRedrivable, id, al.Status)
	}

	for i := range al.Actions {
		if al.Actions[i].State == ActionFailedRetryable {
			al.Actions[i].State = ActionPending
			al.Actions[i].UpdatedAt = s.now()
		}
	}
	al.Status = StatusRouted
	al.UpdatedAt = s.now()
	if err := s.store.Save(ctx, al); err != nil {
		return storeErr("save redrive", err)
	}

	s.logger.Info(ctx, "re-driving alert", "alert_id", id)
	return s.drive(ctx, al)
}

// Trigger delivers one action kind for an already routed alert, adding the
// action when the routing policy did not select it. Delivered actions are
// returned as-is.
func (s *Service) Trigger(ctx context.Context, id string, kind ActionKind) (*Action, error) {
	if _, ok := ParseActionKind(string(kind)); !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAlert, kind)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	al, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if al.Status == StatusNew || al.Status == StatusClassified {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRouted, id, al.Status)
	}

	act := al.Action(kind)
	if act != nil && act.State == ActionDelivered {
		cp := *act
		return &cp, nil
	}
	if act == nil {
		al.Actions = append(al.Actions, Action{
			AlertID:   al.ID,
			Kind:      kind,
			Seq:       len(al.Actions),
			State:     ActionPending,
			UpdatedAt: s.now(),
		})
	} else {
		act.State = ActionPending
		act.UpdatedAt = s.now()
	}
	al.Status = StatusRouted
	al.UpdatedAt = s.now()
	if err := s.store.Save(ctx, al); err != nil {
		return nil, storeErr("save triggered action", err)
	}

	if err := s.drive(ctx, al); err != nil {
		return nil, err
	}
	cp := *al.Action(kind)
	return &cp, nil
}

// Resume drives every alert that has not reached a terminal status and
// returns how many were driven to completion.
func (s *Service) Resume(ctx context.Context) (int, error) {
	pending, err := s.store.Query(ctx, Filter{Statuses: []Status{StatusNew, StatusClassified, StatusRouted}})
	if err != nil {
		return 0, storeErr("query unfinished alerts", err)
	}

	var errs []error
	done := 0
	for _, al := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.Process(ctx, al.ID); err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", al.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// RedriveFailed re-drives every Failed alert that still has retryable actions.
func (s *Service) RedriveFailed(ctx context.Context) (int, error) {
	failed, err := s.store.Query(ctx, Filter{Statuses: []Status{StatusFailed}})
	if err != nil {
		return 0, storeErr("query failed alerts", err)
	}

	var errs []error
	done := 0
	for _, al := range failed {
		if !al.hasRetryable() {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.Redrive(ctx, al.ID); err != nil && !errors.Is(err, ErrNotRedrivable) {
			errs = append(errs, fmt.Errorf("alert %s: %w", al.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// RunSweeper periodically resumes unfinished alerts and re-drives retryable
// failures until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	resumed, err := s.Resume(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "resume sweep incomplete", "resumed", resumed)
	}
	redriven, err := s.RedriveFailed(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "redrive sweep incomplete", "redriven", redriven)
	}
	if resumed > 0 || redriven > 0 {
		s.logger.Info(ctx, "sweep complete", "resumed", resumed, "redriven", redriven)
	}
}

// Get retrieves an alert with its actions.
func (s *Service) Get(ctx context.Context, id string) (*Alert, bool, error) {
	al, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, storeErr("get alert", err)
	}
	return al, ok, nil
}

// List returns alerts matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Alert, error) {
	out, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, storeErr("query alerts", err)
	}
	return out, nil
}

// Recommend asks the configured Recommender for a response plan.
func (s *Service) Recommend(ctx context.Context, id string) (string, error) {
	if s.recommender == nil {
		return "", ErrNoRecommender
	}
	al, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return s.recommender.Recommend(ctx, al)
}

func (s *Service) load(ctx context.Context, id string) (*Alert, error) {
	al, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get alert", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	al.SortActions()
	return al, nil
}

// drive runs the state machine until the alert is terminal. Each step
// persists before the next one starts. Callers hold the alert's lock.
func (s *Service) drive(ctx context.Context, al *Alert) error {
	if al.Status.Terminal() {
		return nil
	}
	start := time.Now()
	for !al.Status.Terminal() {
		var err error
		switch al.Status {
		case StatusNew:
			err = s.classify(ctx, al)
		case StatusClassified:
			err = s.route(ctx, al)
		case StatusRouted:
			err = s.dispatch(ctx, al)
		default:
			err = fmt.Errorf("alert %s has unknown status %q", al.ID, al.Status)
		}
		if err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "alert settled",
		"alert_id", al.ID,
		"status", al.Status,
		"severity", al.Severity,
		"rule", al.Rule,
		"actions", len(al.Actions),
		"duration", time.Since(start).Seconds(),
	)
	if s.hooks.OnSettle != nil {
		s.hooks.OnSettle(al.Status, al.Severity, len(al.Actions))
	}
	s.publish(ctx, al)
	return nil
}

// classify: New -> Classified.
func (s *Service) classify(ctx context.Context, al *Alert) error {
	start := time.Now()
	c := s.classifier.Classify(ctx, al.Message)
	if s.hooks.OnClassify != nil {
		s.hooks.OnClassify(c.Severity, c.Reason != "", time.Since(start).Seconds())
	}

	al.Severity = c.Severity
	al.Confidence = c.Confidence
	al.ClassifyError = c.Reason
	al.Status = StatusClassified
	al.UpdatedAt = s.now()
	if err := s.store.Save(ctx, al); err != nil {
		return storeErr("save classification", err)
	}
	return nil
}

// route: Classified -> Routed, or Delivered when no rule matches.
func (s *Service) route(ctx context.Context, al *Alert) error {
	res, err := s.router.Route(al)
	now := s.now()

	al.Rule = res.Rule
	al.Actions = make([]Action, 0, len(res.Actions))
	for i, kind := range res.Actions {
		al.Actions = append(al.Actions, Action{
			AlertID:   al.ID,
			Kind:      kind,
			Seq:       i,
			State:     ActionPending,
			UpdatedAt: now,
		})
	}

	switch {
	case errors.Is(err, ErrRoutingNoMatch), len(al.Actions) == 0:
		al.Status = StatusDelivered
		s.logger.Info(ctx, "no routing actions for alert", "alert_id", al.ID, "severity", al.Severity, "source", al.Source)
	case err != nil:
		return err
	default:
		al.Status = StatusRouted
	}

	al.UpdatedAt = now
	if err := s.store.Save(ctx, al); err != nil {
		return storeErr("save routing", err)
	}
	return nil
}

// dispatch: Routed -> Delivered | Failed. Actions run in Seq order so a
// ticket exists before the chat notification that references it.
func (s *Service) dispatch(ctx context.Context, al *Alert) error {
	al.SortActions()
	for i := range al.Actions {
		act := &al.Actions[i]
		if act.State != ActionPending {
			continue
		}
		out := s.dispatcher.Deliver(ctx, al, act)
		if out.Err != nil {
			return out.Err
		}
	}

	al.Status = al.settledStatus()
	if al.Status == StatusRouted {
		return fmt.Errorf("alert %s still has pending actions after dispatch", al.ID)
	}
	al.UpdatedAt = s.now()
	if err := s.store.Save(ctx, al); err != nil {
		return storeErr("save delivery status", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, al *Alert) {
	if s.events == nil {
		return
	}
	actions := make([]Action, len(al.Actions))
	copy(actions, al.Actions)
	ev := &Event{
		AlertID:  al.ID,
		Source:   al.Source,
		Severity: al.Severity,
		Status:   al.Status,
		Rule:     al.Rule,
		Actions:  actions,
		At:       s.now(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "failed to publish alert event", "alert_id", al.ID, "error", err)
	}
}

func (s *Service) onSubmit(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

func validateAlert(source, message string) error {
	var errs []error
	if source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if len(source) > maxSourceLen {
		errs = append(errs, fmt.Errorf("source exceeds %d bytes", maxSourceLen))
	}
	if message == "" {
		errs = append(errs, errors.New("message is required"))
	}
	if len(message) > maxMessageLen {
		errs = append(errs, fmt.Errorf("message exceeds %d bytes", maxMessageLen))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidAlert, errors.Join(errs...))
	}
	return nil
}
