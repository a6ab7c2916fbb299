package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/alertrelay/internal/relay")

// RetryPolicy bounds delivery retries within one drive of an action.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

// DefaultRetryPolicy returns the production retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		CallTimeout:     15 * time.Second,
	}
}

// DispatchHooks receives per-attempt and per-outcome notifications. Nil funcs are skipped.
type DispatchHooks struct {
	OnAttempt func(kind ActionKind, result string, duration float64)
	OnOutcome func(kind ActionKind, state ActionState, cached bool)
}

// DispatcherConfig wires integrations and delivery limits.
type DispatcherConfig struct {
	Tickets     TicketCreator
	Chat        ChatPoster
	ChatChannel string
	Retry       RetryPolicy

	// RateLimit caps calls per second per integration. Zero means unlimited.
	RateLimit rate.Limit
	RateBurst int

	// BreakerFailures consecutive transient failures open an integration's
	// circuit for BreakerCooldown. Zero disables tripping.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Hooks DispatchHooks
}

// Outcome is the result of delivering one action. Err is set only when the
// store failed; delivery failures are reflected in Action.State.
type Outcome struct {
	Action Action
	Cached bool
	Err    error
}

// Dispatcher delivers actions to their integrations with retry, backoff,
// circuit breaking and idempotency against the store.
type Dispatcher struct {
	store    Store
	tickets  TicketCreator
	chat     ChatPoster
	channel  string
	retry    RetryPolicy
	hooks    DispatchHooks
	logger   log.Logger
	breakers map[ActionKind]*gobreaker.CircuitBreaker
	limiters map[ActionKind]*rate.Limiter
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. Integrations may be nil; actions for a
// missing integration fail permanently.
func NewDispatcher(store Store, cfg DispatcherConfig, logger log.Logger) *Dispatcher {
	if store == nil {
		panic(xerrors.New("dispatcher store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}

	def := DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = def.InitialInterval
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		cfg.Retry.MaxInterval = cfg.Retry.InitialInterval
	}
	if cfg.Retry.CallTimeout <= 0 {
		cfg.Retry.CallTimeout = def.CallTimeout
	}

	d := &Dispatcher{
		store:    store,
		tickets:  cfg.Tickets,
		chat:     cfg.Chat,
		channel:  cfg.ChatChannel,
		retry:    cfg.Retry,
		hooks:    cfg.Hooks,
		logger:   logger,
		breakers: make(map[ActionKind]*gobreaker.CircuitBreaker),
		limiters: make(map[ActionKind]*rate.Limiter),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, kind := range []ActionKind{ActionCreateTicket, ActionNotifyChat} {
		d.breakers[kind] = newBreaker(kind, cfg.BreakerFailures, cfg.BreakerCooldown, logger)
		if cfg.RateLimit > 0 {
			burst := cfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			d.limiters[kind] = rate.NewLimiter(cfg.RateLimit, burst)
		}
	}
	return d
}

func newBreaker(kind ActionKind, failures uint32, cooldown time.Duration, logger log.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return failures > 0 && c.ConsecutiveFailures >= failures
		},
		// permanent failures are the caller's problem, not the integration's health
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "integration circuit state changed",
				"integration", name, "from", from.String(), "to", to.String())
		},
	})
}

// Deliver executes one action. The action is updated in place and every
// attempt and the final state are recorded in the store before returning.
func (d *Dispatcher) Deliver(ctx context.Context, al *Alert, act *Action) Outcome {
	ctx, span := tracer.Start(ctx, "relay.Deliver", trace.WithAttributes(
		attribute.String("alertrelay.alert.id", al.ID),
		attribute.String("alertrelay.action.kind", string(act.Kind)),
	))
	defer span.End()

	out := d.deliver(ctx, al, act)

	span.SetAttributes(
		attribute.Int("alertrelay.action.attempts", act.Attempts),
		attribute.String("alertrelay.action.state", string(act.State)),
		attribute.Bool("alertrelay.action.cached", out.Cached),
	)
	switch {
	case out.Err != nil:
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	case act.State != ActionDelivered:
		span.SetStatus(codes.Error, act.LastError)
	}

	if out.Err == nil && d.hooks.OnOutcome != nil {
		d.hooks.OnOutcome(act.Kind, act.State, out.Cached)
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, al *Alert, act *Action) Outcome {
	L := d.logger.With("alert_id", al.ID, "action", act.Kind)

	prior, ok, err := d.store.DeliveredAction(ctx, al.ID, act.Kind)
	if err != nil {
		return Outcome{Action: *act, Err: storeErr("lookup delivered action", err)}
	}
	if ok {
		*act = *prior
		L.Info(ctx, "action already delivered, skipping", "target_ref", act.TargetRef)
		return Outcome{Action: *act, Cached: true}
	}

	call := d.caller(al, act.Kind)
	if call == nil {
		act.State = ActionFailedPermanent
		act.LastError = fmt.Sprintf("no integration configured for %s", act.Kind)
		act.UpdatedAt = d.now()
		if err := d.store.RecordAction(context.WithoutCancel(ctx), act); err != nil {
			return Outcome{Action: *act, Err: storeErr("record action", err)}
		}
		L.Warn(ctx, "action failed permanently", "error", act.LastError)
		return Outcome{Action: *act}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retry.InitialInterval
	b.MaxInterval = d.retry.MaxInterval

	op := func() (string, error) {
		act.Attempts++
		act.State = ActionPending
		act.UpdatedAt = d.now()
		// attempt is on record before the call so a crash leaves a trail
		if err := d.store.RecordAction(context.WithoutCancel(ctx), act); err != nil {
			return "", backoff.Permanent(storeErr("record attempt", err))
		}

		start := time.Now()
		ref, err := d.attempt(ctx, act.Kind, call)
		d.observeAttempt(act.Kind, err, time.Since(start))

		if err != nil {
			act.LastError = err.Error()
			L.Warn(ctx, "delivery attempt failed",
				"attempt", act.Attempts,
				"permanent", IsPermanent(err),
				"error", err,
			)
			if IsPermanent(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return ref, nil
	}

	ref, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.retry.MaxAttempts)),
	)

	act.UpdatedAt = d.now()
	switch {
	case err == nil:
		act.State = ActionDelivered
		act.TargetRef = ref
		act.LastError = ""
	case errors.Is(err, ErrStoreUnavailable):
		return Outcome{Action: *act, Err: err}
	case IsPermanent(err):
		act.State = ActionFailedPermanent
	default:
		act.State = ActionFailedRetryable
		if ctx.Err() != nil {
			act.LastError = fmt.Sprintf("delivery cancelled: %v", context.Cause(ctx))
		} else if act.LastError == "" {
			act.LastError = err.Error()
		}
	}

	if err := d.store.RecordAction(context.WithoutCancel(ctx), act); err != nil {
		return Outcome{Action: *act, Err: storeErr("record outcome", err)}
	}

	if act.State == ActionDelivered {
		L.Info(ctx, "action delivered", "target_ref", act.TargetRef, "attempts", act.Attempts)
	} else {
		L.Warn(ctx, "action not delivered", "state", act.State, "attempts", act.Attempts, "error", act.LastError)
	}
	return Outcome{Action: *act}
}

func (d *Dispatcher) attempt(ctx context.Context, kind ActionKind, call func(context.Context) (string, error)) (string, error) {
	if lim := d.limiters[kind]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", Transient(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.retry.CallTimeout)
	defer cancel()

	res, err := d.breakers[kind].Execute(func() (interface{}, error) {
		return callWithin(cctx, call)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", Transient(fmt.Errorf("%s circuit: %w", kind, err))
		}
		return "", err
	}
	ref, _ := res.(string)
	return ref, nil
}

type callResult struct {
	ref string
	err error
}

// callWithin returns when call does or when ctx ends, whichever is first.
// An integration that ignores ctx is abandoned and the attempt counts as
// transient; its goroutine exits once the call returns.
func callWithin(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	ch := make(chan callResult, 1)
	go func() {
		ref, err := call(ctx)
		ch <- callResult{ref: ref, err: err}
	}()

	select {
	case r := <-ch:
		return r.ref, r.err
	case <-ctx.Done():
		return "", Transient(fmt.Errorf("call abandoned: %w", ctx.Err()))
	}
}

func (d *Dispatcher) caller(al *Alert, kind ActionKind) func(context.Context) (string, error) {
	switch kind {
	case ActionCreateTicket:
		if d.tickets == nil {
			return nil
		}
		req := BuildTicketRequest(al)
		return func(ctx context.Context) (string, error) {
			return d.tickets.CreateTicket(ctx, req)
		}
	case ActionNotifyChat:
		if d.chat == nil {
			return nil
		}
		msg := BuildChatMessage(al, d.channel)
		return func(ctx context.Context) (string, error) {
			return d.chat.PostMessage(ctx, msg)
		}
	}
	return nil
}

func (d *Dispatcher) observeAttempt(kind ActionKind, err error, dur time.Duration) {
	if d.hooks.OnAttempt == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case IsPermanent(err):
		result = "permanent"
	default:
		result = "transient"
	}
	d.hooks.OnAttempt(kind, result, dur.Seconds())
}
