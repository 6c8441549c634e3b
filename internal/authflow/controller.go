// Package authflow sequences a mail login: request an authorization URI, wait
// for the user's consent, validate the resulting credentials against the mail
// server and accept them into the session. Each attempt reports its outcome
// exactly once, to the state machine and to the OnCompleted hooks.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/aaronromeo/mailer/internal/appstate"
	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConsentTimeout   = 5 * time.Minute
	DefaultAcceptRetries    = 1
	DefaultAcceptRetryDelay = 500 * time.Millisecond
	DefaultAcceptTimeout    = time.Minute
)

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("controller closed")

// Policy decides what Begin does while another attempt is running.
type Policy int

const (
	// PolicyReject fails the new Begin with ErrAlreadyInProgress.
	PolicyReject Policy = iota
	// PolicySupersede cancels the running attempt, waits for its outcome to
	// reach the state machine and then starts the new one.
	PolicySupersede
)

func (p Policy) String() string {
	if p == PolicySupersede {
		return "supersede"
	}
	return "reject"
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.log = logger
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

func WithConsentTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.consentTimeout = d
	}
}

// WithAcceptRetries sets how many times a failed accept is retried, and the
// pause between tries.
func WithAcceptRetries(n int, delay time.Duration) Option {
	return func(c *Controller) {
		c.acceptRetries = n
		c.acceptRetryDelay = delay
	}
}

// WithAcceptTimeout bounds each individual accept call.
func WithAcceptTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.acceptTimeout = d
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Controller) {
		c.meterProvider = mp
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) {
		c.tracerProvider = tp
	}
}

// Controller runs login attempts against a MailCore, at most one at a time,
// and reports their outcomes to a state machine.
type Controller struct {
	core    MailCore
	machine *appstate.Machine
	log     *slog.Logger

	policy           Policy
	consentTimeout   time.Duration
	acceptRetries    int
	acceptRetryDelay time.Duration
	acceptTimeout    time.Duration
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider

	tracer   trace.Tracer
	metrics  *flowMetrics
	dispatch *dispatcher

	mu             sync.Mutex
	nextID         uint64
	active         *attempt
	closed         bool
	consentHooks   []func(id uint64, uri *url.URL)
	completedHooks []func(id uint64, res Result)
}

func New(core MailCore, machine *appstate.Machine, opts ...Option) (*Controller, error) {
	if core == nil {
		return nil, errors.New("mail core is required")
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}

	c := &Controller{
		core:             core,
		machine:          machine,
		consentTimeout:   DefaultConsentTimeout,
		acceptRetries:    DefaultAcceptRetries,
		acceptRetryDelay: DefaultAcceptRetryDelay,
		acceptTimeout:    DefaultAcceptTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	if c.consentTimeout <= 0 {
		return nil, fmt.Errorf("consent timeout must be positive, got %s", c.consentTimeout)
	}
	if c.acceptRetries < 0 {
		return nil, fmt.Errorf("accept retries must not be negative, got %d", c.acceptRetries)
	}
	if c.acceptTimeout <= 0 {
		c.acceptTimeout = DefaultAcceptTimeout
	}

	metrics, err := newFlowMetrics(c.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	c.metrics = metrics
	c.tracer = c.tracerProvider.Tracer(instrumentationName)
	c.dispatch = newDispatcher(c.log)

	return c, nil
}

// OnConsentURIReady registers fn to receive the authorization URI of each
// attempt whose request step succeeded. Hooks run on the controller's
// callback goroutine.
func (c *Controller) OnConsentURIReady(fn func(id uint64, uri *url.URL)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consentHooks = append(c.consentHooks, fn)
}

// OnCompleted registers fn to receive the outcome of every attempt. It is the
// last callback delivered for an attempt.
func (c *Controller) OnCompleted(fn func(id uint64, res Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedHooks = append(c.completedHooks, fn)
}

// Begin starts a login attempt. Cancelling ctx cancels the attempt the same
// way Cancel does.
func (c *Controller) Begin(ctx context.Context) (*AttemptHandle, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		prev := c.active
		if prev == nil {
			break
		}
		c.mu.Unlock()

		if c.policy == PolicyReject {
			return nil, fmt.Errorf("attempt %d: %w", prev.id, ErrAlreadyInProgress)
		}
		c.log.Info("superseding login attempt", "attempt", prev.id)
		prev.requestCancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.nextID++
	a := newAttempt(ctx, c.nextID)
	c.active = a
	c.machine.Plan(func(s appstate.State) []appstate.Event {
		switch s.Phase {
		case appstate.Failed:
			return []appstate.Event{appstate.Retry()}
		case appstate.Established:
			return []appstate.Event{appstate.Logout(), appstate.BeginLogin()}
		default:
			return []appstate.Event{appstate.BeginLogin()}
		}
	})
	c.mu.Unlock()

	c.machine.Drain()
	c.log.Info("login attempt started", "attempt", a.id)

	go c.run(a)
	return &AttemptHandle{a: a}, nil
}

// Cancel asks attempt id to stop. It returns false when id is not the active
// attempt or the attempt is already accepting credentials, in which case its
// true outcome is still reported.
func (c *Controller) Cancel(id uint64) bool {
	c.mu.Lock()
	a := c.active
	c.mu.Unlock()

	if a == nil || a.id != id {
		return false
	}
	if !a.requestCancel() {
		c.log.Info("cancel ignored, attempt already committed", "attempt", id)
		return false
	}
	c.log.Info("login attempt cancel requested", "attempt", id)
	return true
}

// Close cancels the active attempt, waits for it and flushes pending callbacks.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	a := c.active
	c.mu.Unlock()

	if a != nil {
		a.requestCancel()
		<-a.done
	}
	c.dispatch.Close()
}

func (c *Controller) run(a *attempt) {
	creds, err := c.execute(a)
	c.finish(a, Result{Credentials: creds, Err: err})
}

func (c *Controller) execute(a *attempt) (credential.Set, error) {
	ctx, span := c.tracer.Start(a.ctx, "authflow.attempt",
		trace.WithAttributes(attribute.Int64("mailer.attempt", int64(a.id))))
	defer span.End()
	log := c.log.With("attempt", a.id)

	fail := func(kind, cause error) (credential.Set, error) {
		err := &AuthError{Attempt: a.id, Kind: kind, Err: cause}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
		return credential.Set{}, err
	}
	cancelled := func() (credential.Set, error) {
		return fail(ErrCancelled, nil)
	}

	a.setStep(StepRequesting)
	log.Debug("requesting authorization URI")
	uri, err := traced(ctx, c.tracer, "authflow.request", func(ctx context.Context) (*url.URL, error) {
		return call(ctx, c.core.RequestAuthorizationURI)
	})
	if a.ctx.Err() != nil {
		return cancelled()
	}
	if err == nil && uri == nil {
		err = errors.New("mail core returned no URI")
	}
	if err != nil {
		return fail(ErrRequestFailed, err)
	}
	c.announceURI(a.id, uri)

	a.setStep(StepAwaitingConsent)
	log.Debug("awaiting consent", "timeout", c.consentTimeout)
	consentCtx, cancelConsent := context.WithTimeout(ctx, c.consentTimeout)
	raw, err := traced(consentCtx, c.tracer, "authflow.consent", func(ctx context.Context) (credential.Raw, error) {
		return call(ctx, c.core.AwaitConsentCompletion)
	})
	timedOut := errors.Is(consentCtx.Err(), context.DeadlineExceeded)
	cancelConsent()
	switch {
	case a.ctx.Err() != nil:
		return cancelled()
	case err != nil && timedOut:
		return fail(ErrConsentTimedOut, err)
	case err != nil:
		return fail(ErrConsentFailed, err)
	}

	a.setStep(StepValidating)
	log.Debug("validating credentials", "credentials", raw)
	_, err = traced(ctx, c.tracer, "authflow.validate", func(ctx context.Context) (struct{}, error) {
		return call(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.core.ValidateCredentials(ctx, raw)
		})
	})
	if a.ctx.Err() != nil {
		return cancelled()
	}
	if err != nil {
		return fail(ErrCredentialsInvalid, err)
	}

	if !a.commit() {
		return cancelled()
	}
	log.Debug("accepting credentials")
	acceptCtx := context.WithoutCancel(ctx)
	_, err = traced(acceptCtx, c.tracer, "authflow.accept", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.accept(ctx, log, raw)
	})
	if err != nil {
		return fail(ErrAcceptFailed, err)
	}

	return credential.FromRaw(raw), nil
}

// accept calls AcceptCredentials, retrying transient failures. Each try runs
// on the calling goroutine and its deadline only cancels the try's ctx: a
// try is never abandoned, so the next one cannot overlap it and a late
// success is still the attempt's outcome.
func (c *Controller) accept(ctx context.Context, log *slog.Logger, raw credential.Raw) error {
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.acceptTimeout)
		defer cancel()
		return c.core.AcceptCredentials(callCtx, raw)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.acceptRetryDelay), uint64(c.acceptRetries))
	return backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		log.Warn("accepting credentials failed, retrying", "error", err, "retry_in", next)
	})
}

func (c *Controller) announceURI(id uint64, uri *url.URL) {
	c.mu.Lock()
	hooks := append([]func(uint64, *url.URL){}, c.consentHooks...)
	c.mu.Unlock()

	c.dispatch.post(func() {
		for _, fn := range hooks {
			fn(id, uri)
		}
	})
}

func (c *Controller) finish(a *attempt, res Result) {
	a.setResult(res)

	c.mu.Lock()
	if res.Err == nil {
		c.machine.Enqueue(appstate.AuthSucceeded(res.Credentials))
	} else {
		c.machine.Enqueue(appstate.AuthFailed(res.Err))
	}
	if c.active == a {
		c.active = nil
	}
	hooks := append([]func(uint64, Result){}, c.completedHooks...)
	c.mu.Unlock()

	c.machine.Drain()

	c.dispatch.post(func() {
		for _, fn := range hooks {
			fn(a.id, res)
		}
	})
	c.metrics.record(context.WithoutCancel(a.ctx), res.Err, time.Since(a.started))

	if res.Err != nil {
		c.log.Warn("login attempt failed", "attempt", a.id, "outcome", outcome(res.Err), "error", res.Err)
	} else {
		c.log.Info("login attempt succeeded", "attempt", a.id, "credentials", res.Credentials)
	}

	a.cancel()
	close(a.done)
}

// call runs fn on its own goroutine so that a collaborator ignoring ctx
// cannot hold up the caller past ctx.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func traced[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}
