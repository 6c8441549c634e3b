package authflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aaronromeo/mailer/internal/credential"
)

// Step is where an attempt currently is in the login sequence.
type Step int

const (
	StepIdle Step = iota
	StepRequesting
	StepAwaitingConsent
	StepValidating
	StepAccepting
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "Idle"
	case StepRequesting:
		return "Requesting"
	case StepAwaitingConsent:
		return "AwaitingConsent"
	case StepValidating:
		return "Validating"
	case StepAccepting:
		return "Accepting"
	case StepDone:
		return "Done"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Result is the terminal outcome of an attempt. Err is nil on success and an
// *AuthError otherwise.
type Result struct {
	Credentials credential.Set
	Err         error
}

func (r Result) Succeeded() bool { return r.Err == nil }

type attempt struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	mu        sync.Mutex
	step      Step
	committed bool
	result    Result
}

func newAttempt(parent context.Context, id uint64) *attempt {
	ctx, cancel := context.WithCancel(parent)
	return &attempt{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (a *attempt) setStep(s Step) {
	a.mu.Lock()
	a.step = s
	a.mu.Unlock()
}

func (a *attempt) currentStep() Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.step
}

// commit moves the attempt past the point of no return. It fails if the
// attempt was cancelled first.
func (a *attempt) commit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return false
	}
	a.committed = true
	a.step = StepAccepting
	return true
}

// requestCancel cancels the attempt unless it has committed.
func (a *attempt) requestCancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed || a.step == StepDone {
		return false
	}
	a.cancel()
	return true
}

func (a *attempt) setResult(r Result) {
	a.mu.Lock()
	a.result = r
	a.step = StepDone
	a.mu.Unlock()
}

// AttemptHandle lets the caller of Begin follow one attempt.
type AttemptHandle struct {
	a *attempt
}

func (h *AttemptHandle) ID() uint64 { return h.a.id }

// Done is closed once the outcome has been applied to the state machine.
func (h *AttemptHandle) Done() <-chan struct{} { return h.a.done }

func (h *AttemptHandle) Step() Step { return h.a.currentStep() }

// Result returns the outcome, and false while the attempt is still running.
func (h *AttemptHandle) Result() (Result, bool) {
	select {
	case <-h.a.done:
	default:
		return Result{}, false
	}
	h.a.mu.Lock()
	defer h.a.mu.Unlock()
	return h.a.result, true
}

// Wait blocks until the attempt finishes or ctx is done. Giving up on the
// wait does not cancel the attempt.
func (h *AttemptHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.a.done:
		res, _ := h.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
