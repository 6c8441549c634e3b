package appstate

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/aaronromeo/mailer/internal/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testCreds() credential.Set {
	return credential.FromRaw(credential.Raw{
		Account: "user@example.com",
		Host:    "imap.example.com",
		Port:    993,
		Token:   "abc",
	})
}

func allPhases() []Phase {
	return []Phase{Unauthenticated, Authenticating, Established, Failed}
}

func allEvents() []Event {
	return []Event{
		BeginLogin(),
		AuthSucceeded(testCreds()),
		AuthFailed(errBoom),
		Retry(),
		Logout(),
		Invalidate(),
	}
}

func TestNextMatchesTable(t *testing.T) {
	declared := map[Phase]map[EventKind]Phase{
		Unauthenticated: {EventBeginLogin: Authenticating},
		Authenticating:  {EventAuthSucceeded: Established, EventAuthFailed: Failed},
		Failed:          {EventRetry: Authenticating},
		Established:     {EventLogout: Unauthenticated, EventInvalidate: Unauthenticated},
	}

	for _, phase := range allPhases() {
		for _, ev := range allEvents() {
			from := State{Phase: phase}
			if phase == Failed {
				from.Reason = errBoom
			}
			t.Run(phase.String()+"/"+ev.Kind.String(), func(t *testing.T) {
				got, ok := Next(from, ev)
				want, declaredPair := declared[phase][ev.Kind]
				assert.Equal(t, declaredPair, ok)
				if !declaredPair {
					assert.Equal(t, from, got)
					return
				}
				assert.Equal(t, want, got.Phase)
				if want == Failed {
					assert.ErrorIs(t, got.Reason, errBoom)
				} else {
					assert.NoError(t, got.Reason)
				}
			})
		}
	}
}

// machineIn drives a fresh machine into phase through declared transitions.
func machineIn(t *testing.T, phase Phase) *Machine {
	t.Helper()
	m := New(WithLogger(mock.SetupLogger(t)))
	path := map[Phase][]Event{
		Unauthenticated: nil,
		Authenticating:  {BeginLogin()},
		Established:     {BeginLogin(), AuthSucceeded(testCreds())},
		Failed:          {BeginLogin(), AuthFailed(errBoom)},
	}
	for _, ev := range path[phase] {
		m.Fire(ev)
	}
	require.Equal(t, phase, m.Current().Phase)
	return m
}

func TestUndeclaredPairsDoNotNotify(t *testing.T) {
	for _, phase := range allPhases() {
		for _, ev := range allEvents() {
			if _, ok := Next(State{Phase: phase}, ev); ok {
				continue
			}
			t.Run(phase.String()+"/"+ev.Kind.String(), func(t *testing.T) {
				m := machineIn(t, phase)
				before := m.Current()
				notified := false
				m.Subscribe(func(_, _ State) { notified = true })

				after := m.Fire(ev)
				assert.Equal(t, before, after)
				assert.False(t, notified)
			})
		}
	}
}

func TestObserverSeesOldAndNew(t *testing.T) {
	m := New(WithLogger(mock.SetupLogger(t)))
	var seen []string
	m.Subscribe(func(old, new State) {
		seen = append(seen, old.String()+"->"+new.String())
	})

	m.Fire(BeginLogin())
	m.Fire(AuthFailed(errBoom))
	m.Fire(Retry())
	m.Fire(AuthSucceeded(testCreds()))

	assert.Equal(t, []string{
		"Unauthenticated->Authenticating",
		"Authenticating->Failed(boom)",
		"Failed(boom)->Authenticating",
		"Authenticating->Established",
	}, seen)
}

func TestCredentialsTiedToEstablished(t *testing.T) {
	m := machineIn(t, Established)

	creds, ok := m.Credentials()
	require.True(t, ok)
	assert.True(t, creds.Equal(testCreds()))

	notified := 0
	m.Subscribe(func(_, _ State) { notified++ })

	assert.Equal(t, Unauthenticated, m.Fire(Logout()).Phase)
	creds, ok = m.Credentials()
	assert.False(t, ok)
	assert.True(t, creds.IsZero())

	// A second logout is a no-op.
	assert.Equal(t, Unauthenticated, m.Fire(Logout()).Phase)
	assert.Equal(t, 1, notified)
	creds, _ = m.Credentials()
	assert.True(t, creds.IsZero())
}

func TestInvalidateDiscardsCredentials(t *testing.T) {
	m := machineIn(t, Established)
	m.Fire(Invalidate())
	_, ok := m.Credentials()
	assert.False(t, ok)
	assert.Equal(t, Unauthenticated, m.Current().Phase)
}

func TestReentrantFireIsQueued(t *testing.T) {
	m := New(WithLogger(mock.SetupLogger(t)))
	var order []string

	m.Subscribe(func(old, new State) {
		order = append(order, "first:"+new.String())
		if new.Phase == Failed {
			// Applied only after every observer saw Failed.
			got := m.Fire(Retry())
			assert.Equal(t, Failed, got.Phase)
		}
	})
	m.Subscribe(func(old, new State) {
		order = append(order, "second:"+new.String())
	})

	m.Fire(BeginLogin())
	final := m.Fire(AuthFailed(errBoom))

	assert.Equal(t, Authenticating, final.Phase)
	assert.Equal(t, []string{
		"first:Authenticating",
		"second:Authenticating",
		"first:Failed(boom)",
		"second:Failed(boom)",
		"first:Authenticating",
		"second:Authenticating",
	}, order)
}

func TestConcurrentFireIsSerialized(t *testing.T) {
	m := New(WithLogger(mock.SetupLogger(t)))
	var inside, overlaps, transitions atomic.Int32
	m.Subscribe(func(_, _ State) {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		transitions.Add(1)
		inside.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Fire(BeginLogin())
			m.Fire(AuthSucceeded(testCreds()))
			m.Fire(Logout())
		}()
	}
	wg.Wait()
	m.Drain()

	assert.Zero(t, overlaps.Load())
	assert.Positive(t, transitions.Load())
	creds, ok := m.Credentials()
	assert.Equal(t, m.Current().Phase == Established, ok)
	assert.Equal(t, !ok, creds.IsZero())
}

func TestPlanSeesQueuedEvents(t *testing.T) {
	m := machineIn(t, Failed)

	m.Enqueue(Retry(), AuthSucceeded(testCreds()))
	var projected State
	m.Plan(func(s State) []Event {
		projected = s
		return []Event{Logout()}
	})
	assert.Equal(t, Established, projected.Phase)
	assert.Equal(t, Failed, m.Current().Phase, "nothing applied before Drain")

	assert.Equal(t, Unauthenticated, m.Drain().Phase)
}

func TestUnsubscribe(t *testing.T) {
	m := New(WithLogger(mock.SetupLogger(t)))
	calls := 0
	unsubscribe := m.Subscribe(func(_, _ State) { calls++ })
	m.Fire(BeginLogin())
	unsubscribe()
	m.Fire(AuthFailed(errBoom))
	assert.Equal(t, 1, calls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Failed(boom)", State{Phase: Failed, Reason: errBoom}.String())
	assert.Equal(t, "Established", State{Phase: Established}.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
	assert.Contains(t, AuthSucceeded(testCreds()).String(), "user@example.com")
	assert.NotContains(t, AuthSucceeded(testCreds()).String(), "abc)")
}
