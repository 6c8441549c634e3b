// Package appstate holds the coarse session state the presentation layer
// renders: whether a login is required, running, established or failed.
package appstate

import (
	"fmt"

	"github.com/aaronromeo/mailer/internal/credential"
)

// Phase is the coarse session state.
type Phase int

const (
	Unauthenticated Phase = iota
	Authenticating
	Established
	Failed
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticating:
		return "Authenticating"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a Phase plus, for Failed, the reason.
type State struct {
	Phase  Phase
	Reason error
}

func (s State) String() string {
	if s.Phase == Failed && s.Reason != nil {
		return fmt.Sprintf("Failed(%v)", s.Reason)
	}
	return s.Phase.String()
}

// EventKind enumerates the inputs of the transition table.
type EventKind int

const (
	EventBeginLogin EventKind = iota
	EventAuthSucceeded
	EventAuthFailed
	EventRetry
	EventLogout
	EventInvalidate
)

var eventNames = map[EventKind]string{
	EventBeginLogin:    "BeginLogin",
	EventAuthSucceeded: "AuthSucceeded",
	EventAuthFailed:    "AuthFailed",
	EventRetry:         "Retry",
	EventLogout:        "Logout",
	EventInvalidate:    "Invalidate",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one input to the machine. Credentials is only read for
// EventAuthSucceeded and Reason only for EventAuthFailed.
type Event struct {
	Kind        EventKind
	Credentials credential.Set
	Reason      error
}

func BeginLogin() Event { return Event{Kind: EventBeginLogin} }
func Retry() Event      { return Event{Kind: EventRetry} }
func Logout() Event     { return Event{Kind: EventLogout} }
func Invalidate() Event { return Event{Kind: EventInvalidate} }

func AuthSucceeded(creds credential.Set) Event {
	return Event{Kind: EventAuthSucceeded, Credentials: creds}
}

func AuthFailed(reason error) Event {
	return Event{Kind: EventAuthFailed, Reason: reason}
}

func (e Event) String() string {
	switch e.Kind {
	case EventAuthSucceeded:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Credentials)
	case EventAuthFailed:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Reason)
	default:
		return e.Kind.String()
	}
}

// transitions is the complete table of declared (phase, event) pairs.
var transitions = map[Phase]map[EventKind]Phase{
	Unauthenticated: {
		EventBeginLogin: Authenticating,
	},
	Authenticating: {
		EventAuthSucceeded: Established,
		EventAuthFailed:    Failed,
	},
	Failed: {
		EventRetry: Authenticating,
	},
	Established: {
		EventLogout:     Unauthenticated,
		EventInvalidate: Unauthenticated,
	},
}

// Next is the transition function. For an undeclared pair it returns s
// unchanged and false.
func Next(s State, ev Event) (State, bool) {
	to, ok := transitions[s.Phase][ev.Kind]
	if !ok {
		return s, false
	}
	next := State{Phase: to}
	if to == Failed {
		next.Reason = ev.Reason
	}
	return next, true
}
