package cli

import (
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/aaronromeo/mailer/internal/appstate"
	"github.com/aaronromeo/mailer/internal/authflow"
)

// gateway renders session state and login progress as text. Its methods
// are called from several goroutines.
type gateway struct {
	mu  sync.Mutex
	out io.Writer
}

func newGateway(out io.Writer) *gateway {
	return &gateway{out: out}
}

func (g *gateway) printf(format string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(g.out, format, args...)
}

func (g *gateway) Transition(from, to appstate.State) {
	switch to.Phase {
	case appstate.Unauthenticated:
		g.printf("Login required\n")
	case appstate.Authenticating:
		g.printf("Signing in...\n")
	case appstate.Established:
		g.printf("Session established\n")
	case appstate.Failed:
		g.printf("Sign-in failed: %v\n", to.Reason)
	}
}

func (g *gateway) ConsentURIReady(_ uint64, uri *url.URL) {
	g.printf("Open this link in your browser to continue:\n  %s\n", uri)
}

func (g *gateway) Completed(id uint64, res authflow.Result) {
	if res.Succeeded() {
		g.printf("Attempt %d signed in as %s\n", id, res.Credentials.Account())
		return
	}
	g.printf("Attempt %d ended: %v\n", id, res.Err)
}
