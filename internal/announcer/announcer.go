// Package announcer posts session state transitions to a webhook.
package announcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aaronromeo/mailer/internal/appstate"
	"github.com/cenkalti/backoff/v4"
)

const (
	webhookAnnouncePath = "/announcements"
	queueSize           = 32
)

type Option func(*Announcer)

func WithWebhookURL(webhookURL string) Option {
	return func(a *Announcer) {
		a.baseURL = strings.TrimRight(strings.TrimSpace(webhookURL), "/")
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Announcer) {
		a.log = logger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Announcer) {
		a.client = client
	}
}

// WithRetries sets how often a failed post is repeated and the pause
// between tries.
func WithRetries(n int, delay time.Duration) Option {
	return func(a *Announcer) {
		a.retries = n
		a.retryDelay = delay
	}
}

type transition struct {
	from, to appstate.State
}

// Announcer is an appstate observer. Observe never blocks the machine;
// posts happen on a background goroutine in transition order.
type Announcer struct {
	baseURL    string
	client     *http.Client
	log        *slog.Logger
	retries    int
	retryDelay time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan transition
	done   chan struct{}
}

func New(opts ...Option) *Announcer {
	a := &Announcer{
		client:     &http.Client{Timeout: 10 * time.Second},
		retries:    2,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if a.Enabled() {
		a.queue = make(chan transition, queueSize)
		a.done = make(chan struct{})
		go a.run()
	}
	return a
}

// Enabled reports whether a webhook is configured.
func (a *Announcer) Enabled() bool {
	return a.baseURL != ""
}

// Observe queues a transition for delivery. It has the appstate.Observer
// signature. Transitions are dropped when the queue is full or the
// announcer is closed.
func (a *Announcer) Observe(from, to appstate.State) {
	if !a.Enabled() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- transition{from: from, to: to}:
	default:
		a.log.Warn("announcement queue full, dropping transition", "from", from.String(), "to", to.String())
	}
}

func (a *Announcer) run() {
	defer close(a.done)
	for t := range a.queue {
		if err := a.Do(context.Background(), t.from, t.to); err != nil {
			a.log.Warn("announcing session transition", "error", err, "to", t.to.String())
		}
	}
}

// Close delivers what is queued and stops the background goroutine.
func (a *Announcer) Close() {
	if !a.Enabled() {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

type payload struct {
	Message string `json:"message"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// Do posts one transition, retrying failed deliveries.
func (a *Announcer) Do(ctx context.Context, from, to appstate.State) error {
	if !a.Enabled() {
		return nil
	}

	p := payload{
		Message: fmt.Sprintf("Session %s -> %s\n", from, to),
		From:    from.Phase.String(),
		To:      to.Phase.String(),
	}
	if to.Reason != nil {
		p.Reason = to.Reason.Error()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	var policy backoff.BackOff = backoff.NewConstantBackOff(a.retryDelay)
	policy = backoff.WithMaxRetries(policy, uint64(max(a.retries, 0)))
	return backoff.Retry(func() error {
		return a.post(ctx, body)
	}, backoff.WithContext(policy, ctx))
}

func (a *Announcer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+webhookAnnouncePath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("reporting webhook returned status %s", resp.Status)
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
