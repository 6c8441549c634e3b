// Package mailcore is the mail-provider side of a login: it serves the
// loopback consent pages, turns the provider's answer into credentials,
// proves them against the IMAP server and keeps the resulting session.
package mailcore

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const DefaultRedirectAddr = "127.0.0.1:8089"

// Lifecycle is a change of the IMAP session reported upward.
type Lifecycle int

const (
	LoginRequired Lifecycle = iota
	Established
)

func (l Lifecycle) String() string {
	if l == Established {
		return "IMAP established"
	}
	return "login required"
}

// ErrNoConsentSession is returned by AwaitConsentCompletion when no
// authorization URI has been requested.
var ErrNoConsentSession = errors.New("no consent in progress")

type Option func(*Core)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		c.log = logger
	}
}

// WithOAuth makes logins go through the provider described by cfg.
// RedirectURL is filled in from the loopback address. Without it the
// consent page asks for a username and password.
func WithOAuth(cfg oauth2.Config) Option {
	return func(c *Core) {
		c.oauth = &cfg
	}
}

func WithIMAP(host string, port int) Option {
	return func(c *Core) {
		c.imapHost = host
		c.imapPort = port
	}
}

// WithAccount sets the mail address used when the provider does not say.
func WithAccount(account string) Option {
	return func(c *Core) {
		c.account = account
	}
}

func WithRedirectAddr(addr string) Option {
	return func(c *Core) {
		c.redirectAddr = addr
	}
}

func WithTLSConfig(config *tls.Config) Option {
	return func(c *Core) {
		c.tlsConfig = config
	}
}

func WithStore(store CredentialStore) Option {
	return func(c *Core) {
		c.store = store
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Core) {
		c.httpClient = client
	}
}

// Core implements the four login primitives plus Disconnect.
type Core struct {
	log          *slog.Logger
	oauth        *oauth2.Config
	imapHost     string
	imapPort     int
	account      string
	redirectAddr string
	tlsConfig    *tls.Config
	store        CredentialStore
	httpClient   *http.Client

	mu       sync.Mutex
	consent  *consentSession
	probe    *imapConnector
	conn     *imapConnector
	watchers sync.WaitGroup
	hooks    []func(Lifecycle)
}

func New(opts ...Option) (*Core, error) {
	c := &Core{redirectAddr: DefaultRedirectAddr}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if err := validateDeps(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validateDeps(c *Core) error {
	if strings.TrimSpace(c.imapHost) == "" || c.imapPort <= 0 {
		return errors.New("IMAP host and port are required")
	}
	if c.store == nil {
		return errors.New("credential store is required")
	}
	if c.oauth != nil {
		if strings.TrimSpace(c.oauth.ClientID) == "" {
			return errors.New("OAuth client id is required")
		}
		if c.oauth.Endpoint.AuthURL == "" || c.oauth.Endpoint.TokenURL == "" {
			return errors.New("OAuth auth and token URLs are required")
		}
	}
	return nil
}

// OnLifecycle registers fn for session changes. fn runs on the goroutine
// that caused the change.
func (c *Core) OnLifecycle(fn func(Lifecycle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Core) emit(l Lifecycle) {
	c.mu.Lock()
	hooks := append([]func(Lifecycle){}, c.hooks...)
	c.mu.Unlock()

	c.log.Info("session lifecycle", "event", l.String())
	for _, fn := range hooks {
		fn(l)
	}
}

// RequestAuthorizationURI starts a fresh consent server and returns its
// landing page. Any earlier consent session is abandoned.
func (c *Core) RequestAuthorizationURI(ctx context.Context) (*url.URL, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.consent
	c.consent = nil
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	session, err := startConsentSession(c.redirectAddr, c.oauth, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.consent = session
	c.mu.Unlock()

	uri := session.baseURL()
	c.log.Info("consent server listening", "uri", uri.String())
	return uri, nil
}

// AwaitConsentCompletion waits for the consent session to produce
// credentials. A result that arrived before anybody waited is returned
// immediately. The session's server is stopped once this returns.
func (c *Core) AwaitConsentCompletion(ctx context.Context) (credential.Raw, error) {
	c.mu.Lock()
	session := c.consent
	c.mu.Unlock()
	if session == nil {
		return credential.Raw{}, ErrNoConsentSession
	}

	defer c.endConsent(session)

	select {
	case r := <-session.results:
		if r.err != nil {
			return credential.Raw{}, r.err
		}
		c.log.Info("consent completed", "credentials", r.raw)
		return r.raw, nil
	case <-ctx.Done():
		return credential.Raw{}, ctx.Err()
	}
}

func (c *Core) endConsent(session *consentSession) {
	c.mu.Lock()
	if c.consent == session {
		c.consent = nil
	}
	c.mu.Unlock()
	session.close()
}

// ValidateCredentials logs in with raw. The connection is kept so that
// AcceptCredentials can reuse it.
func (c *Core) ValidateCredentials(ctx context.Context, raw credential.Raw) error {
	if err := raw.Validate(); err != nil {
		return err
	}

	conn := newIMAPConnector(raw, c.tlsConfig, c.log)
	if err := conn.Connect(ctx); err != nil {
		return errors.Wrap(err, "validating credentials")
	}

	c.mu.Lock()
	old := c.probe
	c.probe = conn
	c.mu.Unlock()
	_ = old.Close()

	c.log.Info("credentials validated", "credentials", raw)
	return nil
}

// AcceptCredentials makes raw the live session, persists it and reports
// Established.
func (c *Core) AcceptCredentials(ctx context.Context, raw credential.Raw) error {
	c.mu.Lock()
	probe := c.probe
	c.probe = nil
	c.mu.Unlock()

	var conn *imapConnector
	if probe != nil && probe.raw.Equal(raw) && probe.Alive() == nil {
		conn = probe
	} else {
		_ = probe.Close()
		conn = newIMAPConnector(raw, c.tlsConfig, c.log)
		if err := conn.Connect(ctx); err != nil {
			return errors.Wrap(err, "connecting with accepted credentials")
		}
	}

	if err := c.store.Save(ctx, raw); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	_ = old.Close()

	c.watch(conn)
	c.emit(Established)
	return nil
}

// watch reports LoginRequired if the server drops conn while it is the
// live session.
func (c *Core) watch(conn *imapConnector) {
	closed := conn.Closed()
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		<-closed
		if conn.ClosedByUs() {
			return
		}
		c.mu.Lock()
		current := c.conn == conn
		if current {
			c.conn = nil
		}
		c.mu.Unlock()
		if current {
			c.log.Warn("IMAP connection lost")
			c.emit(LoginRequired)
		}
	}()
}

// Disconnect ends the session, forgets stored credentials and reports
// LoginRequired.
func (c *Core) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn, probe, session := c.conn, c.probe, c.consent
	c.conn, c.probe, c.consent = nil, nil, nil
	c.mu.Unlock()

	if session != nil {
		session.close()
	}
	_ = probe.Close()
	if err := conn.Close(); err != nil {
		c.log.Warn("logging out", "error", err)
	}
	c.watchers.Wait()

	if err := c.store.Delete(ctx); err != nil {
		return err
	}
	c.emit(LoginRequired)
	return nil
}

// StoredCredentials returns what the last accepted login persisted.
func (c *Core) StoredCredentials(ctx context.Context) (credential.Raw, error) {
	return c.store.Load(ctx)
}

// Close releases connections and servers without touching stored
// credentials or reporting anything.
func (c *Core) Close() error {
	c.mu.Lock()
	conn, probe, session := c.conn, c.probe, c.consent
	c.conn, c.probe, c.consent = nil, nil, nil
	c.mu.Unlock()

	if session != nil {
		session.close()
	}
	_ = probe.Close()
	err := conn.Close()
	c.watchers.Wait()
	return err
}
