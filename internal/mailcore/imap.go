package mailcore

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"

	"github.com/aaronromeo/mailer/internal/credential"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// imapConnector is one authenticated IMAP connection.
type imapConnector struct {
	raw       credential.Raw
	tlsConfig *tls.Config
	log       *slog.Logger

	mu      sync.Mutex
	client  *giimapclient.Client
	closing bool
}

func newIMAPConnector(raw credential.Raw, tlsConfig *tls.Config, log *slog.Logger) *imapConnector {
	return &imapConnector{raw: raw, tlsConfig: tlsConfig, log: log}
}

// Connect dials the server over TLS and authenticates with the credentials
// the connector was built with.
func (c *imapConnector) Connect(ctx context.Context) error {
	if err := c.raw.Validate(); err != nil {
		return err
	}

	cfg := &tls.Config{ServerName: c.raw.Host}
	if c.tlsConfig != nil {
		cfg = c.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.raw.Host
		}
	}
	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", c.raw.Addr())
	if err != nil {
		return errors.Wrapf(err, "dialing %s", c.raw.Addr())
	}

	// The client calls below do not take a context.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client := giimapclient.New(conn, nil)
	if err := client.WaitGreeting(); err != nil {
		_ = client.Close()
		return errors.Wrap(err, "waiting for server greeting")
	}

	if err := c.authenticate(client); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *imapConnector) authenticate(client *giimapclient.Client) error {
	switch c.raw.Kind() {
	case credential.KindOAuth:
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.raw.Account,
			Token:    c.raw.Token,
			Host:     c.raw.Host,
			Port:     c.raw.Port,
		})
		return errors.Wrap(client.Authenticate(saslClient), "authenticating with OAUTHBEARER")
	default:
		return errors.Wrap(client.Login(c.raw.Username, c.raw.Password).Wait(), "logging in")
	}
}

// Alive checks the connection with a NOOP.
func (c *imapConnector) Alive() error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("IMAP client is not connected")
	}
	return client.Noop().Wait()
}

// Closed is closed when the connection goes away, whoever closed it.
func (c *imapConnector) Closed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.client.Closed()
}

// ClosedByUs reports whether Close was called.
func (c *imapConnector) ClosedByUs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close logs out and clears the connection.
func (c *imapConnector) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.closing = true
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Logout().Wait()
	_ = client.Close()
	return err
}
