package mailcore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

//go:embed templates/*.html
var templatesFS embed.FS

const shutdownTimeout = 5 * time.Second

type consentResult struct {
	raw credential.Raw
	err error
}

// consentSession is one loopback web server waiting for the browser to come
// back from the provider (or, for password accounts, for the login form).
type consentSession struct {
	log        *slog.Logger
	state      string
	verifier   string
	oauth      *oauth2.Config
	httpClient *http.Client
	host       string
	port       int
	account    string

	app      *fiber.App
	ln       net.Listener
	served   chan error
	results  chan consentResult
	deliver  sync.Once
	shutdown sync.Once
}

func newViews() (*html.Engine, error) {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, err
	}
	return html.NewFileSystem(http.FS(sub), ".html"), nil
}

// startConsentSession listens on addr and serves the consent pages until
// close is called. oauth is nil for password accounts.
func startConsentSession(addr string, oauth *oauth2.Config, c *Core) (*consentSession, error) {
	views, err := newViews()
	if err != nil {
		return nil, errors.Wrap(err, "loading consent templates")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}

	s := &consentSession{
		log:        c.log,
		state:      uuid.NewString(),
		httpClient: c.httpClient,
		host:       c.imapHost,
		port:       c.imapPort,
		account:    c.account,
		ln:         ln,
		served:     make(chan error, 1),
		results:    make(chan consentResult, 1),
	}
	if oauth != nil {
		cfg := *oauth
		cfg.RedirectURL = s.baseURL().JoinPath("done").String()
		s.oauth = &cfg
		s.verifier = oauth2.GenerateVerifier()
	}

	s.app = fiber.New(fiber.Config{
		Views:                 views,
		DisableStartupMessage: true,
		Immutable:             true,
	})
	s.app.Use(otelfiber.Middleware())
	s.app.Get("/", s.index)
	s.app.Get("/done", s.done)
	s.app.Post("/done", s.done)
	s.app.Get("/favicon.ico", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	go func() {
		s.served <- s.app.Listener(ln)
	}()

	return s, nil
}

func (s *consentSession) baseURL() *url.URL {
	return &url.URL{Scheme: "http", Host: s.ln.Addr().String(), Path: "/"}
}

// authCodeURL is the provider page the landing page links to.
func (s *consentSession) authCodeURL() string {
	if s.oauth == nil {
		return ""
	}
	return s.oauth.AuthCodeURL(s.state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(s.verifier))
}

func (s *consentSession) index(c *fiber.Ctx) error {
	return c.Render("index", fiber.Map{
		"Title":    "Sign in to mailer",
		"AuthURL":  s.authCodeURL(),
		"Provider": providerName(s.oauth),
		"State":    s.state,
	})
}

func (s *consentSession) done(c *fiber.Ctx) error {
	if c.FormValue("state") != s.state {
		s.log.Warn("consent redirect with unexpected state")
		return s.failed(c, fiber.StatusBadRequest, "This sign-in link is not the one mailer is waiting for.")
	}

	if providerErr := c.FormValue("error"); providerErr != "" {
		err := fmt.Errorf("provider returned %s: %s", providerErr, c.FormValue("error_description"))
		s.resolve(consentResult{err: err})
		return s.failed(c, fiber.StatusUnauthorized, "Sign-in was not completed: "+providerErr)
	}

	raw, err := s.credentials(c)
	if err != nil {
		s.resolve(consentResult{err: err})
		return s.failed(c, fiber.StatusBadGateway, "Sign-in failed. Check mailer for details.")
	}

	if !s.resolve(consentResult{raw: raw}) {
		return s.failed(c, fiber.StatusConflict, "This sign-in has already been completed.")
	}
	return c.Render("done", fiber.Map{
		"Title":   "Signed in",
		"Account": raw.Account,
	})
}

func (s *consentSession) credentials(c *fiber.Ctx) (credential.Raw, error) {
	raw := credential.Raw{Host: s.host, Port: s.port, Account: s.account}

	if s.oauth == nil {
		raw.Username = c.FormValue("username")
		raw.Password = c.FormValue("password")
		if raw.Username == "" || raw.Password == "" {
			return credential.Raw{}, errors.New("username and password are required")
		}
		raw.Account = raw.Username
		return raw, nil
	}

	code := c.FormValue("code")
	if code == "" {
		return credential.Raw{}, errors.New("redirect carried no authorization code")
	}

	ctx := c.UserContext()
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	tok, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(s.verifier))
	if err != nil {
		return credential.Raw{}, errors.Wrap(err, "exchanging authorization code")
	}

	if email, err := emailFromIDToken(tok); err != nil {
		s.log.Warn("ignoring unreadable id_token", "error", err)
	} else if email != "" {
		raw.Account = email
	}
	if raw.Account == "" {
		return credential.Raw{}, errors.New("token response did not identify the account")
	}

	raw.Token = tok.AccessToken
	raw.TokenType = tok.Type()
	raw.Expiry = tok.Expiry
	return raw, nil
}

func (s *consentSession) failed(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).Render("failed", fiber.Map{
		"Title":   "Sign-in failed",
		"Message": msg,
	})
}

// resolve hands r to the waiter, or keeps it until one arrives. Only the
// first result of a session counts.
func (s *consentSession) resolve(r consentResult) bool {
	delivered := false
	s.deliver.Do(func() {
		s.results <- r
		delivered = true
	})
	return delivered
}

func (s *consentSession) close() {
	s.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			s.log.Warn("stopping consent server", "error", err)
		}
		_ = s.ln.Close()
		<-s.served
	})
}

// emailFromIDToken reads the email claim of the OpenID id_token, if the
// provider sent one. The token came straight from the token endpoint, so the
// signature is not checked.
func emailFromIDToken(tok *oauth2.Token) (string, error) {
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return "", nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", err
	}
	email, _ := claims["email"].(string)
	return email, nil
}

func providerName(cfg *oauth2.Config) string {
	if cfg == nil {
		return ""
	}
	u, err := url.Parse(cfg.Endpoint.AuthURL)
	if err != nil || u.Host == "" {
		return "your provider"
	}
	return u.Hostname()
}
