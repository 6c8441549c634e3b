// Package app wires the state machine, the mail core and the login
// controller together for a front end.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aaronromeo/mailer/internal/announcer"
	"github.com/aaronromeo/mailer/internal/appstate"
	"github.com/aaronromeo/mailer/internal/authflow"
	"github.com/aaronromeo/mailer/internal/config"
	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/aaronromeo/mailer/internal/mailcore"
	"golang.org/x/oauth2"
)

var _ authflow.MailCore = (*mailcore.Core)(nil)

type Option func(*options)

type options struct {
	log           *slog.Logger
	store         mailcore.CredentialStore
	coreOpts      []mailcore.Option
	flowOpts      []authflow.Option
	webhookURL    string
	webhookURLSet bool
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.log = logger
	}
}

// WithStore replaces the OS keyring.
func WithStore(store mailcore.CredentialStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithMailCoreOptions appends options applied after those derived from config.
func WithMailCoreOptions(opts ...mailcore.Option) Option {
	return func(o *options) {
		o.coreOpts = append(o.coreOpts, opts...)
	}
}

// WithFlowOptions appends options applied after those derived from config.
func WithFlowOptions(opts ...authflow.Option) Option {
	return func(o *options) {
		o.flowOpts = append(o.flowOpts, opts...)
	}
}

// WithWebhookURL overrides MAILER_WEBHOOK_URL. An empty url disables
// announcements.
func WithWebhookURL(url string) Option {
	return func(o *options) {
		o.webhookURL = url
		o.webhookURLSet = true
	}
}

// App owns one login session for the life of the process.
type App struct {
	Machine   *appstate.Machine
	Core      *mailcore.Core
	Flow      *authflow.Controller
	Announcer *announcer.Announcer

	log          *slog.Logger
	unsubscribes []func()
}

// New builds an App from validated config.
func New(cfg config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if !o.webhookURLSet {
		o.webhookURL = config.WebhookURL()
	}

	store := o.store
	if store == nil {
		ks, err := mailcore.OpenKeyring(mailcore.KeyringConfig{
			Service:      cfg.Keyring.Service,
			Backends:     cfg.Keyring.Backends,
			FileDir:      cfg.Keyring.FileDir,
			FilePassword: config.KeyringPassword(),
		})
		if err != nil {
			return nil, err
		}
		store = ks
	}

	coreOpts, err := mailCoreOptions(cfg, o.log, store)
	if err != nil {
		return nil, err
	}
	core, err := mailcore.New(append(coreOpts, o.coreOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating mail core: %w", err)
	}

	flowOpts, err := flowOptions(cfg, o.log)
	if err != nil {
		return nil, err
	}

	machine := appstate.New(appstate.WithLogger(o.log.With("component", "appstate")))
	flow, err := authflow.New(core, machine, append(flowOpts, o.flowOpts...)...)
	if err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("creating login controller: %w", err)
	}

	a := &App{
		Machine: machine,
		Core:    core,
		Flow:    flow,
		Announcer: announcer.New(
			announcer.WithWebhookURL(o.webhookURL),
			announcer.WithLogger(o.log.With("component", "announcer")),
		),
		log: o.log,
	}
	if a.Announcer.Enabled() {
		a.unsubscribes = append(a.unsubscribes, machine.Subscribe(a.Announcer.Observe))
	}
	core.OnLifecycle(a.onLifecycle)
	return a, nil
}

func mailCoreOptions(cfg config.Config, log *slog.Logger, store mailcore.CredentialStore) ([]mailcore.Option, error) {
	opts := []mailcore.Option{
		mailcore.WithLogger(log.With("component", "mailcore")),
		mailcore.WithIMAP(cfg.IMAP.Host, cfg.IMAP.Port),
		mailcore.WithAccount(cfg.IMAP.Account),
		mailcore.WithRedirectAddr(cfg.Provider.RedirectAddr),
		mailcore.WithStore(store),
	}
	if cfg.Provider.Kind != config.ProviderOAuth {
		return opts, nil
	}

	env, err := config.OAuthEnvFromEnv(cfg)
	if err != nil {
		return nil, err
	}
	return append(opts, mailcore.WithOAuth(oauth2.Config{
		ClientID:     env.ClientID,
		ClientSecret: env.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.Provider.AuthURL,
			TokenURL: cfg.Provider.TokenURL,
		},
		Scopes: cfg.Provider.Scopes,
	})), nil
}

func flowOptions(cfg config.Config, log *slog.Logger) ([]authflow.Option, error) {
	consentTimeout, err := cfg.Login.ConsentTimeoutDuration()
	if err != nil {
		return nil, err
	}
	retries, delay, err := cfg.Login.AcceptRetryPolicy()
	if err != nil {
		return nil, err
	}
	acceptTimeout, err := cfg.Login.AcceptTimeoutDuration()
	if err != nil {
		return nil, err
	}
	policy := authflow.PolicyReject
	if cfg.Login.Policy == config.PolicySupersede {
		policy = authflow.PolicySupersede
	}
	return []authflow.Option{
		authflow.WithLogger(log.With("component", "authflow")),
		authflow.WithPolicy(policy),
		authflow.WithConsentTimeout(consentTimeout),
		authflow.WithAcceptRetries(retries, delay),
		authflow.WithAcceptTimeout(acceptTimeout),
	}, nil
}

// onLifecycle invalidates an established session the server dropped.
func (a *App) onLifecycle(l mailcore.Lifecycle) {
	if l != mailcore.LoginRequired {
		return
	}
	if a.Machine.Current().Phase != appstate.Established {
		return
	}
	a.log.Warn("mail session lost, login required")
	a.Machine.Fire(appstate.Invalidate())
}

// Login starts a login attempt.
func (a *App) Login(ctx context.Context) (*authflow.AttemptHandle, error) {
	return a.Flow.Begin(ctx)
}

// Logout drops the held credentials, then disconnects and forgets the stored
// session.
func (a *App) Logout(ctx context.Context) error {
	a.Machine.Fire(appstate.Logout())
	return a.Core.Disconnect(ctx)
}

// StoredCredentials returns the persisted session, if any.
func (a *App) StoredCredentials(ctx context.Context) (credential.Set, error) {
	raw, err := a.Core.StoredCredentials(ctx)
	if err != nil {
		return credential.Set{}, err
	}
	return credential.FromRaw(raw), nil
}

// Close stops the controller, the announcer and the mail core. Stored
// credentials are kept.
func (a *App) Close() error {
	a.Flow.Close()
	for _, unsubscribe := range a.unsubscribes {
		unsubscribe()
	}
	a.unsubscribes = nil
	a.Announcer.Close()
	return a.Core.Close()
}

// IsNotLoggedIn reports whether err means no session has been stored.
func IsNotLoggedIn(err error) bool {
	return errors.Is(err, mailcore.ErrNoCredentials)
}
