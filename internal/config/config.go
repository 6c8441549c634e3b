package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath        = "MAILER_CONFIG"
	envOAuthClientID     = "MAILER_OAUTH_CLIENT_ID"
	envOAuthClientSecret = "MAILER_OAUTH_CLIENT_SECRET"
	envWebhookURL        = "MAILER_WEBHOOK_URL"
	envKeyringPassword   = "MAILER_KEYRING_PASSWORD"
)

const (
	ProviderOAuth    = "oauth"
	ProviderPassword = "password"

	PolicyReject    = "reject"
	PolicySupersede = "supersede"

	TelemetryOff    = "off"
	TelemetryStdout = "stdout"
	TelemetryOTLP   = "otlp"
)

const (
	defaultRedirectAddr     = "127.0.0.1:8089"
	defaultConsentTimeout   = 5 * time.Minute
	defaultAcceptRetries    = 1
	defaultAcceptRetryDelay = 500 * time.Millisecond
	defaultAcceptTimeout    = time.Minute
)

// Config holds non-secret configuration loaded from YAML.
type Config struct {
	Provider  Provider  `yaml:"provider"`
	IMAP      IMAP      `yaml:"imap"`
	Login     Login     `yaml:"login"`
	Keyring   Keyring   `yaml:"keyring"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Provider describes how the user signs in. Kind is "oauth" or "password".
// Name "gmail" fills in Google's endpoints and scopes.
type Provider struct {
	Kind         string   `yaml:"kind"`
	Name         string   `yaml:"name"`
	ClientID     string   `yaml:"client_id"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	RedirectAddr string   `yaml:"redirect_addr"`
}

type IMAP struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Account string `yaml:"account"`
}

type Login struct {
	ConsentTimeout   string `yaml:"consent_timeout"`
	AcceptRetries    *int   `yaml:"accept_retries"`
	AcceptRetryDelay string `yaml:"accept_retry_delay"`
	AcceptTimeout    string `yaml:"accept_timeout"`
	Policy           string `yaml:"policy"`
}

type Keyring struct {
	Service  string   `yaml:"service"`
	Backends []string `yaml:"backends"`
	FileDir  string   `yaml:"file_dir"`
}

type Telemetry struct {
	Mode        string `yaml:"mode"`
	ServiceName string `yaml:"service_name"`
}

// OAuthEnv holds the OAuth client secrets from environment variables.
type OAuthEnv struct {
	ClientID     string
	ClientSecret string
}

var gmail = Provider{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
	Scopes: []string{
		"https://mail.google.com/",
		"https://www.googleapis.com/auth/userinfo.email",
		"openid",
	},
}

func ParseRelativeDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasSuffix(trimmed, "d") {
		daysValue := strings.TrimSuffix(trimmed, "d")
		days, err := strconv.ParseFloat(strings.TrimSpace(daysValue), 64)
		if err != nil {
			return 0, err
		}
		if days < 0 {
			return 0, errors.New("duration must be positive")
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, errors.New("duration must be positive")
	}
	return dur, nil
}

// Load reads configuration from a YAML file and fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	p := &cfg.Provider
	if p.Kind == "" {
		p.Kind = ProviderOAuth
	}
	if strings.EqualFold(p.Name, "gmail") {
		p.AuthURL = defaultIfEmpty(p.AuthURL, gmail.AuthURL)
		p.TokenURL = defaultIfEmpty(p.TokenURL, gmail.TokenURL)
		if len(p.Scopes) == 0 {
			p.Scopes = append([]string(nil), gmail.Scopes...)
		}
		cfg.IMAP.Host = defaultIfEmpty(cfg.IMAP.Host, "imap.gmail.com")
	}
	p.RedirectAddr = defaultIfEmpty(p.RedirectAddr, defaultRedirectAddr)
	if cfg.IMAP.Port == 0 {
		cfg.IMAP.Port = 993
	}
	cfg.Login.Policy = defaultIfEmpty(cfg.Login.Policy, PolicyReject)
	cfg.Telemetry.Mode = defaultIfEmpty(cfg.Telemetry.Mode, TelemetryOff)
	cfg.Telemetry.ServiceName = defaultIfEmpty(cfg.Telemetry.ServiceName, "mailer")
}

// ConsentTimeoutDuration returns how long a login waits for the user.
func (l Login) ConsentTimeoutDuration() (time.Duration, error) {
	d, err := ParseRelativeDuration(l.ConsentTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid login.consent_timeout: %w", err)
	}
	if d == 0 {
		return defaultConsentTimeout, nil
	}
	return d, nil
}

// AcceptRetryPolicy returns how often, and how far apart, accepting
// validated credentials is retried.
func (l Login) AcceptRetryPolicy() (int, time.Duration, error) {
	retries := defaultAcceptRetries
	if l.AcceptRetries != nil {
		retries = *l.AcceptRetries
	}
	if retries < 0 {
		return 0, 0, errors.New("login.accept_retries must not be negative")
	}
	delay := defaultAcceptRetryDelay
	if strings.TrimSpace(l.AcceptRetryDelay) != "" {
		d, err := ParseRelativeDuration(l.AcceptRetryDelay)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid login.accept_retry_delay: %w", err)
		}
		delay = d
	}
	return retries, delay, nil
}

// AcceptTimeoutDuration bounds each try at accepting validated credentials.
func (l Login) AcceptTimeoutDuration() (time.Duration, error) {
	d, err := ParseRelativeDuration(l.AcceptTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid login.accept_timeout: %w", err)
	}
	if d == 0 {
		return defaultAcceptTimeout, nil
	}
	return d, nil
}

// OAuthEnvFromEnv loads the OAuth client from the environment. The client id
// falls back to the YAML value; the secret is only read from the environment.
func OAuthEnvFromEnv(cfg Config) (OAuthEnv, error) {
	clientID := strings.TrimSpace(os.Getenv(envOAuthClientID))
	if clientID == "" {
		clientID = strings.TrimSpace(cfg.Provider.ClientID)
	}
	secret := strings.TrimSpace(os.Getenv(envOAuthClientSecret))

	missing := []string{}
	if clientID == "" {
		missing = append(missing, envOAuthClientID)
	}
	if secret == "" {
		missing = append(missing, envOAuthClientSecret)
	}
	if len(missing) > 0 {
		return OAuthEnv{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return OAuthEnv{ClientID: clientID, ClientSecret: secret}, nil
}

// ValidateEnv ensures required environment variables are set.
func ValidateEnv(cfg Config) error {
	if cfg.Provider.Kind != ProviderOAuth {
		return nil
	}
	_, err := OAuthEnvFromEnv(cfg)
	return err
}

// KeyringPassword protects the file keyring backend, when that one is used.
func KeyringPassword() string {
	return os.Getenv(envKeyringPassword)
}

// WebhookURL returns the session announcement webhook, if any.
func WebhookURL() string {
	return strings.TrimSpace(os.Getenv(envWebhookURL))
}

// ReportingEnabled returns true when a webhook URL is configured via env var.
func ReportingEnabled() bool {
	return WebhookURL() != ""
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	reportingStatus := "disabled"
	if ReportingEnabled() {
		reportingStatus = "enabled"
	}
	consent, _ := cfg.Login.ConsentTimeoutDuration()
	return fmt.Sprintf(
		"Config summary\n"+
			"- provider: %s (%s)\n"+
			"- imap: %s\n"+
			"- consent timeout: %s\n"+
			"- busy policy: %s\n"+
			"- telemetry: %s\n"+
			"- reporting webhook: %s",
		defaultIfEmpty(cfg.Provider.Name, "(custom)"),
		cfg.Provider.Kind,
		net.JoinHostPort(cfg.IMAP.Host, strconv.Itoa(cfg.IMAP.Port)),
		consent,
		cfg.Login.Policy,
		cfg.Telemetry.Mode,
		reportingStatus,
	)
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Validate performs basic validation on non-secret config.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.IMAP.Host) == "" {
		return errors.New("config must define imap.host")
	}
	if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d is out of range", cfg.IMAP.Port)
	}

	switch cfg.Provider.Kind {
	case ProviderOAuth:
		if strings.TrimSpace(cfg.Provider.AuthURL) == "" || strings.TrimSpace(cfg.Provider.TokenURL) == "" {
			return errors.New("oauth provider must define provider.auth_url and provider.token_url (or provider.name)")
		}
		if len(cfg.Provider.Scopes) == 0 {
			return errors.New("oauth provider must define provider.scopes")
		}
	case ProviderPassword:
	default:
		return fmt.Errorf("unknown provider.kind %q", cfg.Provider.Kind)
	}

	if _, _, err := net.SplitHostPort(cfg.Provider.RedirectAddr); err != nil {
		return fmt.Errorf("invalid provider.redirect_addr: %w", err)
	}
	if _, err := cfg.Login.ConsentTimeoutDuration(); err != nil {
		return err
	}
	if _, _, err := cfg.Login.AcceptRetryPolicy(); err != nil {
		return err
	}
	if _, err := cfg.Login.AcceptTimeoutDuration(); err != nil {
		return err
	}
	switch cfg.Login.Policy {
	case PolicyReject, PolicySupersede:
	default:
		return fmt.Errorf("unknown login.policy %q", cfg.Login.Policy)
	}
	switch cfg.Telemetry.Mode {
	case TelemetryOff, TelemetryStdout, TelemetryOTLP:
	default:
		return fmt.Errorf("unknown telemetry.mode %q", cfg.Telemetry.Mode)
	}
	return nil
}
