// Package credential holds the authentication material produced by a login.
//
// Raw is what the mail core hands back after the consent step. Set is the
// immutable form the session owns once a Raw has been validated and accepted.
// Neither type ever prints its secrets.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes token based logins from username/password ones.
type Kind int

const (
	KindUnknown Kind = iota
	KindOAuth
	KindPassword
)

func (k Kind) String() string {
	switch k {
	case KindOAuth:
		return "oauth"
	case KindPassword:
		return "password"
	default:
		return "unknown"
	}
}

const redacted = "(redacted)"

// Raw is the unvalidated output of the consent step.
type Raw struct {
	Account   string    `json:"account"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	Expiry    time.Time `json:"expiry,omitempty"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
}

// Kind reports which login mechanism r carries. A token wins over a password.
func (r Raw) Kind() Kind {
	if r.Token != "" {
		return KindOAuth
	}
	if r.Username != "" && r.Password != "" {
		return KindPassword
	}
	return KindUnknown
}

// Addr returns host:port of the mail server these credentials are for.
func (r Raw) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Validate checks that r is complete enough to attempt a connection.
func (r Raw) Validate() error {
	missing := []string{}
	if strings.TrimSpace(r.Host) == "" {
		missing = append(missing, "host")
	}
	if r.Port <= 0 {
		missing = append(missing, "port")
	}
	if len(missing) > 0 {
		return fmt.Errorf("credentials missing %s", strings.Join(missing, ", "))
	}
	switch r.Kind() {
	case KindOAuth:
		if strings.TrimSpace(r.Account) == "" {
			return errors.New("oauth credentials require an account")
		}
	case KindPassword:
	default:
		return errors.New("credentials carry neither a token nor a username and password")
	}
	return nil
}

// Equal compares by value.
func (r Raw) Equal(o Raw) bool {
	return r.Account == o.Account &&
		r.Host == o.Host &&
		r.Port == o.Port &&
		r.Token == o.Token &&
		r.TokenType == o.TokenType &&
		r.Expiry.Equal(o.Expiry) &&
		r.Username == o.Username &&
		r.Password == o.Password
}

func (r Raw) String() string {
	return fmt.Sprintf("credentials(kind=%s account=%q addr=%s token=%s password=%s)",
		r.Kind(), r.Account, r.Addr(), Redact(r.Token), Redact(r.Password))
}

// LogValue keeps secrets out of structured logs.
func (r Raw) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", r.Kind().String()),
		slog.String("account", r.Account),
		slog.String("addr", r.Addr()),
		slog.String("token", Redact(r.Token)),
		slog.String("password", Redact(r.Password)),
	)
}

// Set is a validated, immutable credential bundle for one mail account.
// The zero value holds nothing.
type Set struct {
	raw Raw
}

// FromRaw freezes r into a Set.
func FromRaw(r Raw) Set {
	return Set{raw: r}
}

func (s Set) IsZero() bool      { return s.raw.Equal(Raw{}) }
func (s Set) Kind() Kind        { return s.raw.Kind() }
func (s Set) Account() string   { return s.raw.Account }
func (s Set) Host() string      { return s.raw.Host }
func (s Set) Port() int         { return s.raw.Port }
func (s Set) Addr() string      { return s.raw.Addr() }
func (s Set) Token() string     { return s.raw.Token }
func (s Set) TokenType() string { return s.raw.TokenType }
func (s Set) Expiry() time.Time { return s.raw.Expiry }
func (s Set) Username() string  { return s.raw.Username }
func (s Set) Password() string  { return s.raw.Password }

// Raw returns a copy of the underlying material, e.g. for persistence.
func (s Set) Raw() Raw { return s.raw }

// Equal compares by value.
func (s Set) Equal(o Set) bool { return s.raw.Equal(o.raw) }

func (s Set) String() string {
	if s.IsZero() {
		return "credentials(none)"
	}
	return s.raw.String()
}

func (s Set) LogValue() slog.Value {
	return s.raw.LogValue()
}

// Redact hides a secret, keeping a short prefix of long values so two
// redacted tokens can still be told apart in logs.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	if len(runes) <= 8 {
		return redacted
	}
	return string(runes[:2]) + "..." + redacted
}
