package mailcore

import (
	"context"
	"encoding/json"

	"github.com/99designs/keyring"
	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/pkg/errors"
)

const (
	DefaultKeyringService = "mailer"
	sessionKey            = "session"
	defaultFilePassword   = "mailer-file-key"
)

// ErrNoCredentials is returned by a CredentialStore holding nothing.
var ErrNoCredentials = errors.New("no stored credentials")

// CredentialStore persists the accepted credentials between runs.
type CredentialStore interface {
	Load(ctx context.Context) (credential.Raw, error)
	Save(ctx context.Context, raw credential.Raw) error
	Delete(ctx context.Context) error
}

// KeyringConfig selects where the OS keyring keeps credentials.
type KeyringConfig struct {
	Service      string
	Backends     []string
	FileDir      string
	FilePassword string
}

// KeyringStore keeps credentials as one JSON item in a keyring.
type KeyringStore struct {
	ring keyring.Keyring
	key  string
}

// OpenKeyring opens the OS keyring described by cfg.
func OpenKeyring(cfg KeyringConfig) (*KeyringStore, error) {
	service := cfg.Service
	if service == "" {
		service = DefaultKeyringService
	}
	password := cfg.FilePassword
	if password == "" {
		password = defaultFilePassword
	}

	var backends []keyring.BackendType
	for _, b := range cfg.Backends {
		backends = append(backends, keyring.BackendType(b))
	}
	if len(backends) == 0 {
		backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return NewKeyringStore(ring), nil
}

func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring, key: sessionKey}
}

func (s *KeyringStore) Load(_ context.Context) (credential.Raw, error) {
	item, err := s.ring.Get(s.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return credential.Raw{}, ErrNoCredentials
	}
	if err != nil {
		return credential.Raw{}, errors.Wrap(err, "reading stored credentials")
	}

	var raw credential.Raw
	if err := json.Unmarshal(item.Data, &raw); err != nil {
		return credential.Raw{}, errors.Wrap(err, "decoding stored credentials")
	}
	return raw, nil
}

func (s *KeyringStore) Save(_ context.Context, raw credential.Raw) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "encoding credentials")
	}
	err = s.ring.Set(keyring.Item{
		Key:         s.key,
		Data:        data,
		Label:       "mailer session",
		Description: "mail account credentials",
	})
	return errors.Wrap(err, "storing credentials")
}

// Delete forgets the stored credentials. Deleting nothing is not an error.
func (s *KeyringStore) Delete(_ context.Context) error {
	err := s.ring.Remove(s.key)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return errors.Wrap(err, "removing stored credentials")
}
