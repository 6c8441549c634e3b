package mailcore

import (
	"context"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringStoreRoundTrip(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := NewKeyringStore(ring)
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNoCredentials)

	raw := credential.Raw{
		Account:   "user@example.com",
		Host:      "imap.gmail.com",
		Port:      993,
		Token:     "ya29.token",
		TokenType: "Bearer",
		Expiry:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, raw))

	item, err := ring.Get(sessionKey)
	require.NoError(t, err)
	assert.Contains(t, string(item.Data), `"account":"user@example.com"`)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(raw))

	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.NoError(t, store.Delete(ctx), "deleting nothing")
}

func TestKeyringStoreRejectsCorruptItem(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: sessionKey, Data: []byte("{not json")}})
	_, err := NewKeyringStore(ring).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding stored credentials")
}

func TestOpenKeyringFileBackend(t *testing.T) {
	store, err := OpenKeyring(KeyringConfig{
		Service:      "mailer-test",
		Backends:     []string{string(keyring.FileBackend)},
		FileDir:      t.TempDir(),
		FilePassword: "test-password",
	})
	require.NoError(t, err)

	ctx := context.Background()
	raw := credential.Raw{Host: "imap.example.com", Port: 993, Username: "u", Password: "p"}
	require.NoError(t, store.Save(ctx, raw))
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(raw))
}
