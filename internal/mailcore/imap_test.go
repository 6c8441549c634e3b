package mailcore

import (
	"context"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/aaronromeo/mailer/internal/credential"
	"github.com/aaronromeo/mailer/internal/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleRecorder chan Lifecycle

func (r lifecycleRecorder) next(t *testing.T) Lifecycle {
	t.Helper()
	select {
	case l := <-r:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("no lifecycle event")
		return LoginRequired
	}
}

func newIMAPCore(t *testing.T, srv mock.IMAPServer) (*Core, *KeyringStore, lifecycleRecorder) {
	t.Helper()
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))
	core, err := New(
		WithLogger(mock.SetupLogger(t)),
		WithIMAP(srv.Host, srv.Port),
		WithRedirectAddr("127.0.0.1:0"),
		WithTLSConfig(mock.ClientTLSConfig()),
		WithStore(store),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	events := make(lifecycleRecorder, 8)
	core.OnLifecycle(func(l Lifecycle) { events <- l })
	return core, store, events
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestValidateCredentialsLocalServer(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	core, _, _ := newIMAPCore(t, srv)
	ctx := testContext(t)

	require.NoError(t, core.ValidateCredentials(ctx, srv.Raw("password")))

	err := core.ValidateCredentials(ctx, srv.Raw("wrong"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validating credentials")

	err = core.ValidateCredentials(ctx, credential.Raw{Host: srv.Host, Port: srv.Port})
	assert.ErrorContains(t, err, "neither a token")
}

func TestAcceptReusesValidatedConnection(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	core, store, events := newIMAPCore(t, srv)
	ctx := testContext(t)
	raw := srv.Raw("password")

	require.NoError(t, core.ValidateCredentials(ctx, raw))
	core.mu.Lock()
	probe := core.probe
	core.mu.Unlock()
	require.NotNil(t, probe)

	require.NoError(t, core.AcceptCredentials(ctx, raw))
	assert.Equal(t, Established, events.next(t))

	core.mu.Lock()
	assert.Same(t, probe, core.conn)
	assert.Nil(t, core.probe)
	core.mu.Unlock()

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, stored.Equal(raw))
}

func TestAcceptConnectsWhenNothingWasValidated(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	core, _, events := newIMAPCore(t, srv)
	ctx := testContext(t)

	require.NoError(t, core.AcceptCredentials(ctx, srv.Raw("password")))
	assert.Equal(t, Established, events.next(t))

	core.mu.Lock()
	assert.NotNil(t, core.conn)
	core.mu.Unlock()
}

func TestAcceptFailsWithBadCredentials(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	core, store, events := newIMAPCore(t, srv)
	ctx := testContext(t)

	err := core.AcceptCredentials(ctx, srv.Raw("wrong"))
	require.Error(t, err)
	assert.Empty(t, events)

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestDisconnectForgetsSession(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	core, store, events := newIMAPCore(t, srv)
	ctx := testContext(t)

	require.NoError(t, core.AcceptCredentials(ctx, srv.Raw("password")))
	assert.Equal(t, Established, events.next(t))

	require.NoError(t, core.Disconnect(ctx))
	assert.Equal(t, LoginRequired, events.next(t))

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = core.StoredCredentials(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)

	// Nothing left to tear down.
	require.NoError(t, core.Disconnect(ctx))
	assert.Equal(t, LoginRequired, events.next(t))
}

func TestLostConnectionRequiresLogin(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	core, _, events := newIMAPCore(t, srv)
	ctx := testContext(t)

	require.NoError(t, core.AcceptCredentials(ctx, srv.Raw("password")))
	assert.Equal(t, Established, events.next(t))

	require.NoError(t, srv.Server.Close())
	assert.Equal(t, LoginRequired, events.next(t))

	core.mu.Lock()
	assert.Nil(t, core.conn)
	core.mu.Unlock()
}

func TestLifecycleString(t *testing.T) {
	assert.Equal(t, "IMAP established", Established.String())
	assert.Equal(t, "login required", LoginRequired.String())
}
