package cli

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/99designs/keyring"
	"github.com/aaronromeo/mailer/internal/app"
	"github.com/aaronromeo/mailer/internal/authflow"
	"github.com/aaronromeo/mailer/internal/config"
	"github.com/aaronromeo/mailer/internal/mailcore"
	"github.com/aaronromeo/mailer/internal/mock"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(args ...string) (string, error) {
	rootCmd.SetArgs(args)
	var output bytes.Buffer
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&output)
	err := rootCmd.Execute()
	return output.String(), err
}

// useTestApp points commands at srv, keeps credentials in memory, and
// answers every consent page with password.
func useTestApp(t *testing.T, srv mock.IMAPServer, password string) {
	t.Helper()
	store := mailcore.NewKeyringStore(keyring.NewArrayKeyring(nil))
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		signInErrs []error
	)

	prev := newApp
	newApp = func(cfg config.Config, opts ...app.Option) (*app.App, error) {
		opts = append(opts,
			app.WithStore(store),
			app.WithMailCoreOptions(mailcore.WithTLSConfig(mock.ClientTLSConfig())),
			app.WithWebhookURL(""),
		)
		a, err := app.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		a.Flow.OnConsentURIReady(func(_ uint64, uri *url.URL) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mock.SignInWithPassword(uri, mock.IMAPUser, password); err != nil {
					mu.Lock()
					signInErrs = append(signInErrs, err)
					mu.Unlock()
				}
			}()
		})
		return a, nil
	}
	t.Cleanup(func() {
		newApp = prev
		wg.Wait()
		for _, err := range signInErrs {
			t.Errorf("sign in: %v", err)
		}
	})
}

func passwordConfig(t *testing.T, srv mock.IMAPServer) string {
	return writeConfig(t, fmt.Sprintf(`
provider:
  kind: password
  redirect_addr: 127.0.0.1:0
imap:
  host: %s
  port: %d
login:
  consent_timeout: 10s
`, srv.Host, srv.Port))
}

func TestValidateConfigPrintsSummary(t *testing.T) {
	t.Setenv("MAILER_OAUTH_CLIENT_ID", "client-id")
	t.Setenv("MAILER_OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("MAILER_WEBHOOK_URL", "")
	path := writeConfig(t, "provider:\n  name: gmail\n")

	out, err := run("validate-config", "--config", path)
	if err != nil {
		t.Fatalf("validate-config failed: %v", err)
	}
	for _, want := range []string{"Config summary", "gmail (oauth)", "imap.gmail.com:993", "reporting webhook: disabled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestValidateConfigRequiresSecrets(t *testing.T) {
	t.Setenv("MAILER_OAUTH_CLIENT_ID", "")
	t.Setenv("MAILER_OAUTH_CLIENT_SECRET", "")
	path := writeConfig(t, "provider:\n  name: gmail\n")

	_, err := run("validate-config", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "MAILER_OAUTH_CLIENT_SECRET") {
		t.Fatalf("expected missing secret error, got: %v", err)
	}
}

func TestConfigPathIsRequired(t *testing.T) {
	t.Setenv(configEnvVar, "")

	_, err := run("status", "--config", "")
	if err == nil || !strings.Contains(err.Error(), "config path is required") {
		t.Fatalf("expected config path error, got: %v", err)
	}
}

func TestLoginStatusLogout(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	useTestApp(t, srv, mock.IMAPPassword)
	path := passwordConfig(t, srv)

	out, err := run("status", "--config", path)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Not logged in") {
		t.Fatalf("expected not logged in, got:\n%s", out)
	}

	out, err = run("login", "--config", path)
	if err != nil {
		t.Fatalf("login failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Signing in...", "Open this link", "Session established", "signed in as " + mock.IMAPUser} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	out, err = run("status", "--config", path)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Logged in as "+mock.IMAPUser) {
		t.Fatalf("expected stored session, got:\n%s", out)
	}
	if strings.Contains(out, "password="+mock.IMAPPassword) || !strings.Contains(out, "redacted") {
		t.Fatalf("expected redacted credentials, got:\n%s", out)
	}

	out, err = run("logout", "--config", path)
	if err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if !strings.Contains(out, "Logged out") {
		t.Fatalf("expected logout message, got:\n%s", out)
	}

	out, err = run("status", "--config", path)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Not logged in") {
		t.Fatalf("expected not logged in after logout, got:\n%s", out)
	}
}

func TestLoginFailureExitsWithError(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	useTestApp(t, srv, "wrong")

	out, err := run("login", "--config", passwordConfig(t, srv))
	if err == nil {
		t.Fatalf("expected login to fail:\n%s", out)
	}
	if !errors.Is(err, authflow.ErrCredentialsInvalid) {
		t.Fatalf("expected invalid credentials, got: %v", err)
	}
	if !strings.Contains(out, "Sign-in failed") {
		t.Fatalf("expected failure to be shown, got:\n%s", out)
	}
}

func TestLoginRejectsBadTimeout(t *testing.T) {
	srv := mock.NewIMAPServer(t)
	useTestApp(t, srv, mock.IMAPPassword)
	t.Cleanup(func() { _ = loginCmd.Flags().Set("timeout", "") })

	_, err := run("login", "--config", passwordConfig(t, srv), "--timeout", "whenever")
	if err == nil || !strings.Contains(err.Error(), "consent_timeout") {
		t.Fatalf("expected timeout error, got: %v", err)
	}
}
