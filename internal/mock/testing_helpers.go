package mock

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/aaronromeo/mailer/internal/credential"
	gomock "go.uber.org/mock/gomock"
)

// syncBuffer lets loggers shared with background goroutines write safely.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// SetupLogger sets up a debug logger that only outputs if the test fails
func SetupLogger(t testing.TB) *slog.Logger {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Cleanup(func() {
		if t.Failed() {
			os.Stdout.Write(buf.Bytes()) //nolint:errcheck
		}
	})

	return logger
}

// OAuthRaw returns complete OAuth credentials for account.
func OAuthRaw(account, token string) credential.Raw {
	return credential.Raw{
		Account:   account,
		Host:      "imap.example.com",
		Port:      993,
		Token:     token,
		TokenType: "Bearer",
		Expiry:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Custom matcher comparing credential.Raw by value
type rawMatcher struct {
	want credential.Raw
}

func (m rawMatcher) Matches(x interface{}) bool {
	raw, ok := x.(credential.Raw)
	return ok && raw.Equal(m.want)
}

func (m rawMatcher) String() string {
	return "equals " + m.want.String()
}

// RawEq returns a matcher for credentials equal to want
func RawEq(want credential.Raw) gomock.Matcher {
	return rawMatcher{want: want}
}

var consentState = regexp.MustCompile(`name="state" value="([^"]+)"`)

// SignInWithPassword plays the user filling in the password consent form
// served at uri.
func SignInWithPassword(uri *url.URL, username, password string) error {
	resp, err := http.Get(uri.String())
	if err != nil {
		return err
	}
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	m := consentState.FindStringSubmatch(string(page))
	if len(m) != 2 {
		return fmt.Errorf("no state in consent page: %s", page)
	}

	resp, err = http.PostForm(uri.JoinPath("done").String(), url.Values{
		"state":    {m[1]},
		"username": {username},
		"password": {password},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("consent form returned %s", resp.Status)
	}
	return nil
}
