package authflow

import (
	"context"
	"net/url"

	"github.com/aaronromeo/mailer/internal/credential"
)

// MailCore is the part of the mail-provider core the controller drives.
// Every method must return once ctx is done, though the controller does not
// rely on it.
type MailCore interface {
	RequestAuthorizationURI(ctx context.Context) (*url.URL, error)
	AwaitConsentCompletion(ctx context.Context) (credential.Raw, error)
	ValidateCredentials(ctx context.Context, raw credential.Raw) error
	AcceptCredentials(ctx context.Context, raw credential.Raw) error
	Disconnect(ctx context.Context) error
}
