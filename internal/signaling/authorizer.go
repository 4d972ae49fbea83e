package signaling

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/strangercast/rendezvous/internal/config"
)

var (
	// ErrMissingCredential means the request carried no credential yet; the
	// connection may still authenticate with an auth message.
	ErrMissingCredential = errors.New("signaling: missing credential")
	ErrBadCredential     = errors.New("signaling: invalid credential")
)

// Authorizer decides whether a signaling connection may proceed. credential
// is taken from the api_key query parameter on upgrade, or from the auth
// message afterwards; it is empty when neither was supplied.
type Authorizer interface {
	Authorize(r *http.Request, credential string) error
}

// NewAuthorizer builds the authorizer for the configured auth mode.
func NewAuthorizer(cfg config.Config) Authorizer {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return &apiKeyAuthorizer{key: cfg.APIKey}
	default:
		return allowAll{}
	}
}

type allowAll struct{}

func (allowAll) Authorize(*http.Request, string) error { return nil }

type apiKeyAuthorizer struct {
	key string
}

func (a *apiKeyAuthorizer) Authorize(r *http.Request, credential string) error {
	if credential == "" {
		credential = r.URL.Query().Get("api_key")
	}
	if credential == "" {
		return ErrMissingCredential
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(a.key)) != 1 {
		return ErrBadCredential
	}
	return nil
}

// CredentialFromQuery extracts the upgrade-time credential, if any.
func CredentialFromQuery(r *http.Request) string {
	return r.URL.Query().Get("api_key")
}
