// Package turnrest mints coturn-compatible ephemeral TURN credentials.
//
// https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
//	username   = <unix_expiry>:<realm_prefix>:<client_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is server clock UTC plus the configured TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/strangercast/rendezvous/internal/ratelimit"
)

// Credentials is one short-lived TURN login.
type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

type Config struct {
	// SharedSecret must match the TURN server's static-auth-secret.
	SharedSecret string
	// TTL bounds how long the credential authenticates; must be positive.
	TTL time.Duration
	// Prefix tags minted usernames so the TURN operator can attribute them.
	// Must not contain ':'.
	Prefix string
	Clock  ratelimit.Clock
}

type Minter struct {
	secret []byte
	ttl    time.Duration
	prefix string
	clock  ratelimit.Clock
}

func New(cfg Config) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("turnrest: TTL must be positive")
	}
	if cfg.Prefix == "" || strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("turnrest: prefix must be non-empty and contain no ':'")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Minter{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		clock:  clock,
	}, nil
}

// Mint issues credentials bound to clientID. The ID lands in the TURN
// username, so it must not contain ':'.
func (m *Minter) Mint(clientID string) (Credentials, error) {
	if clientID == "" || strings.Contains(clientID, ":") {
		return Credentials{}, errors.New("turnrest: client ID must be non-empty and contain no ':'")
	}
	expires := m.clock.Now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), m.prefix, clientID)
	mac := hmac.New(sha1.New, m.secret)
	mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expires,
	}, nil
}

// MintAnonymous issues credentials for a caller with no session yet, using a
// random ID.
func (m *Minter) MintAnonymous() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return m.Mint(hex.EncodeToString(b[:]))
}
