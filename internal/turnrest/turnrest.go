// Package turnrest issues coturn-compatible ephemeral TURN credentials.
//
// Relay-only recovery after repeated ICE failures is useless without a TURN
// server the client can actually authenticate to, so the HTTP API hands out
// short-lived credentials derived from a shared secret instead of embedding a
// static username/password pair in every client.
//
// Algorithm (TURN REST, as implemented by coturn):
//
//	username   = <unix_expiry>:<prefix>:<client_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Credentials is one ephemeral username/credential pair. The pair is valid on
// the TURN server until ExpiryUnix.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

type Config struct {
	// SharedSecret must match the secret configured on the TURN server
	// (coturn's static-auth-secret).
	SharedSecret string
	TTL          time.Duration
	// UsernamePrefix distinguishes this deployment's credentials in TURN
	// server logs. Must not contain ':'.
	UsernamePrefix string
	Now            func() time.Time
}

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     int64(cfg.TTL / time.Second),
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

// Generate derives credentials for one client. clientID lands in the TURN
// username, so TURN server logs can be correlated with signaling logs.
func (g *Generator) Generate(clientID string) (Credentials, error) {
	if clientID == "" {
		return Credentials{}, errors.New("clientID is required")
	}
	if strings.Contains(clientID, ":") {
		return Credentials{}, errors.New("clientID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, clientID)
	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiryUnix,
	}, nil
}
