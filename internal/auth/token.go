// Package auth mints and verifies the signed join tokens that bind a
// server-generated client identity to a room.
//
// Tokens are compact HMAC-SHA256 JWTs (header.payload.signature, base64url
// without padding). The relay mints them at POST /rooms/join and requires them
// on the WebSocket join frame when auth is enabled, so clients can no longer
// claim arbitrary clientId/roomId pairs.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid join token")
	ErrExpiredToken = errors.New("expired join token")
)

const (
	hmacSHA256SigLen    = 32
	hmacSHA256SigB64Len = 43 // 32 bytes base64url without padding
	maxTokenLen         = 4 * 1024
)

// Claims carried by a join token.
type Claims struct {
	Room     string `json:"room"`
	ClientID string `json:"sid"`
	Iat      int64  `json:"iat"`
	Exp      int64  `json:"exp"`
}

// Minter issues join tokens. The zero value is unusable; construct with
// NewMinter.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewMinter(secret string, ttl time.Duration) (*Minter, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("join token secret must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("join token ttl must be > 0")
	}
	return &Minter{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Mint returns a signed token binding clientID to room, and its expiry.
func (m *Minter) Mint(room, clientID string) (string, time.Time, error) {
	if room == "" || clientID == "" {
		return "", time.Time{}, errors.New("room and clientID are required")
	}

	now := m.now().UTC()
	expiry := now.Add(m.ttl)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(Claims{
		Room:     room,
		ClientID: clientID,
		Iat:      now.Unix(),
		Exp:      expiry.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)

	sig := signParts(m.secret, header, payload)
	return header + "." + payload + "." + sig, expiry, nil
}

// Verifier checks join tokens presented on the WebSocket join frame.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Verify checks the token's signature and expiry and returns its claims. The
// caller is responsible for matching Claims.Room against the requested room.
func (v *Verifier) Verify(token string) (Claims, error) {
	headerB64, payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	// alg allowlist: HS256 only. Anything else (including "none") is rejected.
	if header.Alg != "HS256" {
		return Claims{}, ErrInvalidToken
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Claims{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Room == "" || claims.ClientID == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if v.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func signParts(secret []byte, headerB64, payloadB64 string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func splitToken(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxTokenLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}
