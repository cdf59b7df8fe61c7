// Package auth issues and verifies the compact HS256 tokens that guard the
// live feed. Tokens bind a client ID to an expiry so observers cannot attach
// to feeds they were never granted.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed token or a failed signature check.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// FeedAudience marks tokens minted for the websocket live feed.
const FeedAudience = "plangame-feed"

// Claims captures the payload carried by a feed token.
type Claims struct {
	ClientID  string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenGuard signs and validates compact JWT-style tokens with HS256.
type TokenGuard struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenGuard constructs a guard for the shared secret with the given clock
// skew allowance.
func NewTokenGuard(secret string, leeway time.Duration) (*TokenGuard, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("feed secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenGuard{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the guard clock for deterministic tests.
func (g *TokenGuard) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	g.now = clock
}

// Issue mints a token granting the client feed access for the given lifetime.
func (g *TokenGuard) Issue(clientID string, lifetime time.Duration) (string, error) {
	if g == nil || len(g.secret) == 0 {
		return "", errors.New("guard not initialised")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", errors.New("client id must not be empty")
	}
	if lifetime <= 0 {
		return "", errors.New("token lifetime must be positive")
	}
	now := g.now()
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(struct {
		Subject  string `json:"sub"`
		Audience string `json:"aud"`
		Issued   int64  `json:"iat"`
		Expires  int64  `json:"exp"`
	}{
		Subject:  clientID,
		Audience: FeedAudience,
		Issued:   now.Unix(),
		Expires:  now.Add(lifetime).Unix(),
	})
	if err != nil {
		return "", err
	}
	signed := encodeSegment(header) + "." + encodeSegment(payload)
	signature, err := g.sign([]byte(signed))
	if err != nil {
		return "", err
	}
	return signed + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Verify validates signature and expiry and returns the embedded claims.
func (g *TokenGuard) Verify(token string) (*Claims, error) {
	if g == nil || len(g.secret) == 0 {
		return nil, errors.New("guard not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	headerPayload := parts[0] + "." + parts[1]

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	expectedSig, err := g.sign([]byte(headerPayload))
	if err != nil {
		return nil, err
	}
	signatureBytes, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload struct {
		Subject  string `json:"sub"`
		Audience string `json:"aud"`
		Issued   int64  `json:"iat"`
		Expires  int64  `json:"exp"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(g.leeway).Before(g.now()) {
		return nil, ErrExpiredToken
	}

	return &Claims{
		ClientID:  payload.Subject,
		Audience:  payload.Audience,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

func (g *TokenGuard) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, g.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
