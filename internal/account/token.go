package account

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Token issuance/verification is a hand-rolled HS256 compact JWT. The same
// secret MUST be configured on both the signaling and relay services so a
// token issued here verifies identically everywhere.

var (
	ErrInvalidToken = errors.New("account: invalid access token")
	ErrExpiredToken = errors.New("account: access token expired")
)

// Claims is the decoded payload of an access token: the bearer's user id and
// its expiry. Verification is stateless; there is no revocation list.
type Claims struct {
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer issues and verifies bearer access tokens for a single shared
// secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer builds an issuer with the given shared secret and token
// time-to-live.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type tokenClaims struct {
	UID int64 `json:"uid"`
	Iat int64 `json:"iat"`
	Exp int64 `json:"exp"`
}

// Issue mints a bearer token for userID, valid for the issuer's configured TTL.
func (ti *TokenIssuer) Issue(userID int64) (string, error) {
	now := ti.now()
	headerJSON, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(tokenClaims{
		UID: userID,
		Iat: now.Unix(),
		Exp: now.Add(ti.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	claimsB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)

	mac := hmac.New(sha256.New, ti.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(claimsB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + claimsB64 + "." + sigB64, nil
}

// Verify checks the token's signature and expiry and returns its claims.
func (ti *TokenIssuer) Verify(token string) (Claims, error) {
	headerB64, claimsB64, sigB64, ok := splitToken(token)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if header.Alg != "HS256" {
		return Claims{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidToken, header.Alg)
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, ti.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(claimsB64))
	wantSig := mac.Sum(nil)
	if !hmac.Equal(gotSig, wantSig) {
		return Claims{}, ErrInvalidToken
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(claimsB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	dec := json.NewDecoder(bytes.NewReader(claimsJSON))
	dec.DisallowUnknownFields()
	var claims tokenClaims
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrInvalidToken
	}
	if claims.UID <= 0 {
		return Claims{}, ErrInvalidToken
	}

	now := ti.now().Unix()
	if now >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}

	return Claims{
		UserID:    claims.UID,
		IssuedAt:  time.Unix(claims.Iat, 0).UTC(),
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func splitToken(token string) (headerB64, claimsB64, sigB64 string, ok bool) {
	if token == "" || len(token) > 16*1024 {
		return "", "", "", false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// BearerFromHeader extracts a token from an "Authorization: Bearer <token>" header.
func BearerFromHeader(authHeader string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}
