package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenVerifier is an HMAC-SHA256 bearer-token Authenticator. The venue
// backend issues tokens with the same shared secret; this implementation
// exists so the core can run standalone (dev, tests, load tools) without
// that backend on the wire.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a TokenVerifier with the given shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

type tokenClaims struct {
	Sub  int64  `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	Exp  int64  `json:"exp"`
}

// Issue creates a signed token for the given identity, valid for ttl.
func (v *TokenVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		Sub:  id.ID,
		Name: id.Name,
		Role: id.Role,
		Exp:  time.Now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + v.sign(body), nil
}

// Verify checks the token signature and expiry and returns the embedded
// identity. All failure modes collapse to ErrAuthRequired; callers refuse
// the connection without distinguishing why.
func (v *TokenVerifier) Verify(token string) (Identity, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" {
		return Identity{}, ErrAuthRequired
	}
	if !hmac.Equal([]byte(v.sign(body)), []byte(sig)) {
		return Identity{}, ErrAuthRequired
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Identity{}, ErrAuthRequired
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Identity{}, ErrAuthRequired
	}
	if claims.Sub == 0 || time.Now().Unix() > claims.Exp {
		return Identity{}, ErrAuthRequired
	}
	return Identity{ID: claims.Sub, Name: claims.Name, Role: claims.Role}, nil
}

func (v *TokenVerifier) sign(body string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
