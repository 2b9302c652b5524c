package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "lumatalk"

	scopeAPI    = "api"
	scopeResume = "resume"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongSession = errors.New("resume token names a different session")
)

// Claims is the JWT body for both API bearer tokens and session resume tokens.
// Subject is the user id for API tokens and the session id for resume tokens.
type Claims struct {
	Scope  string `json:"scope"`
	UserID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 tokens.
type Tokens struct {
	secretKey []byte
	ttl       time.Duration
	resumeTTL time.Duration
	now       func() time.Time
}

// NewTokens builds a token helper using the provided secret.
func NewTokens(secretKey string) *Tokens {
	return &Tokens{
		secretKey: []byte(secretKey),
		ttl:       time.Hour,
		resumeTTL: 24 * time.Hour,
		now:       time.Now,
	}
}

// WithTTL sets the lifetime of API tokens.
func (t *Tokens) WithTTL(ttl time.Duration) *Tokens {
	if ttl > 0 {
		t.ttl = ttl
	}
	return t
}

// WithResumeTTL sets the lifetime of resume tokens. It should comfortably
// exceed the reconnect grace period.
func (t *Tokens) WithResumeTTL(ttl time.Duration) *Tokens {
	if ttl > 0 {
		t.resumeTTL = ttl
	}
	return t
}

// TTL is the lifetime of API tokens.
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// IssueAPIToken issues a bearer token for a user.
func (t *Tokens) IssueAPIToken(userID string) (string, error) {
	return t.sign(scopeAPI, userID, userID, t.ttl)
}

// VerifyAPIToken validates a bearer token and returns the user id.
func (t *Tokens) VerifyAPIToken(token string) (string, error) {
	claims, err := t.parse(token, scopeAPI)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IssueResumeToken issues a token that lets a new connection attach to the
// session. userID is carried so a resumed session keeps its owner.
func (t *Tokens) IssueResumeToken(sessionID, userID string) (string, error) {
	return t.sign(scopeResume, sessionID, userID, t.resumeTTL)
}

// VerifyResumeToken checks the token and that it names sessionID. It returns
// the user id recorded at issue time.
func (t *Tokens) VerifyResumeToken(token, sessionID string) (string, error) {
	claims, err := t.parse(token, scopeResume)
	if err != nil {
		return "", err
	}
	if claims.Subject != sessionID {
		return "", ErrWrongSession
	}
	return claims.UserID, nil
}

func (t *Tokens) sign(scope, subject, userID string, ttl time.Duration) (string, error) {
	if t == nil {
		return "", errors.New("tokens helper is nil")
	}
	if len(t.secretKey) == 0 {
		return "", errors.New("token secret is empty")
	}
	now := t.now()
	claims := Claims{
		Scope:  scope,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) parse(token, scope string) (*Claims, error) {
	if t == nil {
		return nil, errors.New("tokens helper is nil")
	}
	if len(t.secretKey) == 0 {
		return nil, errors.New("token secret is empty")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secretKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Scope != scope || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
