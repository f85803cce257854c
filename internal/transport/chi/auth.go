package chi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Handshake methods.
const (
	MethodToken           = "token"
	MethodAnonymous       = "anonymous"
	MethodUnauthenticated = "unauthenticated"
)

var (
	// ErrUnauthenticatedDisabled rejects handshakes without credentials.
	ErrUnauthenticatedDisabled = errors.New("unauthenticated connections are not allowed")
	// ErrAnonymousDisabled rejects anonymous handshakes.
	ErrAnonymousDisabled = errors.New("anonymous connections are not allowed")
	// ErrTokensDisabled rejects token handshakes when no secret is configured.
	ErrTokensDisabled = errors.New("token authentication is not configured")
	// ErrInvalidToken rejects a token that does not verify.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims of a connection token. The user id is the
// standard "sub" claim.
type Claims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (c *Claims) UserID() string { return c.Subject }

// TokenService issues and verifies HS256 connection tokens.
type TokenService struct {
	secret   []byte
	duration time.Duration
}

// NewTokenService creates a token service with the given HMAC secret and
// token lifetime.
func NewTokenService(secret []byte, duration time.Duration) *TokenService {
	return &TokenService{secret: secret, duration: duration}
}

// Issue creates a signed token for userID.
func (ts *TokenService) Issue(userID, provider string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ts.duration)

	claims := Claims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token.
func (ts *TokenService) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Handshake is the first message of every connection.
type Handshake struct {
	RequestID int64  `json:"request_id"`
	Method    string `json:"method,omitempty"`
	Token     string `json:"token,omitempty"`
}

// HandshakeReply answers a successful handshake.
type HandshakeReply struct {
	RequestID int64  `json:"request_id"`
	Token     string `json:"token,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Authenticator decides whether a handshake may open a session.
type Authenticator struct {
	tokens               *TokenService
	allowAnonymous       bool
	allowUnauthenticated bool
	newUserID            func() string
}

// NewAuthenticator creates an authenticator. tokens may be nil when only
// unauthenticated connections are allowed.
func NewAuthenticator(tokens *TokenService, allowAnonymous, allowUnauthenticated bool) *Authenticator {
	return &Authenticator{
		tokens:               tokens,
		allowAnonymous:       allowAnonymous,
		allowUnauthenticated: allowUnauthenticated,
		newUserID:            uuid.NewString,
	}
}

// Authenticate checks a handshake. A missing method means unauthenticated.
// Anonymous handshakes are issued a token for a fresh user id.
func (a *Authenticator) Authenticate(h Handshake) (HandshakeReply, error) {
	reply := HandshakeReply{RequestID: h.RequestID}
	switch h.Method {
	case "", MethodUnauthenticated:
		if !a.allowUnauthenticated {
			return reply, ErrUnauthenticatedDisabled
		}
		return reply, nil

	case MethodAnonymous:
		if !a.allowAnonymous {
			return reply, ErrAnonymousDisabled
		}
		if a.tokens == nil {
			return reply, ErrTokensDisabled
		}
		userID := a.newUserID()
		token, _, err := a.tokens.Issue(userID, MethodAnonymous)
		if err != nil {
			return reply, err
		}
		reply.Token, reply.UserID = token, userID
		return reply, nil

	case MethodToken:
		if a.tokens == nil {
			return reply, ErrTokensDisabled
		}
		claims, err := a.tokens.Verify(h.Token)
		if err != nil {
			return reply, err
		}
		reply.Token, reply.UserID = h.Token, claims.UserID()
		return reply, nil

	default:
		return reply, fmt.Errorf("unknown handshake method %q", h.Method)
	}
}
