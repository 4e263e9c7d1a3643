package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims of an access token. Subject is the user id.
type TokenClaims struct {
	jwt.RegisteredClaims
	Plan string `json:"plan,omitempty"`
}

// Credentials is what the bearer header of a request resolved to. A request
// without a header has Present false; a malformed or expired token has Err set.
type Credentials struct {
	Present bool
	UserID  string
	Err     error
}

type credentialsKey struct{}

var (
	errMalformedHeader = errors.New("authorization header must be a bearer token")
	errMissingSubject  = errors.New("token has no subject")
)

// SignJWT issues an HS256 token. ExpiresAt defaults to one hour from now.
func SignJWT(secret string, claims TokenClaims) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyJWT parses an HS256 token and validates its signature and expiry.
func VerifyJWT(secret, token string) (*TokenClaims, error) {
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errMissingSubject
	}
	return &claims, nil
}

// Authenticate resolves the bearer token, if any, and stores the outcome in
// the request context. It never rejects: each route decides whether
// credentials are required.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := resolveCredentials(secret, r)
			next.ServeHTTP(w, r.WithContext(ContextWithCredentials(r.Context(), creds)))
		})
	}
}

func resolveCredentials(secret string, r *http.Request) Credentials {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		// Browsers cannot set headers on a WebSocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" && isWebSocketUpgrade(r) {
			authHeader = "Bearer " + token
		} else {
			return Credentials{}
		}
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Credentials{Present: true, Err: errMalformedHeader}
	}
	claims, err := VerifyJWT(secret, strings.TrimSpace(token))
	if err != nil {
		return Credentials{Present: true, Err: fmt.Errorf("verify token: %w", err)}
	}
	return Credentials{Present: true, UserID: claims.Subject}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// CredentialsFromContext returns the credentials stored by Authenticate.
func CredentialsFromContext(ctx context.Context) Credentials {
	if v, ok := ctx.Value(credentialsKey{}).(Credentials); ok {
		return v
	}
	return Credentials{}
}

// ContextWithCredentials attaches creds to ctx.
func ContextWithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// UserIDFromContext returns the verified user id, or "".
func UserIDFromContext(ctx context.Context) string {
	c := CredentialsFromContext(ctx)
	if c.Err != nil {
		return ""
	}
	return c.UserID
}
