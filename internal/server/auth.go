package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// defaultTokenTTL is how long issued session tokens stay valid.
const defaultTokenTTL = 30 * 24 * time.Hour

type ctxKeyUserID struct{}

// UserIDFromContext returns the authenticated user for a request. The
// handlers trust this exclusively; user identity is never read from
// request bodies or query parameters.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyUserID{}).(string)
	return v, ok
}

// WithUserID injects a user into the context. Useful for testing.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, uid)
}

// UserCredentials maps usernames to bcrypt password hashes, parsed from
// AUTH_USERS. Hashes are generated with the hash-password subcommand of
// reader-sync-server.
type UserCredentials map[string]string

// JWTVerifier validates HS256 session tokens.
type JWTVerifier struct {
	Secret []byte
}

func (v JWTVerifier) Parse(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}

	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// TokenIssuer mints HS256 session tokens for authenticated users.
type TokenIssuer struct {
	Secret []byte
	TTL    time.Duration

	now func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration) TokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	return TokenIssuer{Secret: secret, TTL: ttl, now: time.Now}
}

func (ti TokenIssuer) Issue(subject string) (string, error) {
	now := ti.now()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.TTL)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.Secret)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HandleToken exchanges a username and password for a session token.
// Failures are logged but the response never distinguishes a missing
// user from a wrong password.
func HandleToken(users UserCredentials, issuer TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
			return
		}

		hash, ok := users[req.Username]
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
			logger.Warn("rejected token request", slog.String("username", req.Username))
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")

			return
		}

		token, err := issuer.Issue(req.Username)
		if err != nil {
			logger.Error("issuing token", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")

			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{Token: token})
	}
}

// RequireUser validates the Bearer token and injects the user into the
// request context.
func RequireUser(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing Authorization header")
				return
			}

			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "malformed Authorization header")
				return
			}

			claims, err := verifier.Parse(strings.TrimSpace(parts[1]))
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.Subject)))
		})
	}
}
