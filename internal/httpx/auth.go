package httpx

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStudent      = "student"
	RoleTeacher      = "teacher"
	RoleLabAssistant = "lab-assistant"
	RoleAdmin        = "admin"
)

var staffRoles = []string{RoleTeacher, RoleLabAssistant, RoleAdmin}

// Claims carry the caller identity; the user id is the subject.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Identity struct {
	ID   string
	Name string
	Role string
}

func (id Identity) IsStaff() bool { return slices.Contains(staffRoles, id.Role) }

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// IssueToken signs an HS256 token for the given user.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Name: id.Name,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (Identity, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, err
	}
	if !tok.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid token")
	}
	return Identity{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller identity in the request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
				return
			}
			id, err := parseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole admits callers whose role is one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
				return
			}
			if !slices.Contains(roles, id.Role) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "role " + id.Role + " may not perform this action"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
