package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	tok, err := IssueToken("s3cret", Identity{ID: "t-1", Name: "Dr. Reyes", Role: RoleTeacher}, time.Hour)
	require.NoError(t, err)

	id, err := parseToken("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "t-1", Name: "Dr. Reyes", Role: RoleTeacher}, id)
	assert.True(t, id.IsStaff())

	_, err = parseToken("other", tok)
	assert.Error(t, err)

	expired, err := IssueToken("s3cret", Identity{ID: "t-1", Role: RoleTeacher}, -time.Minute)
	require.NoError(t, err)
	_, err = parseToken("s3cret", expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = parseToken("s3cret", none)
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), Identity{ID: "s", Role: RoleStudent})))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), Identity{ID: "a", Role: RoleAdmin})))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
