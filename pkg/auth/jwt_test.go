package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

func TestNewTokenManager(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"valid secret", testSecret, nil},
		{"short secret", "short", ErrShortSecret},
		{"empty secret", "", ErrShortSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewTokenManager(tt.secret, time.Hour)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
}

func TestIssueAndValidate(t *testing.T) {
	m, err := NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.Issue("ops", RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt, 5*time.Second)
}

func TestIssueRejectsBadInput(t *testing.T) {
	m, err := NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)

	_, err = m.Issue("", RoleViewer)
	assert.ErrorIs(t, err, ErrEmptySubject)

	_, err = m.Issue("ops", "admin")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestValidateRejects(t *testing.T) {
	m, err := NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)
	other, err := NewTokenManager("another-secret-key-at-least-32-characters", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue("ops", RoleOperator)
	require.NoError(t, err)

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return s
	}
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrInvalidToken},
		{"garbage", "not.a.token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", sign(jwt.MapClaims{"sub": "ops", "role": RoleOperator, "exp": time.Now().Add(-time.Minute).Unix()}), ErrExpiredToken},
		{"no expiry", sign(jwt.MapClaims{"sub": "ops", "role": RoleOperator}), ErrInvalidToken},
		{"no subject", sign(jwt.MapClaims{"role": RoleOperator, "exp": future}), ErrInvalidClaims},
		{"no role", sign(jwt.MapClaims{"sub": "ops", "exp": future}), ErrInvalidClaims},
		{"unknown role", sign(jwt.MapClaims{"sub": "ops", "role": "root", "exp": future}), ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Validate(tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClaimsAllows(t *testing.T) {
	operator := &Claims{Role: RoleOperator}
	viewer := &Claims{Role: RoleViewer}

	assert.True(t, operator.Allows(RoleOperator))
	assert.True(t, operator.Allows(RoleViewer))
	assert.True(t, viewer.Allows(RoleViewer))
	assert.False(t, viewer.Allows(RoleOperator))
	assert.False(t, operator.Allows("root"))
}

func TestRequire(t *testing.T) {
	m, err := NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)
	viewerToken, err := m.Issue("dash", RoleViewer)
	require.NoError(t, err)
	operatorToken, err := m.Issue("ops", RoleOperator)
	require.NoError(t, err)

	var seen *Claims
	h := m.Require(RoleOperator, func(w http.ResponseWriter, status int, err error) {
		http.Error(w, err.Error(), status)
	}, func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + operatorToken, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"viewer", "Bearer " + viewerToken, http.StatusForbidden},
		{"operator", "Bearer " + operatorToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/tick", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "ops", seen.Subject)
}
