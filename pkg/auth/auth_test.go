package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		Issuer("https://id.example.com").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("email", "user@example.com")
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func TestHMACVerifierExtractsClaims(t *testing.T) {
	v := NewHMACVerifier(testSecret, "https://id.example.com", "")

	claims, err := v.Verify(t.Context(), signToken(t, func(b *jwt.Builder) {
		b.Claim("admin", true)
	}))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.True(t, claims.Admin)
}

func TestHMACVerifierRejections(t *testing.T) {
	v := NewHMACVerifier(testSecret, "https://id.example.com", "")

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.jwt"},
		{"expired", signToken(t, func(b *jwt.Builder) {
			b.Expiration(time.Now().Add(-time.Minute))
		})},
		{"wrong issuer", signToken(t, func(b *jwt.Builder) {
			b.Issuer("https://evil.example.com")
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(t.Context(), tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestHMACVerifierWrongSecret(t *testing.T) {
	v := NewHMACVerifier("another-secret-another-secret-32", "", "")
	_, err := v.Verify(t.Context(), signToken(t, nil))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(CallerID(r.Context())))
	})
}

func TestRequireMiddleware(t *testing.T) {
	v := NewHMACVerifier(testSecret, "https://id.example.com", "")
	handler := Require(v)(echoCaller())

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/workflows", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Authorization")
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/workflows", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/workflows", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", rec.Body.String())
	})
}

func TestOptionalMiddleware(t *testing.T) {
	v := NewHMACVerifier(testSecret, "https://id.example.com", "")
	handler := Optional(v)(echoCaller())

	t.Run("anonymous allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/w1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("valid token attaches claims", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows/w1", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "user-1", rec.Body.String())
	})

	t.Run("bad token still rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows/w1", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
