package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret_key", testSecret)
	t.Cleanup(viper.Reset)

	var seen models.Actor
	var seenOK bool
	handler := AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, seenOK = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/40000000011", nil)
		req.RemoteAddr = "10.0.0.1:53211"
		req.Header.Set("User-Agent", "teller-app/2.1")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("valid token with user_id", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": 42, "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret))

		w := serve("Bearer " + token)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.True(t, seenOK)
		assert.Equal(t, models.Actor{ID: "42", IPAddress: "10.0.0.1", UserAgent: "teller-app/2.1"}, seen)
	})

	t.Run("subject is used when user_id is absent", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"sub": "teller-9"}, jwt.SigningMethodHS256, []byte(testSecret))

		w := serve("Bearer " + token)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "teller-9", seen.ID)
	})

	t.Run("missing header", func(t *testing.T) {
		w := serve("")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"kind":"Unauthorized"`)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := serve("Token abc")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": 42}, jwt.SigningMethodHS256, []byte("other"))
		w := serve("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": 42, "exp": time.Now().Add(-time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret))
		w := serve("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unexpected signing method", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"user_id": 42}, jwt.SigningMethodHS512, []byte(testSecret))
		w := serve("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token without identity", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"scope": "ledger"}, jwt.SigningMethodHS256, []byte(testSecret))
		w := serve("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuthMiddleware_NoSecretRejectsEverything(t *testing.T) {
	viper.Set("jwt.secret_key", "")
	t.Cleanup(viper.Reset)

	called := false
	handler := AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	token := signToken(t, jwt.MapClaims{"sub": "intruder"}, jwt.SigningMethodHS256, []byte("anything"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/40000000011", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)

	_, err := validateToken(token)
	assert.ErrorIs(t, err, ErrNoSigningSecret)
}

func TestActorFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := ActorFromContext(req.Context())
	assert.False(t, ok)

	ctx := WithActor(req.Context(), models.Actor{ID: "7"})
	actor, ok := ActorFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "7", actor.ID)
}
