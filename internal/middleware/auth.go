package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/spf13/viper"
)

type contextKey string

const actorKey contextKey = "actor"

// ErrNoSigningSecret rejects every token while jwt.secret_key is empty; an
// empty HMAC key would let anyone mint a valid token.
var ErrNoSigningSecret = errors.New("jwt signing secret is not configured")

// AuthMiddleware validates the bearer token and stores the caller, with the
// address and agent the request came from, as the audit actor.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			services.SendErrorResponse(w, services.KindUnauthorized, "Authorization header required", http.StatusUnauthorized, nil)
			return
		}

		// Extract token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			services.SendErrorResponse(w, services.KindUnauthorized, "Invalid authorization header format", http.StatusUnauthorized, nil)
			return
		}

		userID, err := validateToken(parts[1])
		if err != nil {
			services.SendErrorResponse(w, services.KindUnauthorized, "Invalid token", http.StatusUnauthorized, nil)
			return
		}

		actor := models.Actor{
			ID:        userID,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored by AuthMiddleware.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(models.Actor)
	return actor, ok && actor.ID != ""
}

func validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		secret := viper.GetString("jwt.secret_key")
		if secret == "" {
			return nil, ErrNoSigningSecret
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}

	if userID, ok := claims["user_id"]; ok && userID != nil {
		return fmt.Sprintf("%v", userID), nil
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// first and has already replaced it with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
