package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/logger"
)

// AuthConfig holds the credentials inbound callers may present: the
// shared internal service token, or an HS256 JWT whose svc claim names
// the calling service. The JWT secret falls back to the service token
// when unset.
type AuthConfig struct {
	ServiceToken string
	JWTSecret    string
}

// Auth authenticates inter-service callers and stamps their identity
// on the request context. With neither a token nor a secret configured
// authentication is disabled and the remote host stands in as the
// identity; that mode is for local development only.
func Auth(cfg AuthConfig, log logger.Logger) mux.MiddlewareFunc {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = cfg.ServiceToken
	}
	disabled := cfg.ServiceToken == "" && secret == ""

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if disabled {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), remoteHost(r))))
				return
			}

			caller, err := authenticate(cfg.ServiceToken, secret, r)
			if err != nil {
				log.Warn("request rejected",
					logger.String("path", r.URL.Path),
					logger.String("remote", remoteHost(r)),
					logger.Err(err))
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func authenticate(serviceToken, secret string, r *http.Request) (string, error) {
	if token := r.Header.Get(capability.HeaderServiceToken); token != "" {
		if serviceToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) == 1 {
			return remoteHost(r), nil
		}
		return "", fmt.Errorf("invalid service token")
	}

	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return "", fmt.Errorf("missing credentials")
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("invalid bearer token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected token claims")
	}
	svc, _ := claims["svc"].(string)
	if svc == "" {
		return "", fmt.Errorf("token missing svc claim")
	}
	return svc, nil
}
