package main

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey int

const consumerContextKey contextKey = iota

var subClaimPattern = regexp.MustCompile(`^consumer_id=([0-9]+)$`)

// Authenticator runs before every routed request. It extracts the
// bearer token, verifies it with HS256, resolves the consumer it
// names, and attaches that Consumer to the request context for
// downstream handlers.
type Authenticator struct {
	secret []byte
	store  *Store
	log    *zap.Logger
}

func NewAuthenticator(secret []byte, store *Store, log *zap.Logger) *Authenticator {
	return &Authenticator{secret: secret, store: store, log: log}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := splitAuthorization(header)
		if !ok || !strings.EqualFold(scheme, "bearer") {
			a.reject(w, r, "")
			return
		}
		if token == "" {
			a.reject(w, r, "invalid_request")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			a.reject(w, r, "invalid_token")
			return
		}

		sub, ok := claims["sub"].(string)
		if !ok {
			a.reject(w, r, "invalid_token")
			return
		}
		m := subClaimPattern.FindStringSubmatch(sub)
		if m == nil {
			a.reject(w, r, "invalid_token")
			return
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			a.reject(w, r, "invalid_token")
			return
		}

		consumer, err := a.store.GetConsumer(r.Context(), id)
		if err != nil {
			httpError(a.log, w, r, newError(KindStoreError, err))
			return
		}
		if consumer == nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), consumerContextKey, consumer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// reject responds 401 with a WWW-Authenticate header: realm is always
// present; error is only set for invalid_request/invalid_token, never
// for a missing header or wrong scheme.
func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, code string) {
	value := `bearer realm="` + r.Host + `"`
	if code != "" {
		value += `, error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", value)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// splitAuthorization splits "Scheme token" into its two parts. ok is
// false only if the header is absent; a header with no space yields
// the whole value as the scheme and an empty token.
func splitAuthorization(header string) (scheme, token string, ok bool) {
	if header == "" {
		return "", "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return parts[0], "", true
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

// ConsumerFromContext returns the authenticated Consumer attached by
// Authenticator.Middleware.
func ConsumerFromContext(ctx context.Context) *Consumer {
	c, _ := ctx.Value(consumerContextKey).(*Consumer)
	return c
}
