package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

// jwtExpiryTimeout is how far an admin token's issued-at may drift from the
// server clock in either direction.
const jwtExpiryTimeout = 60 * time.Second

// rateLimitBurst bounds how many submissions may arrive back to back before
// the per-minute refill applies.
const rateLimitBurst = 20

func newCORSHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	// disable CORS support if the operator has not specified custom origins
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		MaxAge:         600,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(srv)
}

func rateLimited(next http.HandlerFunc, perMinute int) http.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60), rateLimitBurst)
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// newJWTMiddleware guards the admin subrouter with HS256 bearer tokens. Only
// the issued-at claim is checked; admin tokens are meant to be minted per
// call, not stored.
func newJWTMiddleware(secret []byte) mux.MiddlewareFunc {
	keyFunc := func(token *jwt.Token) (interface{}, error) { return secret, nil }
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				strToken string
				claims   jwt.RegisteredClaims
			)
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				strToken = strings.TrimPrefix(auth, "Bearer ")
			}
			if len(strToken) == 0 {
				respondError(w, http.StatusUnauthorized, "missing token")
				return
			}
			// The RegisteredClaims validation requires 'iat' to be no later
			// than 'now'; disable it and allow drift in both directions.
			token, err := jwt.ParseWithClaims(strToken, &claims, keyFunc,
				jwt.WithValidMethods([]string{"HS256"}),
				jwt.WithoutClaimsValidation())
			switch {
			case err != nil:
				respondError(w, http.StatusUnauthorized, err.Error())
			case !token.Valid:
				respondError(w, http.StatusUnauthorized, "invalid token")
			case claims.IssuedAt == nil:
				respondError(w, http.StatusUnauthorized, "missing issued-at")
			case time.Since(claims.IssuedAt.Time) > jwtExpiryTimeout:
				respondError(w, http.StatusUnauthorized, "stale token")
			case time.Until(claims.IssuedAt.Time) > jwtExpiryTimeout:
				respondError(w, http.StatusUnauthorized, "future token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("Served HTTP request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
