package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/session"
)

type contextKey string

const (
	sessionContextKey  contextKey = "session"
	operatorContextKey contextKey = "operator"
)

// OperatorRole is the role claim required on operator tokens
const OperatorRole = "operator"

// SessionMiddleware authenticates plugin requests by bearer session token and records activity
func SessionMiddleware(sessions *session.Store, errs errorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				errs.write(w, r, apperr.Authentication("api.session", "missing session token"))
				return
			}

			sess, err := sessions.Authenticate(r.Context(), token)
			if err != nil {
				errs.write(w, r, err)
				return
			}
			if sess.User == nil {
				errs.write(w, r, session.ErrInvalid)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// currentSession returns the session stored by SessionMiddleware
func currentSession(r *http.Request) *models.PluginSession {
	sess, _ := r.Context().Value(sessionContextKey).(*models.PluginSession)
	return sess
}

// OperatorMiddleware validates operator JWTs signed with HS256
func OperatorMiddleware(jwtSecret string, errs errorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				errs.write(w, r, apperr.Authentication("api.operator", "missing authorization header"))
				return
			}

			subject, err := ParseOperatorToken(jwtSecret, tokenString)
			if err != nil {
				errs.write(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GenerateOperatorToken signs an operator token for subject valid for ttl
func GenerateOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": OperatorRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})

	return token.SignedString([]byte(secret))
}

// ParseOperatorToken validates an operator token and returns its subject
func ParseOperatorToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", apperr.Authentication("api.operator", "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["role"] != OperatorRole {
		return "", apperr.Authorization("api.operator", "operator role required")
	}
	subject, _ := claims.GetSubject()
	return subject, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || token == "" || token == header {
		return "", false
	}
	return token, true
}
