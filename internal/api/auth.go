package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-eventpresence/internal/logging"
)

// ServiceSubject is the only caller allowed to publish attendee counts.
const ServiceSubject = "registration-service"

const (
	subClaim = "sub"
	expClaim = "exp"
)

// serviceAuth admits requests bearing a token for ServiceSubject signed
// with the server key.
func (s *Server) serviceAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			s.writeError(w, r, NewUnauthorizedError(errors.New("missing bearer token")))
			return
		}

		subject, err := verifyServiceToken(tokenString, s.signingKey)
		if err != nil {
			logging.FromContext(r.Context(), s.log).Warn().Err(err).Msg("rejected service token")
			s.writeError(w, r, NewUnauthorizedError(err))
			return
		}

		if subject != ServiceSubject {
			logging.FromContext(r.Context(), s.log).Warn().Str("subject", subject).Msg("service not allowed")
			s.writeError(w, r, NewForbiddenError())
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// CreateServiceToken signs an HS256 token for subject valid for exp.
func CreateServiceToken(signingKey []byte, subject string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subClaim: subject,
		expClaim: time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

func verifyServiceToken(tokenString string, signingKey []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return "", fmt.Errorf("token has no valid expiry")
	}

	subject, ok := claims[subClaim].(string)
	if !ok || subject == "" {
		return "", fmt.Errorf("invalid subject claim")
	}

	return subject, nil
}
