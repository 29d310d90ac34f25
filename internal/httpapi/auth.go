package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// sessionClaims are the claims minted by the auth provider for a signed-in
// user. Subject carries the user id.
type sessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// bearerToken extracts the token from an Authorization header, falling back
// to the access_token query parameter used by browser websocket clients.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func authorizeUser(raw, secret, audience string, now time.Time) (string, *authError) {
	if raw == "" {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
		default:
			return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
		}
	}
	if !token.Valid {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	return userID, nil
}

// verifyInternalHMAC checks the classifier write-back signature:
// hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if secret == "" {
		return &authError{status: http.StatusServiceUnavailable, code: "unavailable", message: "internal endpoint disabled"}
	}
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal request outside replay window"}
	}

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(signInternal(secret, timestamp, body))) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}

func signInternal(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
