package status

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks RS256 Bearer tokens on the status API. The ingester only
// ever verifies — tokens are minted by whatever operator tooling holds the
// private key — so the verifier carries nothing but the public key and a
// parser pinned to RS256 with a required expiry.
type Verifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for tokens signed by the holder of the
// private half of key.
func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// NewVerifierFromFile reads a PEM RSA public key from path and returns a
// Verifier over it.
func NewVerifierFromFile(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("status: reading public key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("status: parsing public key %q: %w", path, err)
	}
	return NewVerifier(key), nil
}

// Middleware rejects any request that does not carry a valid Bearer token
// with HTTP 401. The status API is read-only, so a token's registered
// claims grant nothing beyond access; they are validated, not stored.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Bearer token required")
			return
		}

		var claims jwt.RegisteredClaims
		token, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return v.key, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. ok is false for a missing header, a non-Bearer scheme, or an
// empty token.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
