package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

// GenerateJWK generates an RSA 2048-bit key pair for JWT signing/verification.
func GenerateJWK(t *testing.T) jose.JSONWebKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	return jose.JSONWebKey{
		Key:       privateKey,
		KeyID:     "test-kid",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// CreateJWT signs a JWT with the provided key. Each claims value is merged
// into the payload; the issuer is always set.
func CreateJWT(t *testing.T, key jose.JSONWebKey, issuer string, claims ...any) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err, "failed to create signer")

	return sign(t, signer, issuer, claims)
}

// CreateHS256JWT signs a JWT with a shared secret.
func CreateHS256JWT(t *testing.T, secret, issuer string, claims ...any) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err, "failed to create signer")

	return sign(t, signer, issuer, claims)
}

func sign(t *testing.T, signer jose.Signer, issuer string, claims []any) string {
	t.Helper()

	builder := jwt.Signed(signer).Claims(jwt.Claims{Issuer: issuer})
	for _, c := range claims {
		builder = builder.Claims(c)
	}

	signed, err := builder.Serialize()
	require.NoError(t, err, "failed to sign JWT")

	return signed
}

// StaticJWKS returns the public half of key as a JWKS document.
func StaticJWKS(t *testing.T, key jose.JSONWebKey) string {
	t.Helper()

	data, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.Public()}})
	require.NoError(t, err, "failed to marshal JWKS")

	return string(data)
}

// SetupJWKSServer creates a mock OIDC provider server that serves JWKS.
// The server responds to:
// - /.well-known/openid-configuration (OIDC discovery)
// - /.well-known/jwks.json (public key set)
//
// The server is closed when the test ends.
func SetupJWKSServer(t *testing.T, key jose.JSONWebKey) *httptest.Server {
	t.Helper()

	var server *httptest.Server

	jwks := StaticJWKS(t, key)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.String() {
		case "/.well-known/openid-configuration":
			wk := struct {
				JWKSURI string `json:"jwks_uri"`
			}{
				JWKSURI: server.URL + "/.well-known/jwks.json",
			}
			WriteJSON(w, wk)
		case "/.well-known/jwks.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(jwks))
		default:
			http.Error(w, "unexpected JWKS server request: "+r.URL.String(), http.StatusInternalServerError)
		}
	})

	server = httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

// ValidClaims returns registered claims valid from 1 minute ago until 1
// minute from now.
func ValidClaims(audience []string, subject string) jwt.Claims {
	now := time.Now().UTC()

	return jwt.Claims{
		Subject:   subject,
		Audience:  jwt.Audience(audience),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
		Expiry:    jwt.NewNumericDate(now.Add(1 * time.Minute)),
	}
}
