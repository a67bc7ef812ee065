// This command is only used for local testing: it prints a bearer token that
// a locally running bridge accepts, for use with curl or a peer bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/sethvargo/go-envconfig"

	localjwt "github.com/chinmina/wechat-bridge/internal/jwt"
)

type Config struct {
	Audience string   `env:"UTIL_AUDIENCE, default=wechat-bridge"`
	Subject  string   `env:"UTIL_SUBJECT, default=test-subject"`
	Issuer   string   `env:"UTIL_ISSUER, default=https://local.testing"`
	Apps     []string `env:"UTIL_APPS, default=*"`

	// SharedSecret signs with HS256 instead of the private JWK.
	SharedSecret string `env:"UTIL_SHARED_SECRET"`
	JWKPath      string `env:"UTIL_JWK_PATH, default=.development/keys/jwk-sig-testing-priv.json"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading signing key: %v\n", err)
		os.Exit(1)
	}

	tokenStr, err := createJWT(signingKey, cfg, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating JWT: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", tokenStr)
}

func loadSigningKey(cfg Config) (jose.SigningKey, error) {
	if cfg.SharedSecret != "" {
		return jose.SigningKey{Algorithm: jose.HS256, Key: []byte(cfg.SharedSecret)}, nil
	}

	jwkBytes, err := os.ReadFile(cfg.JWKPath)
	if err != nil {
		return jose.SigningKey{}, err
	}

	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(jwkBytes); err != nil {
		return jose.SigningKey{}, err
	}
	if key.IsPublic() {
		return jose.SigningKey{}, errors.New("JWK must include the private key")
	}

	alg := jose.SignatureAlgorithm(key.Algorithm)
	if alg == "" {
		alg = jose.RS256
	}

	return jose.SigningKey{Algorithm: alg, Key: key}, nil
}

func createJWT(key jose.SigningKey, cfg Config, now time.Time) (string, error) {
	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}

	claims := josejwt.Claims{
		Issuer:    cfg.Issuer,
		Subject:   cfg.Subject,
		Audience:  josejwt.Audience{cfg.Audience},
		IssuedAt:  josejwt.NewNumericDate(now),
		NotBefore: josejwt.NewNumericDate(now.Add(-1 * time.Minute)),
		Expiry:    josejwt.NewNumericDate(now.Add(1 * time.Minute)),
	}

	// an empty app list allows no app
	bridge := localjwt.BridgeClaims{Apps: cfg.Apps}

	return josejwt.Signed(signer).Claims(claims).Claims(bridge).Serialize()
}
