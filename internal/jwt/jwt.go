package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/justinas/alice"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chinmina/wechat-bridge/internal/audit"
	"github.com/chinmina/wechat-bridge/internal/config"
)

// Middleware returns HTTP middleware that verifies the JWT and
// enforces the validity claims. The retrieved claims are set on the request
// context and can be retrieved by calling jwt.ClaimsFromContext(ctx).
func Middleware(cfg config.AuthorizationConfig, options ...jwtmiddleware.Option) (func(http.Handler) http.Handler, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	// shared secrets and static key sets are for callers in the same trust
	// boundary and for testing
	var (
		keyFunc   KeyFunc
		algorithm validator.SignatureAlgorithm
	)
	switch {
	case cfg.SharedSecret != "":
		keyFunc, algorithm = sharedSecret(cfg), validator.HS256
	case cfg.ConfigurationStatic != "":
		keyFunc, err = staticJWKS(cfg)
		algorithm = validator.RS256
	default:
		keyFunc, algorithm = remoteJWKS(issuerURL), validator.RS256
	}
	if err != nil {
		return nil, err
	}

	// the validator is used by the middleware to check the JWT signature and claims
	jwtValidator, err := validator.New(
		keyFunc,
		algorithm,
		issuerURL.String(),
		[]string{cfg.Audience},
		validator.WithAllowedClockSkew(5*time.Second),
		validator.WithCustomClaims(bridgeCustomClaims),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	// Auditing of the validation process uses a combination of the error handler
	// and the audit middleware. The first ensures that validation errors are marked in
	// the audit log, while the second ensures that the claims are logged when the
	// token is valid.

	options = append(options, jwtmiddleware.WithErrorHandler(auditErrorHandler()))

	middleware := jwtmiddleware.New(
		registeredClaimsValidator(jwtValidator.ValidateToken),
		options...,
	)

	subChain := alice.New(middleware.CheckJWT, auditClaimsMiddleware()).Then

	return subChain, nil
}

// ContextWithClaims returns a new context.Context with the provided validated claims
// added to it. This is primarily for test usage
func ContextWithClaims(ctx context.Context, claims *validator.ValidatedClaims) context.Context {
	return context.WithValue(ctx, jwtmiddleware.ContextKey{}, claims)
}

// ContextWithBridgeClaims creates a context with BridgeClaims for testing.
func ContextWithBridgeClaims(ctx context.Context, subject string, claims *BridgeClaims) context.Context {
	return ContextWithClaims(ctx, &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{Subject: subject},
		CustomClaims:     claims,
	})
}

// ClaimsFromContext returns the validated claims from the context as set by the
// JWT middleware. This will return nil if the context data is not set. This
// should be regarded as an error for handlers that expect the claims to be
// present.
func ClaimsFromContext(ctx context.Context) *validator.ValidatedClaims {
	claims, _ := ctx.Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	return claims
}

// BridgeClaimsFromContext gets the custom claims from the context, as added
// by the JWT middleware. This will return nil if the claims are not present.
func BridgeClaimsFromContext(ctx context.Context) *BridgeClaims {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}

	bridgeClaims, _ := claims.CustomClaims.(*BridgeClaims)

	return bridgeClaims
}

// AppAllowed reports whether the caller's token grants access to appID.
func AppAllowed(ctx context.Context, appID string) bool {
	return BridgeClaimsFromContext(ctx).AllowsApp(appID)
}

func auditClaimsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			claims := ClaimsFromContext(r.Context())

			if claims == nil {
				entry.Error = "JWT claims missing from context"
			} else {
				reg := claims.RegisteredClaims
				entry.Authorized = true
				entry.AuthSubject = reg.Subject
				entry.AuthIssuer = reg.Issuer
				entry.AuthAudience = reg.Audience
				entry.AuthExpirySecs = reg.Expiry

				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(attribute.String("auth.subject", reg.Subject))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func auditErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		entry := audit.Log(r.Context())
		entry.Error = fmt.Sprintf("JWT authorization failure: %s", err.Error())

		// The default error handler will write the appropriate response status
		// code. The status code is recorded centrally by the central audit
		// middleware.
		jwtmiddleware.DefaultErrorHandler(w, r, err)
	}
}

type KeyFunc = func(ctx context.Context) (interface{}, error)

func remoteJWKS(issuerURL *url.URL) KeyFunc {
	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	return provider.KeyFunc
}

func sharedSecret(cfg config.AuthorizationConfig) KeyFunc {
	key := []byte(cfg.SharedSecret)
	return func(_ context.Context) (interface{}, error) { return key, nil }
}

// staticJWKS verifies with the first signing key of the configured set.
func staticJWKS(cfg config.AuthorizationConfig) (KeyFunc, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(cfg.ConfigurationStatic), &set); err != nil {
		return nil, fmt.Errorf("could not decode jwks: %w", err)
	}

	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}

		public := k.Public()
		if !public.Valid() {
			continue
		}

		key := public.Key
		return func(_ context.Context) (interface{}, error) { return key, nil }, nil
	}

	return nil, errors.New("could not decode jwks: no usable signing key")
}
