package jwt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/justinas/alice"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/chinmina/wechat-bridge/internal/audit"
	"github.com/chinmina/wechat-bridge/internal/config"
	"github.com/chinmina/wechat-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
Portions of this file copied from:
	https://github.com/auth0/go-jwt-middleware/blob/b4b1b5f6d1b1eb3c7f4538a29f2caf2889693619/examples/http-jwks-example/main_test.go

Usage licensed under the MIT License (MIT) (see text at end of file).
*/

type appsClaim struct {
	Apps []string `json:"wechat_apps,omitempty"`
}

func TestMiddleware(t *testing.T) {
	testCases := []struct {
		name           string
		claims         []any
		audienceCheck  string
		wantStatusCode int
		wantBodyText   string
		options        []jwtmiddleware.Option
	}{
		{
			name:           "has subject",
			claims:         []any{testhelpers.ValidClaims([]string{"audience"}, "subject")},
			audienceCheck:  "audience",
			wantStatusCode: http.StatusOK,
		},
		{
			name: "with app scope",
			claims: []any{
				testhelpers.ValidClaims([]string{"audience"}, "subject"),
				appsClaim{Apps: []string{"wx1"}},
			},
			audienceCheck:  "audience",
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "does not have subject",
			claims:         []any{testhelpers.ValidClaims([]string{"audience"}, "")},
			audienceCheck:  "audience",
			wantStatusCode: http.StatusUnauthorized,
			wantBodyText:   "JWT is invalid",
		},
		{
			name:           "does not have an audience",
			claims:         []any{testhelpers.ValidClaims(nil, "subject")},
			audienceCheck:  "an-actor-demands-an",
			wantStatusCode: http.StatusUnauthorized,
			wantBodyText:   "JWT is invalid",
		},
		{
			name:           "wrong audience",
			claims:         []any{testhelpers.ValidClaims([]string{"someone-else"}, "subject")},
			audienceCheck:  "audience",
			wantStatusCode: http.StatusUnauthorized,
			wantBodyText:   "JWT is invalid",
		},
		{
			name:           "no validity period",
			claims:         []any{josejwt.Claims{Subject: "subject", Audience: josejwt.Audience{"audience"}}},
			audienceCheck:  "audience",
			wantStatusCode: http.StatusUnauthorized,
			wantBodyText:   "JWT is invalid",
		},
		{
			name: "blank app in scope",
			claims: []any{
				testhelpers.ValidClaims([]string{"audience"}, "subject"),
				appsClaim{Apps: []string{" "}},
			},
			audienceCheck:  "audience",
			wantStatusCode: http.StatusUnauthorized,
			wantBodyText:   "JWT is invalid",
		},
	}

	jwk := testhelpers.GenerateJWK(t)

	testServer := testhelpers.SetupJWKSServer(t, jwk)

	successHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			testhelpers.SetupLogger(t)

			ctx, _ := audit.Context(context.Background())

			request, err := http.NewRequestWithContext(ctx, http.MethodGet, "", nil)
			require.NoError(t, err)

			cfg := config.AuthorizationConfig{
				Audience:  test.audienceCheck,
				IssuerURL: testServer.URL,
			}

			token := testhelpers.CreateJWT(t, jwk, testServer.URL, test.claims...)
			request.Header.Set("Authorization", "Bearer "+token)

			responseRecorder := httptest.NewRecorder()

			authMiddleware, err := Middleware(cfg, test.options...)
			require.NoError(t, err)

			testMiddleware := alice.New(audit.Middleware(), authMiddleware)

			handler := testMiddleware.Then(successHandler)
			handler.ServeHTTP(responseRecorder, request)

			assert.Equal(t, test.wantStatusCode, responseRecorder.Code)
			assert.Contains(t, responseRecorder.Body.String(), test.wantBodyText)

			// once the request has been processed, the audit log should have the necessary details
			auditEntry := audit.Log(ctx)
			if test.wantStatusCode == http.StatusOK {
				assert.True(t, auditEntry.Authorized)
				assert.Empty(t, auditEntry.Error)
				assert.NotEmpty(t, auditEntry.AuthIssuer)
				assert.Equal(t, "subject", auditEntry.AuthSubject)
				assert.ElementsMatch(t, []string{"audience"}, auditEntry.AuthAudience)
				assert.NotZero(t, auditEntry.AuthExpirySecs)
			} else {
				assert.False(t, auditEntry.Authorized)
				assert.NotEmpty(t, auditEntry.Error)
				assert.Empty(t, auditEntry.AuthIssuer)
				assert.Empty(t, auditEntry.AuthSubject)
				assert.Empty(t, auditEntry.AuthAudience)
				assert.Zero(t, auditEntry.AuthExpirySecs)
			}
		})
	}
}

func TestMiddleware_MissingToken(t *testing.T) {
	testhelpers.SetupLogger(t)

	jwk := testhelpers.GenerateJWK(t)
	cfg := config.AuthorizationConfig{
		Audience:            "audience",
		IssuerURL:           "https://issuer.example.com",
		ConfigurationStatic: testhelpers.StaticJWKS(t, jwk),
	}

	authMiddleware, err := Middleware(cfg)
	require.NoError(t, err)

	ctx, _ := audit.Context(context.Background())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, "", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	alice.New(audit.Middleware(), authMiddleware).
		ThenFunc(func(w http.ResponseWriter, r *http.Request) { t.Error("handler should not be called") }).
		ServeHTTP(rr, request)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, audit.Log(ctx).Error, "JWT authorization failure")
}

func TestMiddleware_StaticJWKS(t *testing.T) {
	testhelpers.SetupLogger(t)

	jwk := testhelpers.GenerateJWK(t)
	other := testhelpers.GenerateJWK(t)
	issuer := "https://issuer.example.com"

	cfg := config.AuthorizationConfig{
		Audience:            "audience",
		IssuerURL:           issuer,
		ConfigurationStatic: testhelpers.StaticJWKS(t, jwk),
	}

	authMiddleware, err := Middleware(cfg)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"signed with configured key", testhelpers.CreateJWT(t, jwk, issuer, testhelpers.ValidClaims([]string{"audience"}, "subject")), http.StatusOK},
		{"signed with another key", testhelpers.CreateJWT(t, other, issuer, testhelpers.ValidClaims([]string{"audience"}, "subject")), http.StatusUnauthorized},
		{"wrong issuer", testhelpers.CreateJWT(t, jwk, "https://elsewhere.example.com", testhelpers.ValidClaims([]string{"audience"}, "subject")), http.StatusUnauthorized},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/", nil)
			request.Header.Set("Authorization", "Bearer "+c.token)
			rr := httptest.NewRecorder()

			alice.New(audit.Middleware(), authMiddleware).
				ThenFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).
				ServeHTTP(rr, request)

			assert.Equal(t, c.want, rr.Code)
		})
	}
}

func TestMiddleware_SharedSecret(t *testing.T) {
	testhelpers.SetupLogger(t)

	issuer := "https://peer.example.com"
	cfg := config.AuthorizationConfig{
		Audience:     "audience",
		IssuerURL:    issuer,
		SharedSecret: "correct horse battery staple",
	}

	authMiddleware, err := Middleware(cfg)
	require.NoError(t, err)

	var claims *BridgeClaims
	handler := alice.New(audit.Middleware(), authMiddleware).
		ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			claims = BridgeClaimsFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

	t.Run("valid secret", func(t *testing.T) {
		token := testhelpers.CreateHS256JWT(t, cfg.SharedSecret, issuer,
			testhelpers.ValidClaims([]string{"audience"}, "peer"),
			appsClaim{Apps: []string{"wx1", "wx2"}},
		)
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, request)

		assert.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, claims)
		assert.Equal(t, []string{"wx1", "wx2"}, claims.Apps)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := testhelpers.CreateHS256JWT(t, "guess", issuer, testhelpers.ValidClaims([]string{"audience"}, "peer"))
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, request)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("RSA token rejected", func(t *testing.T) {
		jwk := testhelpers.GenerateJWK(t)
		token := testhelpers.CreateJWT(t, jwk, issuer, testhelpers.ValidClaims([]string{"audience"}, "peer"))
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, request)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestMiddleware_ConfigErrors(t *testing.T) {
	_, err := Middleware(config.AuthorizationConfig{
		Audience:            "audience",
		IssuerURL:           "https://issuer.example.com",
		ConfigurationStatic: "not json",
	})
	assert.ErrorContains(t, err, "could not decode jwks")

	_, err = Middleware(config.AuthorizationConfig{
		Audience:            "audience",
		IssuerURL:           "https://issuer.example.com",
		ConfigurationStatic: `{"keys":[]}`,
	})
	assert.ErrorContains(t, err, "no usable signing key")

	_, err = Middleware(config.AuthorizationConfig{
		Audience:  "audience",
		IssuerURL: "://bad",
	})
	assert.ErrorContains(t, err, "issuer URL")
}

func TestClaimsFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFromContext(ctx))
	assert.Nil(t, BridgeClaimsFromContext(ctx))
	assert.False(t, AppAllowed(ctx, "wx1"))

	ctx = ContextWithBridgeClaims(ctx, "subject", &BridgeClaims{Apps: []string{"wx1"}})
	assert.Equal(t, "subject", ClaimsFromContext(ctx).RegisteredClaims.Subject)
	assert.True(t, AppAllowed(ctx, "wx1"))
	assert.False(t, AppAllowed(ctx, "wx2"))
}

/*
Portions of this file copied from https://github.com/auth0/go-jwt-middleware/blob/b4b1b5f6d1b1eb3c7f4538a29f2caf2889693619/examples/http-jwks-example/main.go

Those portions are licensed under the MIT License (MIT) as follows:

The MIT License (MIT)

Copyright (c) 2015 Auth0, Inc. <support@auth0.com> (http://auth0.com)

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/
