package jwt

import (
	"context"
	"errors"
	"testing"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeClaims_Validate(t *testing.T) {
	t.Run("no scope", func(t *testing.T) {
		assert.NoError(t, (&BridgeClaims{}).Validate(context.Background()))
	})

	t.Run("scoped", func(t *testing.T) {
		assert.NoError(t, (&BridgeClaims{Apps: []string{"wx1", AllApps}}).Validate(context.Background()))
	})

	t.Run("blank app", func(t *testing.T) {
		err := (&BridgeClaims{Apps: []string{"wx1", ""}}).Validate(context.Background())
		assert.ErrorContains(t, err, "empty app ID")
	})
}

func TestBridgeClaims_AllowsApp(t *testing.T) {
	cases := []struct {
		name   string
		claims *BridgeClaims
		appID  string
		want   bool
	}{
		{"nil claims", nil, "wx1", false},
		{"unscoped", &BridgeClaims{}, "wx1", false},
		{"empty list", &BridgeClaims{Apps: []string{}}, "wx1", false},
		{"listed", &BridgeClaims{Apps: []string{"wx1", "wx2"}}, "wx2", true},
		{"not listed", &BridgeClaims{Apps: []string{"wx1"}}, "wx2", false},
		{"wildcard", &BridgeClaims{Apps: []string{AllApps}}, "wx9", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.claims.AllowsApp(c.appID))
		})
	}
}

func TestRegisteredClaimsValidator(t *testing.T) {
	complete := validator.RegisteredClaims{
		Issuer:    "issuer",
		Subject:   "subject",
		Audience:  []string{"audience"},
		NotBefore: 100,
		Expiry:    200,
	}

	cases := []struct {
		name    string
		modify  func(*validator.RegisteredClaims)
		wantErr string
	}{
		{"complete", func(*validator.RegisteredClaims) {}, ""},
		{"no audience", func(c *validator.RegisteredClaims) { c.Audience = nil }, "audience claim not present"},
		{"no issuer", func(c *validator.RegisteredClaims) { c.Issuer = "" }, "issuer claim not present"},
		{"no subject", func(c *validator.RegisteredClaims) { c.Subject = "" }, "subject claim not present"},
		{"no expiry", func(c *validator.RegisteredClaims) { c.Expiry = 0 }, "no validity period"},
		{"no not before", func(c *validator.RegisteredClaims) { c.NotBefore = 0 }, "no validity period"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reg := complete
			c.modify(&reg)

			validate := registeredClaimsValidator(func(context.Context, string) (interface{}, error) {
				return &validator.ValidatedClaims{RegisteredClaims: reg}, nil
			})

			claims, err := validate(context.Background(), "token")
			if c.wantErr == "" {
				require.NoError(t, err)
				assert.NotNil(t, claims)
				return
			}
			assert.ErrorContains(t, err, c.wantErr)
		})
	}

	t.Run("upstream error", func(t *testing.T) {
		boom := errors.New("bad signature")
		validate := registeredClaimsValidator(func(context.Context, string) (interface{}, error) {
			return nil, boom
		})

		_, err := validate(context.Background(), "token")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unexpected claims type", func(t *testing.T) {
		validate := registeredClaimsValidator(func(context.Context, string) (interface{}, error) {
			return "claims", nil
		})

		_, err := validate(context.Background(), "token")
		assert.ErrorContains(t, err, "could not cast claims")
	})
}
