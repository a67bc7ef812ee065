package jwt

import (
	"context"
	"fmt"
	"slices"
	"strings"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/validator"
)

// AllApps in the wechat_apps claim grants access to every registered app.
const AllApps = "*"

// registeredClaimsValidator ensures that the basic claims that we rely on are
// part of the supplied claims. It also ensures that the the token has a valid
// time period. The core validation takes care of enforcing the active and
// expiry dates: this simply ensures that they're present.
func registeredClaimsValidator(next jwtmiddleware.ValidateToken) jwtmiddleware.ValidateToken {
	return func(ctx context.Context, token string) (interface{}, error) {

		claims, err := next(ctx, token)
		if err != nil {
			return nil, err
		}

		validatedClaims, ok := claims.(*validator.ValidatedClaims)
		if !ok {
			return nil, fmt.Errorf("could not cast claims to validator.ValidatedClaims")
		}

		reg := validatedClaims.RegisteredClaims

		if len(reg.Audience) == 0 {
			return nil, fmt.Errorf("audience claim not present")
		}

		if reg.Issuer == "" {
			return nil, fmt.Errorf("issuer claim not present")
		}

		if reg.Subject == "" {
			return nil, fmt.Errorf("subject claim not present")
		}

		if reg.NotBefore == 0 || reg.Expiry == 0 {
			return nil, fmt.Errorf("token has no validity period")
		}

		return claims, nil
	}
}

// BridgeClaims are the claims a caller presents to limit the apps it can
// obtain credentials for. A token without the claim may use no app.
type BridgeClaims struct {
	Apps []string `json:"wechat_apps,omitempty"`
}

// Validate rejects blank app IDs in the claim.
func (c *BridgeClaims) Validate(ctx context.Context) error {
	for _, app := range c.Apps {
		if strings.TrimSpace(app) == "" {
			return fmt.Errorf("wechat_apps claim contains an empty app ID")
		}
	}
	return nil
}

// AllowsApp reports whether the claims grant access to appID.
func (c *BridgeClaims) AllowsApp(appID string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Apps, AllApps) || slices.Contains(c.Apps, appID)
}

func bridgeCustomClaims() validator.CustomClaims {
	return &BridgeClaims{}
}
