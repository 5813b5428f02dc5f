package rental

import (
	"github.com/otistx/backend/internal/circuitbreaker"
	"github.com/otistx/backend/internal/upstream"
)

const tierPlatformName = "tier_platform"

// NewPlatformProvider builds the tier_platform SMS provider: the secondary
// fallback tier of spec §3 ("three SMS-provider tiers plus a secondary
// platform"). It speaks the same three-dialect numberResponse/otpResponse
// wire shape as the others with a plain string carrier selector, backed by
// its own configured base URL/key rather than one of the three named SMS
// providers.
func NewPlatformProvider(client *upstream.Client, breakers *circuitbreaker.Manager, baseURL, apiKey string) Provider {
	return &httpProvider{
		name:     tierPlatformName,
		client:   client,
		breakers: breakers,
		baseURL:  baseURL,
		apiKey:   apiKey,
		encode:   stringCarrier,
	}
}
