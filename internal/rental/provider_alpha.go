package rental

import (
	"github.com/otistx/backend/internal/circuitbreaker"
	"github.com/otistx/backend/internal/upstream"
)

// NewAlphaProvider builds the tier_alpha SMS provider. Its carrier selector
// is a plain string enum ("verizon", "att", "tmobile", ...), passed through
// unchanged.
func NewAlphaProvider(client *upstream.Client, breakers *circuitbreaker.Manager, baseURL, apiKey string) Provider {
	return &httpProvider{
		name:     string(tierAlphaName),
		client:   client,
		breakers: breakers,
		baseURL:  baseURL,
		apiKey:   apiKey,
		encode:   stringCarrier,
	}
}

const tierAlphaName = "tier_alpha"
