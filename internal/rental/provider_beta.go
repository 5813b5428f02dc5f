package rental

import (
	"github.com/otistx/backend/internal/circuitbreaker"
	"github.com/otistx/backend/internal/upstream"
)

const tierBetaName = "tier_beta"

// betaCarrierIDs is tier_beta's numeric carrier-id table.
var betaCarrierIDs = map[string]int{
	"verizon": 1,
	"att":     2,
	"tmobile": 3,
	"sprint":  4,
}

// NewBetaProvider builds the tier_beta SMS provider. Its carrier selector is
// a numeric id rather than a string enum.
func NewBetaProvider(client *upstream.Client, breakers *circuitbreaker.Manager, baseURL, apiKey string) Provider {
	return &httpProvider{
		name:     tierBetaName,
		client:   client,
		breakers: breakers,
		baseURL:  baseURL,
		apiKey:   apiKey,
		encode:   numericCarrierTable(betaCarrierIDs),
	}
}
