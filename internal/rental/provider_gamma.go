package rental

import (
	"github.com/otistx/backend/internal/circuitbreaker"
	"github.com/otistx/backend/internal/upstream"
)

const tierGammaName = "tier_gamma"

// gammaCarrierBits is tier_gamma's bit-flag carrier table; a request always
// selects exactly one carrier today, so the mask reduces to 1<<bit.
var gammaCarrierBits = map[string]uint{
	"verizon": 0,
	"att":     1,
	"tmobile": 2,
	"sprint":  3,
}

// NewGammaProvider builds the tier_gamma SMS provider. Its carrier selector
// is a bit-flag mask rather than a string enum or numeric id.
func NewGammaProvider(client *upstream.Client, breakers *circuitbreaker.Manager, baseURL, apiKey string) Provider {
	return &httpProvider{
		name:     tierGammaName,
		client:   client,
		breakers: breakers,
		baseURL:  baseURL,
		apiKey:   apiKey,
		encode:   bitflagCarrierTable(gammaCarrierBits),
	}
}
