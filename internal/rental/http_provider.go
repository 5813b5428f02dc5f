package rental

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otistx/backend/internal/circuitbreaker"
	"github.com/otistx/backend/internal/upstream"
)

// carrierEncoder renders a carrier identifier into the wire form one
// provider family expects: a string enum, a numeric id, or a bit-flag mask
// (spec §6: "each provider exposes a carrier selector encoded differently").
type carrierEncoder func(carrier string) (string, error)

// stringCarrier passes the carrier through unchanged, e.g. "verizon".
func stringCarrier(carrier string) (string, error) { return carrier, nil }

// numericCarrierTable maps known carrier names to the numeric ids a
// numeric-dialect provider expects.
func numericCarrierTable(table map[string]int) carrierEncoder {
	return func(carrier string) (string, error) {
		id, ok := table[carrier]
		if !ok {
			return "", fmt.Errorf("rental: unknown carrier %q", carrier)
		}
		return fmt.Sprintf("%d", id), nil
	}
}

// bitflagCarrierTable maps known carrier names to a bit position, ORed
// together when multiple carriers are ever requested at once (today always
// exactly one, so the mask is just 1<<bit).
func bitflagCarrierTable(table map[string]uint) carrierEncoder {
	return func(carrier string) (string, error) {
		bit, ok := table[carrier]
		if !ok {
			return "", fmt.Errorf("rental: unknown carrier %q", carrier)
		}
		return fmt.Sprintf("%d", uint64(1)<<bit), nil
	}
}

// numberResponse and otpResponse are the common JSON shapes across all three
// dialects; every provider's responses are decoded into these same structs.
type numberResponse struct {
	Status      string `json:"status"`
	Number      string `json:"number"`
	RequestID   string `json:"id"`
	Balance     *int64 `json:"balance,omitempty"`
}

type otpResponse struct {
	Status string `json:"status"`
	Code   string `json:"code"`
}

// httpProvider is the shared implementation backing all three concrete
// provider dialects; only the carrier encoder and endpoint paths differ
// between them; grounded on internal/upstream/platform/client.go's
// thin-DTO-plus-shared-transport shape, generalized from the platform's
// fixed envelope to three distinct SMS-provider wire formats.
type httpProvider struct {
	name     string
	client   *upstream.Client
	breakers *circuitbreaker.Manager
	baseURL  string
	apiKey   string
	encode   carrierEncoder
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) service() circuitbreaker.ServiceType {
	return circuitbreaker.ProviderService(p.name)
}

func (p *httpProvider) GetNumber(ctx context.Context, carrier string) (NumberResult, error) {
	encoded, err := p.encode(carrier)
	if err != nil {
		return NumberResult{}, err
	}

	url := fmt.Sprintf("%s/getNumber?api_key=%s&carrier=%s", p.baseURL, p.apiKey, encoded)

	raw, err := p.breakers.Execute(p.service(), func() (interface{}, error) {
		res, err := p.client.Call(ctx, upstream.Request{Method: "GET", URL: url}, upstream.Options{})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return NumberResult{}, fmt.Errorf("rental: %s getNumber: %w", p.name, err)
	}

	var resp numberResponse
	if err := json.Unmarshal(raw.([]byte), &resp); err != nil {
		return NumberResult{}, fmt.Errorf("rental: %s getNumber: decode: %w", p.name, err)
	}
	if resp.Status == "no_balance" || (resp.Balance != nil && *resp.Balance <= 0) {
		return NumberResult{}, ErrInsufficientProviderBalance
	}
	if resp.Number == "" || resp.RequestID == "" {
		return NumberResult{}, fmt.Errorf("rental: %s getNumber: empty allocation", p.name)
	}

	return NumberResult{PhoneNumber: resp.Number, RequestID: resp.RequestID, RawResponse: raw.([]byte)}, nil
}

func (p *httpProvider) GetOTP(ctx context.Context, requestID string) (OTPResult, error) {
	url := fmt.Sprintf("%s/getOtp?api_key=%s&id=%s", p.baseURL, p.apiKey, requestID)

	raw, err := p.breakers.Execute(p.service(), func() (interface{}, error) {
		res, err := p.client.Call(ctx, upstream.Request{Method: "GET", URL: url}, upstream.Options{})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return OTPResult{Status: OTPError, Retryable: upstream.IsTransient(err)}, err
	}

	var resp otpResponse
	if err := json.Unmarshal(raw.([]byte), &resp); err != nil {
		return OTPResult{Status: OTPError, Retryable: true}, fmt.Errorf("rental: %s getOtp: decode: %w", p.name, err)
	}

	switch resp.Status {
	case "ok", "completed":
		return OTPResult{Status: OTPCompleted, Code: resp.Code}, nil
	case "expired", "cancelled":
		return OTPResult{Status: OTPExpired}, nil
	default:
		return OTPResult{Status: OTPWaiting}, nil
	}
}

// registrationCheckResponse is the wire shape of the platform's
// already-registered probe, shared across all three dialects.
type registrationCheckResponse struct {
	Registered bool `json:"registered"`
}

func (p *httpProvider) IsRegistered(ctx context.Context, number string) (bool, error) {
	url := fmt.Sprintf("%s/checkRegistration?api_key=%s&number=%s", p.baseURL, p.apiKey, number)

	raw, err := p.breakers.Execute(p.service(), func() (interface{}, error) {
		res, err := p.client.Call(ctx, upstream.Request{Method: "GET", URL: url}, upstream.Options{})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return false, fmt.Errorf("rental: %s checkRegistration: %w", p.name, err)
	}

	var resp registrationCheckResponse
	if err := json.Unmarshal(raw.([]byte), &resp); err != nil {
		return false, fmt.Errorf("rental: %s checkRegistration: decode: %w", p.name, err)
	}
	return resp.Registered, nil
}

func (p *httpProvider) Cancel(ctx context.Context, requestID string) error {
	url := fmt.Sprintf("%s/setStatus?api_key=%s&id=%s&status=cancel", p.baseURL, p.apiKey, requestID)
	_, err := p.breakers.Execute(p.service(), func() (interface{}, error) {
		return p.client.Call(ctx, upstream.Request{Method: "GET", URL: url}, upstream.Options{})
	})
	return err
}

func (p *httpProvider) Balance(ctx context.Context) (int64, error) {
	url := fmt.Sprintf("%s/getBalance?api_key=%s", p.baseURL, p.apiKey)
	raw, err := p.breakers.Execute(p.service(), func() (interface{}, error) {
		res, err := p.client.Call(ctx, upstream.Request{Method: "GET", URL: url}, upstream.Options{})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return 0, err
	}
	var resp numberResponse
	if err := json.Unmarshal(raw.([]byte), &resp); err != nil || resp.Balance == nil {
		return 0, fmt.Errorf("rental: %s getBalance: decode: %w", p.name, err)
	}
	return *resp.Balance, nil
}
