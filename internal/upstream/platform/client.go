// Package platform wraps the shared upstream.Client with the specific wire
// shapes of the third-party e-commerce platform (§6 outbound contracts):
// order list/detail, account info, voucher save, and password auth. Grounded
// on the teacher's single-purpose client-struct-with-typed-helpers shape in
// internal/stripe/client.go, generalized from Stripe's REST envelope to the
// platform's `{data, error, error_msg}` envelope.
package platform

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/otistx/backend/internal/upstream"
)

// Client calls the platform's order/voucher/account endpoints on behalf of a
// caller-supplied cookie.
type Client struct {
	http    *upstream.Client
	baseURL string
}

// New builds a platform Client. baseURL is the platform's API origin.
func New(http *upstream.Client, baseURL string) *Client {
	return &Client{http: http, baseURL: baseURL}
}

// OrderListResponse is the shape returned by the order-list endpoint (§6).
type OrderListResponse struct {
	Data struct {
		OrderData struct {
			DetailsList []OrderListEntry `json:"details_list"`
		} `json:"order_data"`
	} `json:"data"`
	Error int `json:"error"`
}

// OrderListEntry is one row of the order-list response.
type OrderListEntry struct {
	InfoCard struct {
		OrderID    string `json:"order_id"`
		FinalTotal int64  `json:"final_total"`
	} `json:"info_card"`
}

// OrderDetailResponse is the shape returned by the order-detail endpoint (§6).
type OrderDetailResponse struct {
	Data struct {
		Shipping       json.RawMessage `json:"shipping"`
		Address        json.RawMessage `json:"address"`
		ProcessingInfo struct {
			InfoRows []json.RawMessage `json:"info_rows"`
		} `json:"processing_info"`
		InfoCard struct {
			ParcelCards []json.RawMessage `json:"parcel_cards"`
		} `json:"info_card"`
		TrackingInfo json.RawMessage `json:"tracking_info"`
		DeliveryInfo json.RawMessage `json:"delivery_info"`
		DriverInfo   json.RawMessage `json:"driver_info"`
	} `json:"data"`
	Error    int    `json:"error"`
	ErrorMsg string `json:"error_msg"`
}

// AccountInfoResponse is the shape returned by the account-info endpoint (§6).
type AccountInfoResponse struct {
	Data struct {
		UserID   string `json:"userid"`
		Username string `json:"username"`
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
		Phone    string `json:"phone"`
		ShopID   string `json:"shopid"`
		Ctime    int64  `json:"ctime"`
	} `json:"data"`
	Error int `json:"error"`
}

// VoucherSaveRequest is the body accepted by the voucher-save endpoint (§6).
type VoucherSaveRequest struct {
	VoucherPromotionID        string `json:"voucher_promotionid"`
	Signature                 string `json:"signature"`
	SecurityDeviceFingerprint string `json:"security_device_fingerprint"`
	SignatureSource           string `json:"signature_source"`
}

// VoucherSaveResponse is the platform's reply to a voucher-save POST.
type VoucherSaveResponse struct {
	Error    int    `json:"error"`
	ErrorMsg string `json:"error_msg"`
}

func (c *Client) call(ctx context.Context, method, path, cookie string, body any, opts upstream.Options) (upstream.Result, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return upstream.Result{}, fmt.Errorf("platform: encode body: %w", err)
		}
		payload = b
	}
	opts.DetectCookieExpiry = true
	return c.http.Call(ctx, upstream.Request{
		Method: method,
		URL:    c.baseURL + path,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Cookie":       cookie,
		},
		Body: payload,
	}, opts)
}

// ListOrders fetches the caller's most recent orders (limit applied
// server-side via query string).
func (c *Client) ListOrders(ctx context.Context, cookie string, limit int, opts upstream.Options) (*OrderListResponse, error) {
	res, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v4/order/get_order_list?page_size=%d", limit), cookie, nil, opts)
	if err != nil {
		return nil, err
	}
	var out OrderListResponse
	if jerr := json.Unmarshal(res.Body, &out); jerr != nil {
		return nil, fmt.Errorf("platform: decode order list: %w", jerr)
	}
	return &out, nil
}

// OrderDetail fetches shipping/delivery enrichment for one order.
func (c *Client) OrderDetail(ctx context.Context, cookie, orderID string, opts upstream.Options) (*OrderDetailResponse, error) {
	res, err := c.call(ctx, http.MethodGet, "/api/v4/order/get_order_detail?order_id="+orderID, cookie, nil, opts)
	if err != nil {
		return nil, err
	}
	var out OrderDetailResponse
	if jerr := json.Unmarshal(res.Body, &out); jerr != nil {
		return nil, fmt.Errorf("platform: decode order detail: %w", jerr)
	}
	return &out, nil
}

// AccountInfo fetches the account bound to cookie. The platform sets a
// refreshed SPC_F cookie on every call (§6); the response headers are
// returned alongside the decoded body so callers can read a rotated cookie.
func (c *Client) AccountInfo(ctx context.Context, cookie string, opts upstream.Options) (*AccountInfoResponse, http.Header, error) {
	res, err := c.call(ctx, http.MethodGet, "/api/v4/account/basic/get_account_info", cookie, nil, opts)
	if err != nil {
		return nil, nil, err
	}
	var out AccountInfoResponse
	if jerr := json.Unmarshal(res.Body, &out); jerr != nil {
		return nil, nil, fmt.Errorf("platform: decode account info: %w", jerr)
	}
	return &out, res.Headers, nil
}

// SaveVoucher attempts to claim one voucher.
func (c *Client) SaveVoucher(ctx context.Context, cookie string, req VoucherSaveRequest, opts upstream.Options) (*VoucherSaveResponse, error) {
	res, err := c.call(ctx, http.MethodPost, "/api/v4/voucher_wallet/save_voucher", cookie, req, opts)
	if err != nil {
		return nil, err
	}
	var out VoucherSaveResponse
	if jerr := json.Unmarshal(res.Body, &out); jerr != nil {
		return nil, fmt.Errorf("platform: decode voucher save: %w", jerr)
	}
	return &out, nil
}

// VoucherCatalogueResponse is the shape returned by the voucher-catalogue
// listing endpoint.
type VoucherCatalogueResponse struct {
	Data struct {
		Vouchers []VoucherCatalogueEntry `json:"vouchers"`
	} `json:"data"`
	Error int `json:"error"`
}

// VoucherCatalogueEntry is one catalogue row.
type VoucherCatalogueEntry struct {
	PromotionID string `json:"promotionid"`
	VoucherCode string `json:"voucher_code"`
	Signature   string `json:"signature"`
}

// FetchCatalogue retrieves the current voucher catalogue for cookie.
func (c *Client) FetchCatalogue(ctx context.Context, cookie string, opts upstream.Options) (*VoucherCatalogueResponse, error) {
	res, err := c.call(ctx, http.MethodGet, "/api/v4/voucher_wallet/get_voucher_list", cookie, nil, opts)
	if err != nil {
		return nil, err
	}
	var out VoucherCatalogueResponse
	if jerr := json.Unmarshal(res.Body, &out); jerr != nil {
		return nil, fmt.Errorf("platform: decode voucher catalogue: %w", jerr)
	}
	return &out, nil
}

// AuthRequest is the body accepted by the platform's password-auth endpoint:
// the password is sent as SHA256(MD5(password)) per §6.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HashPassword implements the platform's SHA256(MD5(password)) digest.
func HashPassword(password string) string {
	md5sum := md5.Sum([]byte(password))
	sha := sha256.Sum256([]byte(hex.EncodeToString(md5sum[:])))
	return hex.EncodeToString(sha[:])
}

// Authenticate logs in with username/password and returns the session
// cookie set by the platform.
func (c *Client) Authenticate(ctx context.Context, username, password string) (http.Header, error) {
	req := AuthRequest{Username: username, Password: HashPassword(password)}
	res, err := c.call(ctx, http.MethodPost, "/api/v4/account/login", "", req, upstream.Options{IsAuthEndpoint: true})
	if err != nil {
		return nil, err
	}
	return res.Headers, nil
}
