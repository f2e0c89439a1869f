// Package angelone implements the BrokerClient port against the Angel One
// SmartAPI. It mirrors the SmartConnect routes, headers, and session handling
// and maps vendor errors onto the brokererr taxonomy.
package angelone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"trading-execution/internal/brokererr"
	"trading-execution/internal/model"

	"github.com/pquerna/otp/totp"
)

const (
	defaultRoot    = "https://apiconnect.angelone.in"
	defaultTimeout = 7 * time.Second

	// Vendor is the registry key for this client.
	Vendor = "angelone"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",
	"api.rms.limit":    "/rest/secure/angelbroking/user/v1/getRMS",
}

// Client is one authenticated Angel One session for one broker account.
type Client struct {
	apiKey     string
	clientCode string
	password   string
	totpSecret string

	rootURL     string
	accessToken string
	httpClient  *http.Client
	localIP     string
	macAddr     string
}

// New builds an unauthenticated client from the account's credential bundle.
func New(cfg *model.BrokerConfig) (model.BrokerClient, error) {
	if cfg.APIKey == "" || cfg.ClientCode == "" {
		return nil, brokererr.New(Vendor, brokererr.CodeAuth, "missing api key or client code")
	}
	root := cfg.BaseURL
	if root == "" {
		root = defaultRoot
	}
	return &Client{
		apiKey:     cfg.APIKey,
		clientCode: cfg.ClientCode,
		password:   cfg.Password,
		totpSecret: cfg.TOTPSecret,
		rootURL:    strings.TrimRight(root, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		localIP:    localIP(),
		macAddr:    macAddr(),
	}, nil
}

// Authenticate logs in with password + fresh TOTP and stores the JWT.
func (c *Client) Authenticate(ctx context.Context) error {
	code, err := totp.GenerateCode(c.totpSecret, time.Now())
	if err != nil {
		return brokererr.Wrap(Vendor, brokererr.CodeAuth, "totp generation failed", err)
	}

	res, err := c.post(ctx, "api.login", map[string]any{
		"clientcode": c.clientCode,
		"password":   c.password,
		"totp":       code,
	})
	if err != nil {
		return err
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return brokererr.New(Vendor, brokererr.CodeAuth, "unexpected login response format")
	}
	jwt, _ := data["jwtToken"].(string)
	if jwt == "" {
		return brokererr.New(Vendor, brokererr.CodeAuth, "login succeeded without a token")
	}
	c.accessToken = jwt
	return nil
}

// PlaceOrder submits the intent and returns the broker-assigned order ID.
func (c *Client) PlaceOrder(ctx context.Context, o *model.OrderIntent) (string, error) {
	ordertype, variety := mapKind(o.Kind)
	params := map[string]any{
		"variety":         variety,
		"tradingsymbol":   o.Symbol,
		"exchange":        o.Exchange,
		"transactiontype": string(o.Side),
		"ordertype":       ordertype,
		"producttype":     "INTRADAY",
		"duration":        "DAY",
		"quantity":        o.Qty,
		"ordertag":        o.ID, // duplicate detection on resubmission
	}
	if o.LimitPrice > 0 {
		params["price"] = rupeeString(o.LimitPrice)
	}
	if o.TriggerPrice > 0 {
		params["triggerprice"] = rupeeString(o.TriggerPrice)
	}

	res, err := c.post(ctx, "api.order.place", params)
	if err != nil {
		return "", err
	}
	if data, ok := res["data"].(map[string]any); ok {
		if oid, _ := data["orderid"].(string); oid != "" {
			return oid, nil
		}
	}
	return "", brokererr.New(Vendor, brokererr.CodeTransient, fmt.Sprintf("invalid place response: %v", res))
}

// CancelOrder cancels a previously accepted order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.post(ctx, "api.order.cancel", map[string]any{
		"variety": "NORMAL",
		"orderid": brokerOrderID,
	})
	return err
}

// GetOrderStatus scans the order book for the broker order ID.
func (c *Client) GetOrderStatus(ctx context.Context, brokerOrderID string) (*model.OrderStatus, error) {
	res, err := c.get(ctx, "api.order.book")
	if err != nil {
		return nil, err
	}
	items, _ := res["data"].([]any)
	for _, it := range items {
		row, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if oid, _ := row["orderid"].(string); oid != brokerOrderID {
			continue
		}
		status, _ := row["orderstatus"].(string)
		filled, _ := row["filledshares"].(string)
		avg, _ := row["averageprice"].(float64)
		return &model.OrderStatus{
			Status:    normalizeStatus(status),
			FilledQty: parseQty(filled),
			AvgPrice:  int64(avg * 100), // rupees → paise
		}, nil
	}
	return nil, brokererr.New(Vendor, brokererr.CodeOrderRejected, "order not found in order book").
		WithRawCode(brokerOrderID)
}

// HealthCheck probes the RMS limit endpoint, the cheapest authenticated call.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	_, err := c.get(ctx, "api.rms.limit")
	if err != nil {
		return false, err
	}
	return true, nil
}

// Disconnect logs the session out. Errors are returned but the token is
// dropped regardless.
func (c *Client) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	_, err := c.post(ctx, "api.logout", map[string]any{"clientcode": c.clientCode})
	c.accessToken = ""
	return err
}

// ---- transport ----

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.localIP)
	h.Set("X-ClientPublicIP", c.localIP)
	h.Set("X-MACAddress", c.macAddr)
	h.Set("X-PrivateKey", c.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	return h
}

func (c *Client) post(ctx context.Context, route string, params map[string]any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, route, params)
}

func (c *Client) get(ctx context.Context, route string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, route, nil)
}

func (c *Client) do(ctx context.Context, method, route string, params map[string]any) (map[string]any, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("angelone: unknown route %s", route)
	}

	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.rootURL+uri, body)
	if err != nil {
		return nil, err
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, brokererr.Wrap(Vendor, brokererr.CodeTimeout, "request deadline exceeded", err)
		}
		return nil, brokererr.Wrap(Vendor, brokererr.CodeTransient, "http transport failure", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, brokererr.Wrap(Vendor, brokererr.CodeTransient, "read response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, brokererr.New(Vendor, brokererr.CodeRateLimited, "vendor throttled the request")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, brokererr.New(Vendor, brokererr.CodeAuth, "session rejected").
			WithRawCode(fmt.Sprintf("http_%d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, brokererr.New(Vendor, brokererr.CodeTransient, "vendor 5xx").
			WithRawCode(fmt.Sprintf("http_%d", resp.StatusCode))
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, brokererr.Wrap(Vendor, brokererr.CodeTransient, "unparseable response", err)
	}

	if et, _ := out["error_type"].(string); et != "" {
		msg, _ := out["message"].(string)
		return out, classify(et, msg)
	}
	if st, ok := out["status"].(bool); ok && !st {
		msg, _ := out["message"].(string)
		ec, _ := out["errorcode"].(string)
		return out, classify(ec, msg)
	}
	return out, nil
}

// classify maps a vendor error code/message onto the brokererr taxonomy.
// Angel One error codes: AB* for auth/session, AB1010 margin shortfall.
func classify(rawCode, msg string) error {
	lower := strings.ToLower(msg)
	code := brokererr.CodeOrderRejected
	switch {
	case rawCode == "AB1010" || strings.Contains(lower, "insufficient") || strings.Contains(lower, "margin"):
		code = brokererr.CodeInsufficientFunds
	case strings.Contains(lower, "invalid symbol") || strings.Contains(lower, "symbol not") ||
		strings.Contains(lower, "invalid token"):
		code = brokererr.CodeSymbolNotFound
	case strings.Contains(lower, "market") && strings.Contains(lower, "closed"):
		code = brokererr.CodeMarketClosed
	case strings.Contains(lower, "minimum") && strings.Contains(lower, "quantity"):
		code = brokererr.CodeOrderSizeTooSmall
	case strings.Contains(lower, "price") && (strings.Contains(lower, "invalid") || strings.Contains(lower, "range")):
		code = brokererr.CodeInvalidPrice
	case strings.Contains(lower, "duplicate"):
		code = brokererr.CodeDuplicateOrder
	case strings.Contains(lower, "rate") && strings.Contains(lower, "limit"):
		code = brokererr.CodeRateLimited
	case rawCode == "TokenException" || strings.HasPrefix(rawCode, "AG8") ||
		strings.Contains(lower, "token") && strings.Contains(lower, "expire"):
		code = brokererr.CodeAuth
	}
	return brokererr.New(Vendor, code, msg).WithRawCode(rawCode)
}

func mapKind(k model.OrderKind) (ordertype, variety string) {
	switch k {
	case model.KindLimit:
		return "LIMIT", "NORMAL"
	case model.KindStop:
		return "STOPLOSS_MARKET", "STOPLOSS"
	case model.KindStopLimit:
		return "STOPLOSS_LIMIT", "STOPLOSS"
	default:
		return "MARKET", "NORMAL"
	}
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "complete", "filled":
		return "COMPLETE"
	case "cancelled", "canceled":
		return "CANCELLED"
	case "rejected":
		return "REJECTED"
	default:
		return "OPEN"
	}
}

func rupeeString(paise int64) string {
	return fmt.Sprintf("%d.%02d", paise/100, paise%100)
}

func parseQty(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func macAddr() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}
