// Package toobit implements the exchange adapter for Toobit futures.
package toobit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mirror-core/pkg/exchanges/common"
)

const (
	venue   = "toobit-futures"
	baseURL = "https://api.toobit.com"
)

// Config holds Toobit futures connection settings.
type Config struct {
	Credentials common.Credentials
	RecvWindow  int64 // ms
	Limiter     *rate.Limiter
}

// Client is the Toobit futures adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Toobit futures adapter.
func New(cfg Config) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    cfg.Limiter,
	}
}

// PlaceOrder submits an order, forwarding the idempotency key as
// newClientOrderId.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.Credentials.APIKey == "" || c.cfg.Credentials.APISecret == "" {
		return common.OrderResult{}, common.NewAPIError(common.ErrKindAuth, venue, "API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v1/futures/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by symbol and exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v1/futures/order", params)
	return err
}

// FetchOrderByClientID looks up a prior submission by client order id.
func (c *Client) FetchOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/futures/order", params)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Kind == common.ErrKindInvalidParams {
			return common.OrderResult{}, common.ErrOrderNotFound
		}
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order lookup: %w", err)
	}
	return resp.toResult(), nil
}

// FetchPosition returns the position for one symbol.
func (c *Client) FetchPosition(ctx context.Context, symbol string) (common.PositionInfo, error) {
	positions, err := c.fetchPositions(ctx, symbol)
	if err != nil {
		return common.PositionInfo{}, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return common.PositionInfo{Symbol: symbol}, nil
}

// FetchPositions returns all non-flat positions.
func (c *Client) FetchPositions(ctx context.Context) ([]common.PositionInfo, error) {
	return c.fetchPositions(ctx, "")
}

func (c *Client) fetchPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/futures/positions", params)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.PositionInfo, 0, len(rows))
	for _, r := range rows {
		qty, _ := strconv.ParseFloat(r.Position, 64)
		if r.Side == "SELL" {
			qty = -qty
		}
		entry, _ := strconv.ParseFloat(r.AvgPrice, 64)
		upnl, _ := strconv.ParseFloat(r.UnrealizedPnL, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		if qty == 0 {
			continue
		}
		out = append(out, common.PositionInfo{
			Symbol:        r.Symbol,
			Qty:           qty,
			EntryPrice:    entry,
			UnrealizedPnL: upnl,
			Leverage:      lev,
		})
	}
	return out, nil
}

// FetchBalance returns total futures account equity in USDT.
func (c *Client) FetchBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/futures/balance", url.Values{})
	if err != nil {
		return 0, err
	}
	var rows []balanceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, r := range rows {
		if r.Asset == "USDT" {
			total, _ := strconv.ParseFloat(r.Balance, 64)
			upnl, _ := strconv.ParseFloat(r.UnrealizedPnL, 64)
			return total + upnl, nil
		}
	}
	return 0, nil
}

// Ping checks public connectivity.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.WrapAPIError(common.ErrKindNetworkTimeout, venue, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return common.NewAPIError(common.ErrKindUnknown, venue, fmt.Sprintf("ping status %d", res.StatusCode))
	}
	return nil
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, common.WrapAPIError(common.ErrKindNetworkTimeout, venue, err)
		}
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.cfg.Credentials.APISecret))
	mac.Write([]byte(encoded))
	encoded += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BB-APIKEY", c.cfg.Credentials.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.WrapAPIError(common.ErrKindNetworkTimeout, venue, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classify(res.StatusCode, body)
	}
	return body, nil
}

// classify maps Toobit HTTP status and error codes onto the engine's
// failure taxonomy. Toobit reuses Binance-style numeric codes.
func classify(status int, body []byte) error {
	var te struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &te)

	kind := common.ErrKindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = common.ErrKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = common.ErrKindAuth
	}
	switch te.Code {
	case -1003:
		kind = common.ErrKindRateLimited
	case -1022, -2014, -2015:
		kind = common.ErrKindAuth
	case -2018, -2019:
		kind = common.ErrKindInsufficientBalance
	case -1121:
		kind = common.ErrKindInvalidSymbol
	case -1100, -1111, -2013:
		kind = common.ErrKindInvalidParams
	}
	msg := te.Msg
	if msg == "" {
		msg = fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return common.NewAPIError(kind, venue, msg)
}

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (r orderResp) toResult() common.OrderResult {
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Position      string `json:"position"`
	AvgPrice      string `json:"avgPrice"`
	UnrealizedPnL string `json:"unrealizedPnL"`
	Leverage      string `json:"leverage"`
}

type balanceRow struct {
	Asset         string `json:"asset"`
	Balance       string `json:"balance"`
	UnrealizedPnL string `json:"unrealizedPnL"`
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
