// Package binance implements the exchange adapter for Binance USDT-M
// futures over the signed REST API.
package binance

import (
	"context"
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

const venue = "binance-usdtfut"

// Config holds Binance USDT-M futures connection settings.
type Config struct {
	Credentials common.Credentials
	Testnet     bool
	RecvWindow  int64 // ms
	Limiter     *rate.Limiter
}

// Client is the Binance USDT-M futures adapter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Binance USDT-M futures adapter.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    cfg.Limiter,
	}
}

// PlaceOrder submits an order. The idempotency key in req.ClientID is
// forwarded as newClientOrderId, which Binance dedups natively.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.Credentials.APIKey == "" || c.cfg.Credentials.APISecret == "" {
		return common.OrderResult{}, common.NewAPIError(common.ErrKindAuth, venue, "API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
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
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// FetchOrderByClientID looks up an order by its client order id; used
// as the pre-resubmission existence check after a network timeout.
func (c *Client) FetchOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Kind == common.ErrKindInvalidParams {
			// code -2013 "Order does not exist" maps here
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
	positions, err := c.fetchPositionRisk(ctx, symbol)
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
	positions, err := c.fetchPositionRisk(ctx, "")
	if err != nil {
		return nil, err
	}
	out := positions[:0]
	for _, p := range positions {
		if p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Client) fetchPositionRisk(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var rows []positionRisk
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.PositionInfo, 0, len(rows))
	for _, r := range rows {
		qty, _ := strconv.ParseFloat(r.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(r.Leverage)
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

// FetchBalance returns the USDT wallet balance plus unrealized PnL.
func (c *Client) FetchBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return 0, err
	}
	var rows []futuresBalance
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, r := range rows {
		if r.Asset == "USDT" {
			wallet, _ := strconv.ParseFloat(r.Balance, 64)
			upnl, _ := strconv.ParseFloat(r.CrossUnPnl, 64)
			return wallet + upnl, nil
		}
	}
	return 0, nil
}

// Ping checks connectivity without authentication.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/ping", nil)
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

// doSigned signs and sends a request, waiting on the shared token
// bucket first, and classifies failures into the engine taxonomy.
func (c *Client) doSigned(ctx context.Context, method, path string, p url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, common.WrapAPIError(common.ErrKindNetworkTimeout, venue, err)
		}
	}

	p.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	p.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	p.Set("signature", sign(p.Encode(), c.cfg.Credentials.APISecret))

	endpoint := c.baseURL + path
	encoded := p.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.Credentials.APIKey)

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

// classify maps Binance HTTP status and error codes onto the engine's
// failure taxonomy.
func classify(status int, body []byte) error {
	var be struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &be)

	kind := common.ErrKindUnknown
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		kind = common.ErrKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = common.ErrKindAuth
	}
	switch be.Code {
	case -1003: // too many requests
		kind = common.ErrKindRateLimited
	case -2014, -2015, -1022: // bad API key / signature
		kind = common.ErrKindAuth
	case -2018, -2019: // balance / margin insufficient
		kind = common.ErrKindInsufficientBalance
	case -1121: // invalid symbol
		kind = common.ErrKindInvalidSymbol
	case -1100, -1102, -1111, -1116, -1117, -2013, -4164: // bad params, below min notional
		kind = common.ErrKindInvalidParams
	}
	msg := be.Msg
	if msg == "" {
		msg = fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return common.NewAPIError(kind, venue, msg)
}

type orderResp struct {
	Symbol        string `json:"symbol"`
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

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type futuresBalance struct {
	Asset      string `json:"asset"`
	Balance    string `json:"balance"`
	CrossUnPnl string `json:"crossUnPnl"`
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
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
