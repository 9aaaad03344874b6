package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"
)

// Client wraps the exchange spot REST interface.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	symbolInfoMu      sync.Mutex
	symbolInfoCache   map[string]*SymbolInfo
	symbolInfoFetched time.Time
}

// NewClient creates a REST client. Testnet switches the base URL.
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}
	return &Client{
		apiKey:          apiKey,
		secretKey:       secretKey,
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		symbolInfoCache: make(map[string]*SymbolInfo),
	}
}

// NewClientWithBaseURL points the client at a custom endpoint, used by tests.
func NewClientWithBaseURL(apiKey, secretKey, baseURL string) *Client {
	c := NewClient(apiKey, secretKey, false)
	c.baseURL = baseURL
	return c
}

// doPublic performs an unauthenticated GET and returns the response body.
func (c *Client) doPublic(path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// signedAttempts bounds the transient-failure retries on authenticated calls.
const signedAttempts = 3

// doSigned performs an authenticated request, retrying transient failures
// with backoff. The timestamp and signature are rebuilt on every attempt.
func (c *Client) doSigned(method, path string, params url.Values) ([]byte, error) {
	var body []byte
	err := WithRetry(signedAttempts, func() error {
		var err error
		body, err = c.signedRequest(method, path, params)
		return err
	})
	return body, err
}

func (c *Client) signedRequest(method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// sign creates an HMAC-SHA256 signature over the query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetBalance returns the free balance of one asset.
func (c *Client) GetBalance(asset string) (float64, error) {
	body, err := c.doSigned("GET", "/api/v3/account", nil)
	if err != nil {
		return 0, err
	}

	var account struct {
		Balances []Balance `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return 0, fmt.Errorf("parsing account: %w", err)
	}

	for _, b := range account.Balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return 0, nil
}

// GetTickerPrice returns the last traded price for a symbol.
func (c *Client) GetTickerPrice(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic("/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}

	var ticker struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("parsing ticker: %w", err)
	}
	return ticker.Price, nil
}

// GetTicker24hr returns 24h rolling statistics for a symbol.
func (c *Client) GetTicker24hr(symbol string) (*Ticker24hr, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic("/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, err
	}

	var ticker Ticker24hr
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, fmt.Errorf("parsing 24hr ticker: %w", err)
	}
	return &ticker, nil
}

// GetOrderBookDepth fetches up to limit levels per side.
func (c *Client) GetOrderBookDepth(symbol string, limit int) (*OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doPublic("/api/v3/depth", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing depth: %w", err)
	}

	book := &OrderBook{
		Symbol:       symbol,
		LastUpdateID: raw.LastUpdateID,
		Bids:         make([]PriceLevel, len(raw.Bids)),
		Asks:         make([]PriceLevel, len(raw.Asks)),
		Timestamp:    time.Now().UnixMilli(),
	}
	for i, lvl := range raw.Bids {
		book.Bids[i] = PriceLevel{Price: parseFloat(lvl[0]), Quantity: parseFloat(lvl[1])}
	}
	for i, lvl := range raw.Asks {
		book.Asks[i] = PriceLevel{Price: parseFloat(lvl[0]), Quantity: parseFloat(lvl[1])}
	}
	return book, nil
}

// GetKlines fetches candlesticks ordered oldest to newest.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doPublic("/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("malformed kline row %d", i)
		}
		klines[i] = Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  int64(raw[0].(float64)),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(raw[6].(float64)),
		}
	}
	return klines, nil
}

// GetSymbolInfo returns the trading rules for a symbol. Filters change rarely,
// so results are cached and refreshed once a day; concurrent callers are
// serialized to respect exchange request weight.
func (c *Client) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	c.symbolInfoMu.Lock()
	defer c.symbolInfoMu.Unlock()

	if info, ok := c.symbolInfoCache[symbol]; ok && time.Since(c.symbolInfoFetched) < 24*time.Hour {
		return info, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic("/api/v3/exchangeInfo", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	if len(raw.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not found on exchange", symbol)
	}

	s := raw.Symbols[0]
	info := &SymbolInfo{
		Symbol:     s.Symbol,
		Status:     s.Status,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			info.MinQty = parseFloat(f.MinQty)
			info.StepSize = parseFloat(f.StepSize)
		case "PRICE_FILTER":
			info.TickSize = parseFloat(f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			info.MinNotional = parseFloat(f.MinNotional)
		}
	}

	c.symbolInfoCache[symbol] = info
	c.symbolInfoFetched = time.Now()
	return info, nil
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(req PlaceOrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))

	if req.Type == "LIMIT" {
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSigned("POST", "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	var order OrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &order, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(symbol string, orderID int64) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.doSigned("GET", "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	var order OrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	return &order, nil
}

// GetOpenOrders lists open orders for a symbol.
func (c *Client) GetOpenOrders(symbol string) ([]OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doSigned("GET", "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}

	var orders []OrderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}
	return orders, nil
}

// CancelOrder cancels a single order.
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	_, err := c.doSigned("DELETE", "/api/v3/order", params)
	return err
}

// CancelAllOrders cancels every open order on a symbol. A "no open orders"
// rejection from the exchange is treated as success.
func (c *Client) CancelAllOrders(symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	_, err := c.doSigned("DELETE", "/api/v3/openOrders", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
	}
	return err
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	}
	return 0
}
