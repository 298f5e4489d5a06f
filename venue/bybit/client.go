package bybit

import (
	"context"
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
	"time"

	"github.com/rustyeddy/guardian/venue"
)

const (
	// MainnetURL is the URL for Bybit's production environment
	MainnetURL = "https://api.bybit.com"
	// TestnetURL is the URL for Bybit's demo/testnet environment
	TestnetURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"

	// DefaultTimeout bounds every REST call so a hung venue cannot
	// stall the caller's tick.
	DefaultTimeout = 8 * time.Second
)

// Client is a Bybit v5 REST client restricted to the two read
// capabilities the engine consumes: positions and wallet balance.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a new Bybit API client.
func NewClient(apiKey, apiSecret string, testnet bool) *Client {
	baseURL := MainnetURL
	if testnet {
		baseURL = TestnetURL
	}

	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// sign produces the v5 HMAC-SHA256 request signature over
// timestamp + apiKey + recvWindow + queryString.
func (c *Client) sign(timestamp, query string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp + c.apiKey + recvWindow + query))
	return hex.EncodeToString(h.Sum(nil))
}

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// apiPosition is a raw position record from /v5/position/list.
type apiPosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"` // "Buy", "Sell" or "" for empty slots
	Size           string `json:"size"`
	Leverage       string `json:"leverage"`
	AvgPrice       string `json:"avgPrice"`
	MarkPrice      string `json:"markPrice"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	PositionValue  string `json:"positionValue"`
	PositionIM     string `json:"positionIM"`
	PositionStatus string `json:"positionStatus"` // "Normal", "Liq", "Adl"
}

type positionList struct {
	List []apiPosition `json:"list"`
}

// apiWallet is a raw account record from /v5/account/wallet-balance.
type apiWallet struct {
	TotalEquity        string `json:"totalEquity"`
	TotalWalletBalance string `json:"totalWalletBalance"`
	TotalPerpUPL       string `json:"totalPerpUPL"`
}

type walletList struct {
	List []apiWallet `json:"list"`
}

// GetPositions fetches all open linear positions settled in USDT and
// normalizes them to the internal model. Absence of a symbol in the
// result is the caller's sole removal signal.
func (c *Client) GetPositions(ctx context.Context) ([]venue.Position, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("settleCoin", "USDT")

	raw, err := c.get(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}

	var list positionList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, venue.NewFetchError(venue.RemoteError, "malformed position list", err)
	}

	now := time.Now()
	positions := make([]venue.Position, 0, len(list.List))
	for _, ap := range list.List {
		p, err := normalizePosition(ap, now)
		if err != nil {
			return nil, venue.NewFetchError(venue.RemoteError, "malformed position record", err)
		}
		// Bybit reports empty slots with side "" and size "0";
		// drop them at the edge so callers only see real records.
		if p.Size <= 0 {
			continue
		}
		positions = append(positions, p)
	}

	return positions, nil
}

// GetWalletBalance fetches the unified account balance.
func (c *Client) GetWalletBalance(ctx context.Context) (venue.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	raw, err := c.get(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return venue.Balance{}, err
	}

	var list walletList
	if err := json.Unmarshal(raw, &list); err != nil {
		return venue.Balance{}, venue.NewFetchError(venue.RemoteError, "malformed wallet response", err)
	}
	if len(list.List) == 0 {
		return venue.Balance{}, venue.NewFetchError(venue.RemoteError, "wallet response missing account entry", nil)
	}

	w := list.List[0]
	equity, err := parseFloat(w.TotalEquity)
	if err != nil {
		return venue.Balance{}, venue.NewFetchError(venue.RemoteError, "parse totalEquity", err)
	}
	wallet, err := parseFloat(w.TotalWalletBalance)
	if err != nil {
		return venue.Balance{}, venue.NewFetchError(venue.RemoteError, "parse totalWalletBalance", err)
	}
	upl, err := parseFloat(w.TotalPerpUPL)
	if err != nil {
		return venue.Balance{}, venue.NewFetchError(venue.RemoteError, "parse totalPerpUPL", err)
	}

	return venue.Balance{
		Equity:        equity,
		WalletBalance: wallet,
		UnrealizedPnl: upl,
	}, nil
}

// get performs a signed GET and unwraps the v5 envelope.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	query := params.Encode()
	apiURL := c.baseURL + endpoint
	if query != "" {
		apiURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, venue.NewFetchError(venue.Unreachable, "create request", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, query))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, venue.NewFetchError(venue.Timeout, endpoint, err)
		}
		return nil, venue.NewFetchError(venue.Unreachable, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, venue.NewFetchError(venue.Unreachable, "read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, venue.NewFetchError(venue.RemoteError,
			fmt.Sprintf("%s: status %d: %s", endpoint, resp.StatusCode, string(body)), nil)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, venue.NewFetchError(venue.RemoteError, "decode envelope", err)
	}
	if env.RetCode != 0 {
		return nil, venue.NewFetchError(venue.RemoteError,
			fmt.Sprintf("%s: retCode %d: %s", endpoint, env.RetCode, env.RetMsg), nil)
	}

	return env.Result, nil
}

// normalizePosition converts a raw venue record into the internal model.
func normalizePosition(ap apiPosition, seen time.Time) (venue.Position, error) {
	size, err := parseFloat(ap.Size)
	if err != nil {
		return venue.Position{}, fmt.Errorf("parse size for %s: %w", ap.Symbol, err)
	}
	leverage, err := parseFloat(ap.Leverage)
	if err != nil {
		return venue.Position{}, fmt.Errorf("parse leverage for %s: %w", ap.Symbol, err)
	}
	entry, err := parseFloat(ap.AvgPrice)
	if err != nil {
		return venue.Position{}, fmt.Errorf("parse avgPrice for %s: %w", ap.Symbol, err)
	}
	mark, err := parseFloat(ap.MarkPrice)
	if err != nil {
		return venue.Position{}, fmt.Errorf("parse markPrice for %s: %w", ap.Symbol, err)
	}
	upl, err := parseFloat(ap.UnrealisedPnl)
	if err != nil {
		return venue.Position{}, fmt.Errorf("parse unrealisedPnl for %s: %w", ap.Symbol, err)
	}
	value, err := parseFloat(ap.PositionValue)
	if err != nil {
		return venue.Position{}, fmt.Errorf("parse positionValue for %s: %w", ap.Symbol, err)
	}

	side := venue.Long
	if ap.Side == "Sell" {
		side = venue.Short
	}

	status := venue.StatusOpen
	if ap.PositionStatus != "" && ap.PositionStatus != "Normal" {
		status = venue.StatusClosed
	}

	// Margin consumed is notional over leverage; fall back to the
	// venue-reported initial margin when leverage is unusable.
	margin := 0.0
	if leverage > 0 {
		margin = value / leverage
	} else if im, err := parseFloat(ap.PositionIM); err == nil {
		margin = im
	}

	return venue.Position{
		Symbol:        ap.Symbol,
		Side:          side,
		Size:          size,
		Leverage:      leverage,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnl: upl,
		PositionValue: value,
		MarginUsed:    margin,
		Status:        status,
		LastSeen:      seen,
	}, nil
}

// parseFloat parses a venue decimal string, treating "" as zero
// (Bybit omits values on empty position slots).
func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// isTimeout reports whether err is a transport-level timeout.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
