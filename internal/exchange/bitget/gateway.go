// Package bitget implements the Bitget REST/WS gateway: request signing,
// order placement/cancellation, constraint/pos-mode/funding REST calls,
// and the public/private websocket lifecycle with book-bootstrap and
// controlled-reconnect handling. Grounded on
// original_source/bot/exchange/bitget_gateway.py.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/constraints"
	"github.com/quantedge/bitget-mm/internal/logging"
	"github.com/quantedge/bitget-mm/internal/types"
)

// Gateway is the REST+WS client for one Bitget account/symbol pair.
type Gateway struct {
	cfg   *config.AppConfig
	creds config.Credentials
	log   *logrus.Logger
	sinks *logging.Sinks

	rest    *resty.Client
	limiter *rate.Limiter

	Constraints *constraints.Registry

	disconnect chan string

	store *DataStore

	publicBookChannel         string
	bookChannelFilterSupported *bool
	controlledReconnectUntil  time.Time
	controlledReconnectReason string
}

// NewGateway constructs a Gateway against cfg.Exchange.BaseURL, signing
// requests with creds when creds.APIKey is set (empty creds give an
// unsigned, read-only, dry-run-friendly instance).
func NewGateway(cfg *config.AppConfig, creds config.Credentials, log *logrus.Logger, sinks *logging.Sinks) *Gateway {
	rest := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(10 * time.Second)

	return &Gateway{
		cfg:   cfg,
		creds: creds,
		log:   log,
		sinks: sinks,
		rest:  rest,
		// Bitget's REST endpoints cap private trade/order calls at 10 req/s;
		// this throttles every outbound call (order placement, cancellation,
		// constraint/funding polling) to stay under that regardless of how
		// many goroutines are calling in concurrently.
		limiter:           rate.NewLimiter(rate.Limit(10), 10),
		Constraints:       &constraints.Registry{},
		disconnect:        make(chan string, 8),
		store:             NewDataStore(),
		publicBookChannel: "books",
	}
}

// Store returns the in-process market-data cache.
func (g *Gateway) Store() *DataStore { return g.store }

// Disconnect returns the channel the WS loops signal on ("public"/
// "private") whenever a connection drops outside a controlled-reconnect
// grace window.
func (g *Gateway) Disconnect() <-chan string { return g.disconnect }

func (g *Gateway) logEvent(event string, fields map[string]interface{}) {
	if g.sinks == nil {
		return
	}
	data, _ := json.Marshal(fields)
	var dataMap map[string]interface{}
	_ = json.Unmarshal(data, &dataMap)
	_ = g.sinks.System.Log(logging.Record{Event: event, Source: "gateway", Mode: "RUN", Data: dataMap})
}

func (g *Gateway) sign(method, path, body string, ts int64) string {
	prehash := strconv.FormatInt(ts, 10) + method + path + body
	mac := hmac.New(sha256.New, []byte(g.creds.APISecret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) authHeaders(method, path, body string) map[string]string {
	ts := time.Now().UnixMilli()
	return map[string]string{
		"ACCESS-KEY":        g.creds.APIKey,
		"ACCESS-SIGN":       g.sign(method, path, body, ts),
		"ACCESS-TIMESTAMP":  strconv.FormatInt(ts, 10),
		"ACCESS-PASSPHRASE": g.creds.APIPassphrase,
		"Content-Type":      "application/json",
	}
}

func (g *Gateway) restGet(ctx context.Context, path string, params map[string]string) (map[string]interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "rate limit wait for GET %s", path)
	}
	req := g.rest.R().SetContext(ctx).SetQueryParams(params)
	if g.creds.APIKey != "" {
		req.SetHeaders(g.authHeaders("GET", path, ""))
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.Wrapf(err, "decoding GET %s response", path)
	}
	return out, nil
}

func (g *Gateway) restPost(ctx context.Context, path string, data map[string]interface{}) (map[string]interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "rate limit wait for POST %s", path)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request body")
	}
	req := g.rest.R().SetContext(ctx).SetBody(body)
	if g.creds.APIKey != "" {
		req.SetHeaders(g.authHeaders("POST", path, string(body)))
	}
	resp, err := req.Post(path)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", path)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.Wrapf(err, "decoding POST %s response", path)
	}
	return out, nil
}

// FetchSpotSymbols fetches the spot public-symbols list.
func (g *Gateway) FetchSpotSymbols(ctx context.Context) (map[string]interface{}, error) {
	return g.restGet(ctx, "/api/v2/spot/public/symbols", nil)
}

// FetchPerpContracts fetches the perpetual contract list for the
// configured symbol.
func (g *Gateway) FetchPerpContracts(ctx context.Context) (map[string]interface{}, error) {
	perp := g.cfg.Symbols.Perp
	return g.restGet(ctx, "/api/v2/mix/market/contracts", map[string]string{
		"productType": perp.ProductType,
		"symbol":      perp.Symbol,
	})
}

// FetchFunding fetches the current funding rate and parses it into a
// types.FundingInfo, satisfying marketdata.FundingSource.
func (g *Gateway) FetchFunding(ctx context.Context) (types.FundingInfo, error) {
	perp := g.cfg.Symbols.Perp
	payload, err := g.restGet(ctx, "/api/v2/mix/market/current-fund-rate", map[string]string{
		"symbol":      perp.Symbol,
		"productType": perp.ProductType,
	})
	if err != nil {
		return types.FundingInfo{}, err
	}
	return parseFunding(payload), nil
}

// GetPosMode reads the account's current position mode for the perp leg.
func (g *Gateway) GetPosMode(ctx context.Context) (string, error) {
	perp := g.cfg.Symbols.Perp
	payload, err := g.restGet(ctx, "/api/v2/mix/account/account", map[string]string{
		"productType": perp.ProductType,
		"symbol":      perp.Symbol,
		"marginCoin":  perp.MarginCoin,
	})
	if err != nil {
		return "", err
	}
	switch data := payload["data"].(type) {
	case map[string]interface{}:
		if mode, ok := data["posMode"].(string); ok {
			return mode, nil
		}
	case []interface{}:
		for _, rowRaw := range data {
			row, ok := rowRaw.(map[string]interface{})
			if !ok {
				continue
			}
			if sym, _ := row["symbol"].(string); sym == perp.Symbol {
				mode, _ := row["posMode"].(string)
				return mode, nil
			}
		}
		if len(data) > 0 {
			if row, ok := data[0].(map[string]interface{}); ok {
				mode, _ := row["posMode"].(string)
				return mode, nil
			}
		}
	}
	return "", nil
}

// SetPosMode sets the account's position mode for the perp leg.
func (g *Gateway) SetPosMode(ctx context.Context, posMode string) (map[string]interface{}, error) {
	perp := g.cfg.Symbols.Perp
	return g.restPost(ctx, "/api/v2/mix/account/set-position-mode", map[string]interface{}{
		"productType": perp.ProductType,
		"posMode":     posMode,
	})
}

// LoadConstraints fetches and parses both legs' instrument constraints.
func (g *Gateway) LoadConstraints(ctx context.Context) (*constraints.Registry, error) {
	spot := g.cfg.Symbols.Spot
	perp := g.cfg.Symbols.Perp

	spotData, err := g.FetchSpotSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if row, ok := findRow(toRows(spotData), "symbol", spot.Symbol); ok {
		g.Constraints.Spot = parseSpotConstraints(row)
	}

	perpData, err := g.FetchPerpContracts(ctx)
	if err != nil {
		return nil, err
	}
	if row, ok := findRow(toRows(perpData), "symbol", perp.Symbol); ok {
		g.Constraints.Perp = parsePerpConstraints(row)
	}

	return g.Constraints, nil
}

func toRows(payload map[string]interface{}) []map[string]interface{} {
	raw, ok := payload["data"].([]interface{})
	if !ok {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if row, ok := r.(map[string]interface{}); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// RefreshConstraintsLoop reloads constraints on an interval until ctx is
// cancelled, retrying sooner and with exponential backoff on error.
func (g *Gateway) RefreshConstraintsLoop(ctx context.Context, interval time.Duration) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 2 * time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := g.LoadConstraints(ctx); err != nil {
			g.logEvent("constraints_error", map[string]interface{}{"error": err.Error()})
			wait := retry.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		retry.Reset()
		g.logEvent("constraints_loaded", map[string]interface{}{
			"spot_ready": g.Constraints.Spot.Ready(),
			"perp_ready": g.Constraints.Perp.Ready(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PlaceOrder submits an order via the venue-appropriate REST endpoint.
func (g *Gateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (map[string]interface{}, error) {
	data, path, err := placeOrderPayload(req, g.cfg.Symbols)
	if err != nil {
		return nil, err
	}
	return g.restPost(ctx, path, data)
}

// CancelOrder cancels a resting order via the venue-appropriate REST
// endpoint.
func (g *Gateway) CancelOrder(ctx context.Context, inst types.InstType, symbol, orderID, clientOID string) (map[string]interface{}, error) {
	data, path, err := cancelOrderPayload(inst, symbol, orderID, clientOID, g.cfg.Symbols)
	if err != nil {
		return nil, err
	}
	return g.restPost(ctx, path, data)
}

func parseFunding(payload map[string]interface{}) types.FundingInfo {
	data, _ := payload["data"].(map[string]interface{})
	if data == nil {
		if rows, ok := payload["data"].([]interface{}); ok && len(rows) > 0 {
			data, _ = rows[0].(map[string]interface{})
		}
	}
	rate, _ := firstFloat(data, "fundingRate", "funding_rate", "rate")
	info := types.FundingInfo{
		Rate:       decimal.NewFromFloat(rate),
		ObservedAt: time.Now(),
	}
	if ms, ok := firstFloat(data, "nextUpdateTime", "nextSettleTime", "fundingTime"); ok {
		t := msToTime(ms)
		info.NextUpdateTime = &t
	}
	if interval, ok := firstFloat(data, "fundingInterval", "intervalSec", "interval"); ok {
		info.IntervalSec = &interval
	}
	return info
}

func msToTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}
