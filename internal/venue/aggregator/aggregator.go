// Package aggregator quotes swaps through a 0x-style REST API. The
// aggregator pre-routes across pools server-side, so a single quote call
// covers many liquidity sources.
package aggregator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

const defaultGasEstimate = 350_000

// Config describes one aggregator venue.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	Recipient      string // taker address sent with swap builds
	RequestsPerMin int
	Timeout        time.Duration
}

// Venue implements domain.QuoteProvider against a swap-quote REST API.
// Calls are gated by the distributed rate limiter so replicas share the
// venue's request budget.
type Venue struct {
	name       string
	baseURL    string
	apiKey     string
	recipient  string
	rpm        int
	limiter    domain.RateLimiter
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

var _ domain.QuoteProvider = (*Venue)(nil)

// New creates an aggregator venue. limiter may be nil; calls are then
// unthrottled client-side.
func New(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Venue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 60
	}
	return &Venue{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		recipient: cfg.Recipient,
		rpm:       cfg.RequestsPerMin,
		limiter:   limiter,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With(slog.String("component", "venue"), slog.String("venue", cfg.Name)),
		now:    time.Now,
	}
}

// Name returns the configured venue name.
func (v *Venue) Name() string { return v.name }

// quoteResponse is the wire shape of /swap/v1/quote.
type quoteResponse struct {
	Price        string `json:"price"`
	BuyAmount    string `json:"buyAmount"`
	SellAmount   string `json:"sellAmount"`
	To           string `json:"to"`
	Data         string `json:"data"`
	EstimatedGas string `json:"estimatedGas"`
}

// Quote fetches the aggregator's current answer for the pair.
func (v *Venue) Quote(ctx context.Context, pair domain.Pair, amountIn domain.Amount) (domain.Quote, error) {
	resp, err := v.fetchQuote(ctx, pair, amountIn, 0)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("venue/aggregator: quote %s on %s: %w", pair.Key(), v.name, err)
	}

	out, ok := new(big.Int).SetString(resp.BuyAmount, 10)
	if !ok || out.Sign() <= 0 {
		return domain.Quote{}, fmt.Errorf("venue/aggregator: %s returned bad buyAmount %q", v.name, resp.BuyAmount)
	}

	gas := uint64(defaultGasEstimate)
	if resp.EstimatedGas != "" {
		if parsed, err := strconv.ParseUint(resp.EstimatedGas, 10, 64); err == nil && parsed > 0 {
			gas = parsed
		}
	}

	return domain.Quote{
		Venue:       v.name,
		Pair:        pair,
		AmountIn:    amountIn,
		AmountOut:   domain.NewAmount(out, pair.Out.Decimals),
		Route:       []string{pair.In.Address, pair.Out.Address},
		GasEstimate: gas,
		RetrievedAt: v.now(),
	}, nil
}

// BuildSwapCall asks the aggregator for executable calldata and applies
// the slippage allowance to its promised output.
func (v *Venue) BuildSwapCall(ctx context.Context, pair domain.Pair, amountIn domain.Amount, slippageBps int64) (domain.SwapCall, error) {
	if slippageBps < 0 || slippageBps >= domain.BpsDenom {
		return domain.SwapCall{}, fmt.Errorf("venue/aggregator: slippage %d bps out of range", slippageBps)
	}

	resp, err := v.fetchQuote(ctx, pair, amountIn, slippageBps)
	if err != nil {
		return domain.SwapCall{}, fmt.Errorf("venue/aggregator: build swap %s on %s: %w", pair.Key(), v.name, err)
	}
	if resp.To == "" || resp.Data == "" {
		return domain.SwapCall{}, fmt.Errorf("venue/aggregator: %s returned no executable call", v.name)
	}

	out, ok := new(big.Int).SetString(resp.BuyAmount, 10)
	if !ok || out.Sign() <= 0 {
		return domain.SwapCall{}, fmt.Errorf("venue/aggregator: %s returned bad buyAmount %q", v.name, resp.BuyAmount)
	}
	minOut := domain.NewAmount(out, pair.Out.Decimals).MulBps(domain.BpsDenom - slippageBps)

	data, err := hex.DecodeString(strings.TrimPrefix(resp.Data, "0x"))
	if err != nil {
		return domain.SwapCall{}, fmt.Errorf("venue/aggregator: %s calldata not hex: %w", v.name, err)
	}

	return domain.SwapCall{
		Target:   resp.To,
		CallData: data,
		MinOut:   minOut,
	}, nil
}

// fetchQuote performs the rate-limited HTTP round trip.
func (v *Venue) fetchQuote(ctx context.Context, pair domain.Pair, amountIn domain.Amount, slippageBps int64) (quoteResponse, error) {
	if v.limiter != nil {
		allowed, err := v.limiter.Allow(ctx, "venue:"+v.name, v.rpm, time.Minute)
		if err != nil {
			return quoteResponse{}, fmt.Errorf("rate limiter: %w", err)
		}
		if !allowed {
			return quoteResponse{}, fmt.Errorf("%w: venue %s request budget exhausted", domain.ErrRateLimited, v.name)
		}
	}

	params := url.Values{}
	params.Set("sellToken", pair.In.Address)
	params.Set("buyToken", pair.Out.Address)
	params.Set("sellAmount", amountIn.Raw().String())
	if slippageBps > 0 {
		params.Set("slippageBps", strconv.FormatInt(slippageBps, 10))
		if v.recipient != "" {
			params.Set("takerAddress", v.recipient)
		}
	}

	body, err := v.doGet(ctx, "/swap/v1/quote?"+params.Encode())
	if err != nil {
		return quoteResponse{}, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return quoteResponse{}, fmt.Errorf("decode quote: %w", err)
	}
	return resp, nil
}

func (v *Venue) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("0x-api-key", v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps API status codes onto the shared sentinel errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
