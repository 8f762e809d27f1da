package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/domain"
)

// AsyncClient is the REST adapter for an asynchronous keeper venue. Submit
// places the order and returns a pending handle; fills and cancellations
// come back later through the engine's callback endpoints, signed by the
// executing keeper.
type AsyncClient struct {
	name       string
	baseURL    string
	auth       *crypto.HMACAuth
	quotes     domain.QuoteCache // optional
	httpClient httpDoer
}

// NewAsyncClient creates an AsyncClient. quotes may be nil.
func NewAsyncClient(name, baseURL string, auth *crypto.HMACAuth, quotes domain.QuoteCache) *AsyncClient {
	return &AsyncClient{
		name:       name,
		baseURL:    baseURL,
		auth:       auth,
		quotes:     quotes,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Name returns the venue's configured name.
func (c *AsyncClient) Name() string { return c.name }

// Quote returns the venue's projected output for the swap.
func (c *AsyncClient) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if c.quotes != nil {
		if out, err := c.quotes.GetQuote(ctx, c.name, tokenIn, tokenOut, amountIn); err == nil {
			return out, nil
		}
	}

	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, "/quote", map[string]string{
		"token_in":  tokenIn.Hex(),
		"token_out": tokenOut.Hex(),
		"amount_in": amountIn.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: quote: %w", c.name, errors.Join(err, domain.ErrExternalCall))
	}

	var resp struct {
		AmountOut string `json:"amount_out"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode quote: %w", c.name, err)
	}
	out, err := parseAmount("quote", resp.AmountOut)
	if err != nil {
		return nil, err
	}

	if c.quotes != nil {
		_ = c.quotes.SetQuote(ctx, c.name, tokenIn, tokenOut, amountIn, out, quoteTTL)
	}
	return out, nil
}

// Submit places the leg-1 order and returns the venue's pending handle.
func (c *AsyncClient) Submit(ctx context.Context, sub domain.AsyncSubmission) (string, error) {
	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, "/orders", map[string]string{
		"order_key":  sub.OrderKey,
		"token_in":   sub.TokenIn.Hex(),
		"token_out":  sub.TokenOut.Hex(),
		"amount_in":  sub.AmountIn.String(),
		"min_out":    sub.MinOut.String(),
		"fee_budget": sub.FeeBudget.String(),
	})
	if err != nil {
		return "", fmt.Errorf("%s: submit: %w", c.name, errors.Join(err, domain.ErrExternalCall))
	}

	var resp struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%s: decode submit: %w", c.name, err)
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("%s: submit returned no handle: %w", c.name, domain.ErrExternalCall)
	}
	return resp.Handle, nil
}

// Cancel requests cancellation of a pending order. Cooperative: acceptance
// of the request is all this confirms; the venue reports the actual
// cancellation through the engine's cancellation callback.
func (c *AsyncClient) Cancel(ctx context.Context, handle string) error {
	path := "/orders/" + url.PathEscape(handle)
	if _, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodDelete, c.baseURL, path, nil); err != nil {
		return fmt.Errorf("%s: cancel %s: %w", c.name, handle, errors.Join(err, domain.ErrExternalCall))
	}
	return nil
}

// MinFeeBudget returns the smallest execution-fee budget the venue accepts.
func (c *AsyncClient) MinFeeBudget(ctx context.Context) (*big.Int, error) {
	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodGet, c.baseURL, "/fees/minimum", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: min fee: %w", c.name, errors.Join(err, domain.ErrExternalCall))
	}

	var resp struct {
		MinFeeBudget string `json:"min_fee_budget"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode min fee: %w", c.name, err)
	}
	return parseAmount("min fee", resp.MinFeeBudget)
}

// Compile-time interface check.
var _ domain.AsyncVenue = (*AsyncClient)(nil)
