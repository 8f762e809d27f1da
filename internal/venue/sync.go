package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/domain"
)

// quoteTTL is how long advisory quotes stay cached.
const quoteTTL = 2 * time.Second

// SyncClient is the REST adapter for a synchronous exchange: swaps execute
// within the request and the realized output comes back in the response.
type SyncClient struct {
	name       string
	baseURL    string
	auth       *crypto.HMACAuth
	quotes     domain.QuoteCache // optional
	httpClient httpDoer
}

// NewSyncClient creates a SyncClient. quotes may be nil to disable quote
// caching.
func NewSyncClient(name, baseURL string, auth *crypto.HMACAuth, quotes domain.QuoteCache) *SyncClient {
	return &SyncClient{
		name:       name,
		baseURL:    baseURL,
		auth:       auth,
		quotes:     quotes,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Name returns the venue's configured name.
func (c *SyncClient) Name() string { return c.name }

// Quote returns the projected output for the swap, consulting the quote
// cache first.
func (c *SyncClient) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
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

// Swap executes tokenIn -> tokenOut. The venue enforces minOut server-side;
// a fill below the floor comes back as a rejection, which surfaces here as
// domain.ErrSlippage. Defensively, an accepted response below minOut is also
// rejected rather than trusted.
func (c *SyncClient) Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, "/swap", map[string]string{
		"token_in":  tokenIn.Hex(),
		"token_out": tokenOut.Hex(),
		"amount_in": amountIn.String(),
		"min_out":   minOut.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: swap: %w", c.name, errors.Join(err, domain.ErrExternalCall))
	}

	var resp struct {
		Status    string `json:"status"`
		AmountOut string `json:"amount_out"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode swap: %w", c.name, err)
	}

	switch resp.Status {
	case "filled":
	case "rejected_slippage":
		return nil, fmt.Errorf("%s: swap rejected: %s: %w", c.name, resp.Reason, domain.ErrSlippage)
	default:
		return nil, fmt.Errorf("%s: swap status %q: %w", c.name, resp.Status, domain.ErrExternalCall)
	}

	out, err := parseAmount("swap", resp.AmountOut)
	if err != nil {
		return nil, err
	}
	if out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%s: filled %s below minimum %s: %w", c.name, out, minOut, domain.ErrSlippage)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.SyncVenue = (*SyncClient)(nil)
