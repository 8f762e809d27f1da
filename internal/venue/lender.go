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

// LenderClient is the REST adapter for the lending facility backing the
// atomic path. An advance is opened, the caller's closure runs, and the
// facility then either settles (collecting principal plus premium) or
// reverts. Settle and revert are both explicit; an advance is never left
// dangling.
type LenderClient struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient httpDoer
}

// NewLenderClient creates a LenderClient.
func NewLenderClient(baseURL string, auth *crypto.HMACAuth) *LenderClient {
	return &LenderClient{
		baseURL:    baseURL,
		auth:       auth,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Advance opens an advance of principal, invokes fn with the premium owed,
// and settles on success. If fn fails, or settlement is refused, the advance
// is reverted and the error propagated; the facility unwinds all fund
// movement on revert.
func (c *LenderClient) Advance(ctx context.Context, token common.Address, principal *big.Int, fn func(ctx context.Context, premium *big.Int) error) error {
	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, "/advances", map[string]string{
		"token":     token.Hex(),
		"principal": principal.String(),
	})
	if err != nil {
		return fmt.Errorf("lender: open advance: %w", errors.Join(err, domain.ErrExternalCall))
	}

	var opened struct {
		AdvanceID string `json:"advance_id"`
		Premium   string `json:"premium"`
	}
	if err := json.Unmarshal(body, &opened); err != nil {
		return fmt.Errorf("lender: decode advance: %w", err)
	}
	premium, err := parseAmount("premium", opened.Premium)
	if err != nil {
		c.revert(ctx, opened.AdvanceID)
		return err
	}

	if err := fn(ctx, premium); err != nil {
		c.revert(ctx, opened.AdvanceID)
		return err
	}

	path := "/advances/" + url.PathEscape(opened.AdvanceID) + "/settle"
	if _, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, path, nil); err != nil {
		c.revert(ctx, opened.AdvanceID)
		return fmt.Errorf("lender: settle advance %s: %w", opened.AdvanceID, errors.Join(err, domain.ErrExternalCall))
	}
	return nil
}

// revert unwinds an open advance. Best effort: the facility also reverts
// unsettled advances on its own timeout.
func (c *LenderClient) revert(ctx context.Context, advanceID string) {
	if advanceID == "" {
		return
	}
	path := "/advances/" + url.PathEscape(advanceID) + "/revert"
	_, _ = doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, path, nil)
}

// PremiumBps returns the facility's current premium in basis points.
func (c *LenderClient) PremiumBps(ctx context.Context) (int64, error) {
	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodGet, c.baseURL, "/premium", nil)
	if err != nil {
		return 0, fmt.Errorf("lender: premium: %w", errors.Join(err, domain.ErrExternalCall))
	}

	var resp struct {
		PremiumBps int64 `json:"premium_bps"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("lender: decode premium: %w", err)
	}
	return resp.PremiumBps, nil
}

// Compile-time interface check.
var _ domain.LendingFacility = (*LenderClient)(nil)
