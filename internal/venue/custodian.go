package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/domain"
)

// CustodianClient moves tokens across the custody boundary through the
// custodian service. Every transfer must come back confirmed; anything else
// is treated as a failed transfer so settlement never proceeds on top of an
// unconfirmed movement.
type CustodianClient struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient httpDoer
}

// NewCustodianClient creates a CustodianClient.
func NewCustodianClient(baseURL string, auth *crypto.HMACAuth) *CustodianClient {
	return &CustodianClient{
		baseURL:    baseURL,
		auth:       auth,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// TransferIn pulls amount of token from the given account into custody.
func (c *CustodianClient) TransferIn(ctx context.Context, token, from common.Address, amount *big.Int) error {
	return c.transfer(ctx, "in", token, from, amount)
}

// TransferOut pays amount of token out of custody to the given account.
func (c *CustodianClient) TransferOut(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return c.transfer(ctx, "out", token, to, amount)
}

func (c *CustodianClient) transfer(ctx context.Context, direction string, token, account common.Address, amount *big.Int) error {
	body, err := doSignedJSON(ctx, c.httpClient, c.auth, http.MethodPost, c.baseURL, "/transfers", map[string]string{
		"direction": direction,
		"token":     token.Hex(),
		"account":   account.Hex(),
		"amount":    amount.String(),
	})
	if err != nil {
		return fmt.Errorf("custodian: transfer %s: %w", direction, errors.Join(err, domain.ErrTransfer))
	}

	var resp struct {
		Status string `json:"status"`
		TxHash string `json:"tx_hash"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("custodian: decode transfer: %w", err)
	}
	if resp.Status != "confirmed" {
		return fmt.Errorf("custodian: transfer %s status %q: %w", direction, resp.Status, domain.ErrTransfer)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TokenTransferor = (*CustodianClient)(nil)
