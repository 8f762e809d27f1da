// Package venue contains HTTP adapters for the engine's external
// collaborators: the synchronous and asynchronous exchanges, the lending
// facility, and the token custodian. Each adapter signs its requests with a
// shared-secret HMAC and treats anything but an explicit success response as
// a failure.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/alephtrade/crossarb/internal/crypto"
)

const defaultTimeout = 30 * time.Second

// httpDoer is the subset of *http.Client the adapters use; tests swap in a
// recording implementation.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// doSignedJSON marshals the payload (nil for bodyless requests), signs the
// request, and returns the response body. Non-2xx responses become errors
// carrying the service's message.
func doSignedJSON(ctx context.Context, client httpDoer, auth *crypto.HMACAuth, method, baseURL, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("venue: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("venue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		for k, v := range auth.Headers(method, path, string(body)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("venue: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("venue: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("venue: %s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	return respBody, nil
}

// parseAmount decodes a decimal string amount from a service response.
func parseAmount(field, val string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("venue: malformed %s amount %q", field, val)
	}
	return n, nil
}
