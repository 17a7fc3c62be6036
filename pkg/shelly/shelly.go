// Package shelly talks to Shelly energy meters and relays over their local HTTP API.
package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const requestTimeout = 3 * time.Second

func client(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// getJSON requests u and decodes the response into v. A nil v discards the body.
func getJSON(ctx context.Context, c *http.Client, u url.URL, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to construct request: %w", err)
	}
	resp, err := client(c).Do(req)
	if err != nil {
		return fmt.Errorf("shelly request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shelly responded non 200 status-code %v", resp.StatusCode)
	}
	if v == nil {
		return nil
	}

	// we expect no valid response larger than 1mb
	bodyReader := io.LimitReader(resp.Body, 1024*1024)
	if err := json.NewDecoder(bodyReader).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
