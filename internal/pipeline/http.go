package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// client wraps outbound provider calls with personal-access-token auth and
// a bounded timeout.
type client struct {
	http  *http.Client
	token string
}

func newClient(token string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		http:  &http.Client{Timeout: timeout},
		token: token,
	}
}

// getJSON issues a GET and decodes the JSON response into out. Personal
// access tokens go out as basic auth with an empty username.
func (c *client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	if c.token != "" {
		req.SetBasicAuth("", c.token)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrProvider, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	return nil
}
