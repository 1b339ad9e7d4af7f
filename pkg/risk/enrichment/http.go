package enrichment

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const maxBodyBytes = 8 << 20

// NewHTTPClient returns a client that retries connection errors and 5xx/429 responses.
// Retries stay inside the caller's context deadline.
func NewHTTPClient(retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return c
}

func getBody(ctx context.Context, client *retryablehttp.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, risk.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}
