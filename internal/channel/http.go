package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
)

var ErrBreakerOpen = errors.New("circuit breaker open")

// Options configures an HTTP-backed adapter. An adapter with Mock set never
// calls the provider.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	FailThreshold int
	OpenFor       time.Duration
	Mock          bool
	Client        *http.Client
}

// endpoint is one provider base URL guarded by a breaker.
type endpoint struct {
	provider string
	baseURL  string
	client   *http.Client
	br       *MicroBreaker
}

func newEndpoint(provider string, opts Options) *endpoint {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &endpoint{
		provider: provider,
		baseURL:  opts.BaseURL,
		client:   client,
		br:       NewMicroBreaker(provider, opts.FailThreshold, opts.OpenFor),
	}
}

// do executes req and decodes a 2xx JSON body into out (when non-nil).
// classify, when non-nil, may mark a non-2xx response retryable based on its
// body (rate limits some providers signal with a 400).
func (e *endpoint) do(req *http.Request, out any, classify func(status int, body []byte) bool) error {
	if !e.br.TryAcquire() {
		return apperr.NewRetryable(e.provider, 0, ErrBreakerOpen)
	}

	res, err := e.client.Do(req)
	if err != nil {
		e.br.OnFailure()
		if errors.Is(req.Context().Err(), context.Canceled) {
			return apperr.NewTerminal(e.provider, 0, err)
		}
		// timeouts and connection errors
		return apperr.NewRetryable(e.provider, 0, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode/100 == 2 {
		e.br.OnSuccess()
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return apperr.NewTerminal(e.provider, res.StatusCode, fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	cause := fmt.Errorf("provider=%s path=%s status=%d body=%s", e.provider, req.URL.Path, res.StatusCode, truncate(body, 256))
	if isRetryableStatus(res.StatusCode) || (classify != nil && classify(res.StatusCode, body)) {
		e.br.OnFailure()
		return apperr.NewRetryable(e.provider, res.StatusCode, cause)
	}

	// the provider answered; a client error says nothing about its health
	e.br.OnSuccess()
	return apperr.NewTerminal(e.provider, res.StatusCode, cause)
}

// isRetryableStatus reports transient statuses: 429, 500, 502, 503, 504.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
