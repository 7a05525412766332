// Package rates fetches raw exchange rates from an HTTP JSON provider.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	basePlaceholder = "{base}"
	maxResponseBody = 1 << 20
)

var (
	// ErrFetchFailed wraps every provider failure.
	ErrFetchFailed = errors.New("rates: fetch failed")

	errRetryable = errors.New("retryable status")
)

// HTTPProvider queries a JSON endpoint for rates quoted against a base currency. The URL may
// contain a "{base}" placeholder; otherwise the base is passed as the "base" query parameter.
// Both {"rates": {...}} and {"conversion_rates": {...}} response shapes are accepted.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	attempts int
	backoff  gax.Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// Option customises the provider.
type Option func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *HTTPProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithAttempts bounds retries of transient failures.
func WithAttempts(n int) Option {
	return func(p *HTTPProvider) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *HTTPProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewHTTPProvider builds a provider for endpoint. apiKey is sent as a bearer token when set.
func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration, opts ...Option) (*HTTPProvider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("rates: provider url is required")
	}
	if _, err := url.Parse(strings.ReplaceAll(endpoint, basePlaceholder, "INR")); err != nil {
		return nil, fmt.Errorf("rates: invalid provider url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	provider := &HTTPProvider{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		client:   &http.Client{Timeout: timeout},
		attempts: defaultAttempts,
		backoff: gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
		sleep:  gax.Sleep,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider, nil
}

// FetchRates returns the provider's rates for base keyed by upper-case currency code.
func (p *HTTPProvider) FetchRates(ctx context.Context, base string) (map[string]float64, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		return nil, fmt.Errorf("%w: base currency is required", ErrFetchFailed)
	}
	target := p.requestURL(base)

	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		rates, err := p.fetch(ctx, target)
		if err == nil {
			return rates, nil
		}
		lastErr = err
		if !errors.Is(err, errRetryable) || attempt == p.attempts {
			break
		}
		pause := backoff.Pause()
		p.logger.Warn("rate fetch retry", zap.Int("attempt", attempt), zap.Duration("pause", pause), zap.Error(err))
		if err := p.sleep(ctx, pause); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrFetchFailed, lastErr)
}

func (p *HTTPProvider) requestURL(base string) string {
	if strings.Contains(p.endpoint, basePlaceholder) {
		return strings.ReplaceAll(p.endpoint, basePlaceholder, url.PathEscape(base))
	}
	parsed, err := url.Parse(p.endpoint)
	if err != nil {
		return p.endpoint
	}
	query := parsed.Query()
	query.Set("base", base)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

type ratesResponse struct {
	Rates           map[string]float64 `json:"rates"`
	ConversionRates map[string]float64 `json:"conversion_rates"`
}

func (p *HTTPProvider) fetch(ctx context.Context, target string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	raw := body.Rates
	if len(raw) == 0 {
		raw = body.ConversionRates
	}
	if len(raw) == 0 {
		return nil, errors.New("response contains no rates")
	}
	out := make(map[string]float64, len(raw))
	for code, value := range raw {
		out[strings.ToUpper(strings.TrimSpace(code))] = value
	}
	return out, nil
}
