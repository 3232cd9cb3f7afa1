package provider

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

	"musicgen-controlplane/pkg/config"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("provider",
	fx.Provide(
		NewFromConfig,
		func(c *Client) StatusChecker { return c },
	),
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("provider: api key is required")

const statusPath = "/api/v1/songs/status"

// Options configures the provider client.
type Options struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	HTTPClient   *http.Client
}

// Client talks to the generation provider. Transient 429/5xx responses are
// retried internally with exponential backoff before surfacing.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
}

func NewFromConfig(cfg *config.Config) (*Client, error) {
	p := cfg.Provider
	return NewClient(Options{
		BaseURL:      p.BaseURL,
		APIKey:       p.APIKey,
		Timeout:      p.Timeout,
		RetryMax:     p.RetryMax,
		RetryWaitMin: p.RetryWaitMin,
		RetryWaitMax: p.RetryWaitMax,
	})
}

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("provider: base url is required")
	}

	rc := retryablehttp.NewClient()
	rc.Logger = zapLeveled{log: zap.L().Named("provider")}
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc.HTTPClient.Timeout = timeout

	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(opts.APIKey),
		http:    rc,
	}, nil
}

// CheckStatus queries every id in one request. Ids absent from the response
// are simply missing from the returned slice.
func (c *Client) CheckStatus(ctx context.Context, ids []string) ([]TaskStatus, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if len(ids) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	endpoint := c.baseURL + statusPath + "?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}

	var decoded statusEnvelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	if decoded.Code != 0 && decoded.Code != http.StatusOK {
		return nil, &Error{StatusCode: decoded.Code, Message: decoded.Msg}
	}

	zap.L().Debug("provider: status checked",
		zap.Int("requested", len(ids)),
		zap.Int("returned", len(decoded.Data)),
	)
	return decoded.Data, nil
}

func decodeError(status int, raw []byte) error {
	pe := &Error{StatusCode: status}
	var detail errorEnvelope
	if err := json.Unmarshal(raw, &detail); err == nil {
		pe.Code = strings.Trim(string(detail.Code), `"`)
		pe.Message = detail.Msg
		if pe.Message == "" {
			pe.Message = detail.Message
		}
	}
	if pe.Message == "" {
		pe.Message = strings.TrimSpace(string(raw))
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(status)
	}
	return pe
}
