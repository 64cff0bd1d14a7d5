package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/marlin/errs"
)

// RESTClient is a throttled JSON client concrete adapters build their
// signed request layer on. Every response outside 2xx is normalized into a
// *errs.E so the engines can classify the failure.
type RESTClient struct {
	exchange string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewRESTClient constructs a throttled client for the named exchange.
// ratePerSecond bounds outbound request rate; burst is fixed at one so the
// throttle shapes traffic instead of absorbing spikes.
func NewRESTClient(exchange, baseURL string, timeout time.Duration, ratePerSecond float64) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 8
	}
	return &RESTClient{
		exchange: strings.TrimSpace(exchange),
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

type venueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Do issues a JSON request against path, decoding a 2xx body into out when
// out is non-nil. Headers lets callers attach authentication.
func (c *RESTClient) Do(ctx context.Context, method, path string, body any, headers http.Header, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(c.exchange, errs.CodeUnavailable,
			errs.WithMessage("request throttle interrupted"), errs.WithCause(err))
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.New(c.exchange, errs.CodeInvalid,
				errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(c.exchange, errs.CodeInvalid,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(c.exchange, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("%s %s", method, path)), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New(c.exchange, errs.CodeNetwork,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.normalizeError(resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errs.New(c.exchange, errs.CodeExchange,
				errs.WithMessage("decode response body"), errs.WithCause(err))
		}
	}
	return nil
}

// normalizeError maps an HTTP failure onto the canonical taxonomy. Venue
// error bodies are best-effort decoded; the raw text is always retained.
func (c *RESTClient) normalizeError(status int, raw []byte) error {
	var ve venueError
	_ = json.Unmarshal(raw, &ve)

	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawCode(ve.Code),
		errs.WithRawMessage(string(raw)),
	}

	msg := strings.ToLower(ve.Message)
	switch {
	case status == http.StatusTooManyRequests:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
		return errs.New(c.exchange, errs.CodeRateLimited, opts...)
	case status == http.StatusNotFound,
		strings.Contains(msg, "unknown order"),
		strings.Contains(msg, "order does not exist"),
		strings.Contains(msg, "order not found"):
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
		return errs.New(c.exchange, errs.CodeNotFound, opts...)
	case strings.Contains(msg, "insufficient"):
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
		return errs.New(c.exchange, errs.CodeExchange, opts...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(c.exchange, errs.CodeAuth, opts...)
	case status >= 500:
		return errs.New(c.exchange, errs.CodeUnavailable, opts...)
	default:
		return errs.New(c.exchange, errs.CodeExchange, opts...)
	}
}
