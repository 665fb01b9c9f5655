// Package httpclient sends provider requests with bounded, constant-delay
// retries on transient failures.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "httpclient_attempts_total",
	Help: "Outbound provider request attempts, partitioned by outcome.",
}, []string{"outcome"})

// Policy bounds the retries of a single Send.
type Policy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int
	// RetryDelay is waited before every retry, never before the first attempt.
	RetryDelay time.Duration
	// ShouldRetry decides whether a received response is retried. Network
	// errors are always retried.
	ShouldRetry func(resp *http.Response) bool
}

// DefaultPolicy is 3 attempts, 2s apart, retrying 429 and 5xx.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		RetryDelay:  2 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

// DefaultShouldRetry retries rate limiting and server errors. Other 4xx
// responses are content-level failures and are returned as is.
func DefaultShouldRetry(resp *http.Response) bool {
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	return p
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zerolog.Logger
}

// Client issues requests through a failsafe-go retry policy. It keeps no
// per-host state; every Send is independent.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout, Transport: DefaultTransport()}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{http: httpClient, logger: logger}
}

// Send issues req up to policy.MaxAttempts times. When the last attempt
// produced a response it is returned with a nil error whatever its status;
// callers inspect the status code. When the last attempt failed at the
// network level, that error is returned. The request body is buffered so it
// can be replayed on every attempt.
func (c *Client) Send(ctx context.Context, req *http.Request, policy Policy) (*http.Response, error) {
	policy = policy.normalize()

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		buf, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("httpclient: buffer request body: %w", err)
		}
		body = buf
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return ctx.Err() == nil
			}
			return policy.ShouldRetry(resp)
		}).
		WithMaxAttempts(policy.MaxAttempts).
		WithDelay(policy.RetryDelay).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			evt := c.logger.Warn().
				Str("method", req.Method).
				Str("host", req.URL.Host).
				Int("attempt", e.Attempts())
			if resp := e.LastResult(); resp != nil {
				evt = evt.Int("status", resp.StatusCode)
			}
			evt.Err(e.LastError()).Msg("httpclient: retrying request")
		}).
		Build()

	var previous *http.Response
	attempt := func() (*http.Response, error) {
		if previous != nil {
			drain(previous)
			previous = nil
		}
		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
			attemptReq.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
		resp, err := c.http.Do(attemptReq)
		if err != nil {
			attemptsTotal.WithLabelValues("network_error").Inc()
			return nil, err
		}
		previous = resp
		switch {
		case policy.ShouldRetry(resp):
			attemptsTotal.WithLabelValues("retryable_status").Inc()
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			attemptsTotal.WithLabelValues("success").Inc()
		default:
			attemptsTotal.WithLabelValues("rejected").Inc()
		}
		return resp, nil
	}

	resp, err := failsafe.With(retry).WithContext(ctx).Get(attempt)
	if err != nil {
		if previous != nil {
			drain(previous)
		}
		return nil, err
	}
	return resp, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// DefaultTransport caps connections per host and bounds dial and TLS time.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     32,
		MaxIdleConnsPerHost: 8,
		MaxIdleConns:        64,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
