package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/bugfind/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const tracerName = "bugfind/internal/githubapi"

// RetryConfig bounds retries of transport errors and 5xx responses.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// backoff doubles InitialBackoff per attempt, capped at MaxBackoff.
func (r RetryConfig) backoff(attempt int) time.Duration {
	wait := r.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if r.MaxBackoff > 0 && wait >= r.MaxBackoff {
			break
		}
	}
	if r.MaxBackoff > 0 && wait > r.MaxBackoff {
		return r.MaxBackoff
	}
	return wait
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata describes how one logical request was served.
type CallMetadata struct {
	Attempts       int
	RateLimitWaits int
	LastQuota      Quota
	LastDecision   Decision
}

// Client sends GitHub requests one at a time, paced by a courtesy delay,
// pausing on rate limits and retrying transient failures.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	pacer      *rate.Limiter
	// Sleep returns early with ctx.Err() on cancellation; replaced in tests.
	Sleep func(ctx context.Context, duration time.Duration) error
	// OnRateLimitWait is called before every rate-limit pause.
	OnRateLimitWait func(decision Decision)
}

// NewClient creates a request client. At least one attempt is always made.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	retry.MaxAttempts = max(retry.MaxAttempts, 1)
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		pacer:      rate.NewLimiter(rate.Inf, 1),
		Sleep:      sleepContext,
	}
}

// WithRequestDelay spaces consecutive requests at least delay apart.
func (c *Client) WithRequestDelay(delay time.Duration) *Client {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	c.pacer = rate.NewLimiter(limit, 1)
	return c
}

// attemptOutcome is what the client does with one response.
type attemptOutcome int

const (
	outcomeDone attemptOutcome = iota
	outcomeRateLimited
	outcomeTransient
)

// Do sends req until it gets a usable response or attempts run out. When the
// last attempt is still rate limited or failing with 5xx, that response is
// returned with a nil error so callers can map its status.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, errors.New("request is nil")
	}

	ctx, span := telemetry.StartDependencySpan(req.Context(), tracerName, "githubapi.client.do",
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.URL.EscapedPath()),
		attribute.Int("github.max_attempts", c.retry.MaxAttempts),
	)
	defer span.End()

	var metadata CallMetadata
	for attempt := 1; ; attempt++ {
		metadata.Attempts = attempt
		final := attempt >= c.retry.MaxAttempts

		if err := c.pacer.Wait(ctx); err != nil {
			err = fmt.Errorf("wait for request slot: %w", err)
			span.Fail(err)
			return nil, metadata, err
		}

		resp, err := c.doer.Do(req.Clone(ctx))
		if err != nil {
			span.Event("attempt_failed", attribute.Int("github.attempt", attempt))
			if final || ctx.Err() != nil {
				span.Fail(err)
				return nil, metadata, err
			}
			if err := c.Sleep(ctx, c.retry.backoff(attempt)); err != nil {
				return nil, metadata, err
			}
			continue
		}

		quota := ParseQuota(resp.Header, resp.StatusCode, c.ratePolicy.now())
		decision := c.ratePolicy.Evaluate(quota)
		metadata.LastQuota = quota
		metadata.LastDecision = decision
		span.Event("attempt_completed",
			attribute.Int("github.attempt", attempt),
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.String("github.rate_limit_resource", quota.Resource),
			attribute.Int("github.rate_limit_remaining", quota.Remaining),
			attribute.String("github.rate_limit_reason", decision.Reason),
		)

		outcome := classifyAttempt(resp.StatusCode, decision)
		if outcome == outcomeDone {
			if decision.WaitFor > 0 {
				if err := c.waitForRateLimit(ctx, decision, &metadata); err != nil {
					_ = resp.Body.Close()
					return nil, metadata, err
				}
			}
			return resp, metadata, nil
		}
		if final {
			span.Fail(fmt.Errorf("attempts exhausted with status %d (%s)", resp.StatusCode, decision.Reason))
			return resp, metadata, nil
		}

		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if outcome == outcomeRateLimited {
			err = c.waitForRateLimit(ctx, decision, &metadata)
		} else {
			err = c.Sleep(ctx, c.retry.backoff(attempt))
		}
		if err != nil {
			return nil, metadata, err
		}
	}
}

func classifyAttempt(statusCode int, decision Decision) attemptOutcome {
	switch {
	case !decision.Allow:
		return outcomeRateLimited
	case statusCode >= 500 && statusCode <= 599:
		return outcomeTransient
	default:
		return outcomeDone
	}
}

func (c *Client) waitForRateLimit(ctx context.Context, decision Decision, metadata *CallMetadata) error {
	metadata.RateLimitWaits++
	if c.OnRateLimitWait != nil {
		c.OnRateLimitWait(decision)
	}
	return c.Sleep(ctx, decision.WaitFor)
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
