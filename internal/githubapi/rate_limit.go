package githubapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Limit names the GitHub limit a response ran into.
type Limit int

const (
	// LimitNone means the response was not rate limited.
	LimitNone Limit = iota
	// LimitPrimary is the hourly request budget of a resource bucket.
	LimitPrimary
	// LimitSecondary is GitHub's abuse throttle (429, or 403 with Retry-After).
	LimitSecondary
)

// Reasons reported in Decision.Reason.
const (
	ReasonWithinBudget   = "within_budget"
	ReasonResetElapsed   = "reset_elapsed"
	ReasonPrimaryLimit   = "primary_limit"
	ReasonSecondaryLimit = "secondary_limit"
	ReasonBudgetLow      = "remaining_below_threshold"
)

// Quota is the rate-limit state one response reported. Search and core
// requests draw from separate buckets, named by Resource.
type Quota struct {
	Resource string
	// Remaining is -1 when the response carried no X-RateLimit-Remaining.
	Remaining  int
	Used       int
	Reset      time.Time
	RetryAfter time.Duration
	Limit      Limit
}

// Decision is what the client does after a response.
//
// Allow reports whether the response may be handed back. WaitFor is the pause
// before the next request: a retry of the same request when Allow is false,
// otherwise a proactive pause once the response is returned.
type Decision struct {
	Allow    bool
	WaitFor  time.Duration
	Reason   string
	Resource string
}

// RateLimitPolicy turns a Quota into a Decision.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	MinWait               time.Duration
	SecondaryLimitBackoff time.Duration
	Now                   func() time.Time
}

// ParseQuota reads the X-RateLimit-* and Retry-After headers of a response.
// Retry-After may be delta seconds or an HTTP date relative to now.
func ParseQuota(header http.Header, statusCode int, now time.Time) Quota {
	quota := Quota{
		Resource:  strings.TrimSpace(header.Get("X-RateLimit-Resource")),
		Remaining: -1,
		Used:      headerInt(header, "X-RateLimit-Used"),
	}
	if raw := strings.TrimSpace(header.Get("X-RateLimit-Remaining")); raw != "" {
		if remaining, err := strconv.Atoi(raw); err == nil && remaining >= 0 {
			quota.Remaining = remaining
		}
	}
	if resetUnix := int64(headerInt(header, "X-RateLimit-Reset")); resetUnix > 0 {
		quota.Reset = time.Unix(resetUnix, 0)
	}
	quota.RetryAfter = retryAfter(header.Get("Retry-After"), now)
	quota.Limit = classifyLimit(quota, statusCode)
	return quota
}

func classifyLimit(quota Quota, statusCode int) Limit {
	switch statusCode {
	case http.StatusTooManyRequests:
		return LimitSecondary
	case http.StatusForbidden:
		if quota.RetryAfter > 0 {
			return LimitSecondary
		}
		if !quota.Reset.IsZero() && quota.Remaining <= 0 {
			return LimitPrimary
		}
	}
	return LimitNone
}

func retryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Evaluate decides whether the crawl may continue and for how long it pauses.
func (p RateLimitPolicy) Evaluate(quota Quota) Decision {
	now := p.now()
	decision := Decision{Allow: true, Reason: ReasonWithinBudget, Resource: quota.Resource}

	switch quota.Limit {
	case LimitSecondary:
		decision.Allow = false
		decision.Reason = ReasonSecondaryLimit
		decision.WaitFor = max(p.SecondaryLimitBackoff, quota.RetryAfter)
		return decision
	case LimitPrimary:
		decision.Allow = false
		decision.Reason = ReasonPrimaryLimit
		decision.WaitFor = max(quota.Reset.Sub(now)+p.MinResetBuffer, p.MinWait)
		return decision
	}

	if p.MinRemainingThreshold <= 0 || quota.Remaining < 0 || quota.Remaining >= p.MinRemainingThreshold {
		return decision
	}
	if !quota.Reset.After(now) {
		decision.Reason = ReasonResetElapsed
		return decision
	}
	decision.Reason = ReasonBudgetLow
	decision.WaitFor = quota.Reset.Sub(now) + p.MinResetBuffer
	return decision
}

func (p RateLimitPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func headerInt(header http.Header, key string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(header.Get(key)))
	if err != nil {
		return 0
	}
	return parsed
}
