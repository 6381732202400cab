// Package health reports whether a crawl can make progress and serves the
// probe endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode is the overall health verdict.
type Mode string

const (
	// ModeHealthy means the crawl can make progress.
	ModeHealthy Mode = "healthy"
	// ModeDegraded means the crawl is paused on a GitHub rate limit.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy means a dependency is down or the crawl failed.
	ModeUnhealthy Mode = "unhealthy"
)

// Phase is where the crawl currently is.
type Phase string

// Phases reported in Status.Phase.
const (
	PhaseIdle     Phase = "idle"
	PhaseCrawling Phase = "crawling"
	PhaseWaiting  Phase = "waiting_on_rate_limit"
	PhaseFailed   Phase = "failed"
)

// Input is the dependency and crawl state a Status is derived from.
type Input struct {
	GitHubClientUsable bool
	StoreHealthy       bool
	CrawlRunning       bool
	CrawlFailed        bool
	// RateLimited is true while the crawl sleeps on a GitHub rate limit.
	RateLimited bool
}

// Status is the evaluated health served by /healthz.
type Status struct {
	Mode       Mode            `json:"mode"`
	Phase      Phase           `json:"phase"`
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
}

// Provider supplies the current Status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) Status

// CurrentStatus calls f.
func (f ProviderFunc) CurrentStatus(ctx context.Context) Status {
	return f(ctx)
}

// Evaluate derives a Status. A crawl paused on a rate limit is still ready;
// a failed crawl or a lost dependency is not.
func Evaluate(in Input) Status {
	status := Status{
		Phase: phaseOf(in),
		Ready: in.GitHubClientUsable && in.StoreHealthy && !in.CrawlFailed,
		Components: map[string]bool{
			"github_client": in.GitHubClientUsable,
			"store":         in.StoreHealthy,
			"crawl_running": in.CrawlRunning,
			"crawl_ok":      !in.CrawlFailed,
			"github_budget": !in.RateLimited,
		},
	}
	switch {
	case !status.Ready:
		status.Mode = ModeUnhealthy
	case in.RateLimited:
		status.Mode = ModeDegraded
	default:
		status.Mode = ModeHealthy
	}
	return status
}

func phaseOf(in Input) Phase {
	switch {
	case in.CrawlFailed:
		return PhaseFailed
	case in.CrawlRunning && in.RateLimited:
		return PhaseWaiting
	case in.CrawlRunning:
		return PhaseCrawling
	default:
		return PhaseIdle
	}
}

// NewHandler serves /livez, /readyz and /healthz. /healthz answers 503 while
// the status is unhealthy.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if !status.Ready {
			writeText(w, http.StatusServiceUnavailable, "not ready ("+string(status.Phase)+")")
			return
		}
		writeText(w, http.StatusOK, "ready ("+string(status.Phase)+")")
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			writeText(w, http.StatusInternalServerError, "marshal health status")
			return
		}
		code := http.StatusOK
		if status.Mode == ModeUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		//nolint:gosec // Health payload is server-generated JSON status.
		_, _ = w.Write(payload)
	})
	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
