package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"golang.org/x/oauth2"
)

// DefaultUserAgent is sent when AuthConfig.UserAgent is empty. GitHub rejects
// API requests without a User-Agent.
const DefaultUserAgent = "bugfind"

const defaultRequestTimeout = 30 * time.Second

// AuthConfig selects how requests authenticate. App installation auth is used
// when any App field is set; otherwise Token is sent as a bearer credential,
// and an empty Token leaves requests anonymous.
type AuthConfig struct {
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	UserAgent      string
	// Timeout bounds each request; 30s when zero.
	Timeout time.Duration
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (c AuthConfig) usesApp() bool {
	return c.AppID > 0 || c.InstallationID > 0 || strings.TrimSpace(c.PrivateKeyPath) != ""
}

// NewHTTPClient builds the HTTP client every GitHub request goes through.
func NewHTTPClient(cfg AuthConfig) (*http.Client, error) {
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	base = userAgentTransport{agent: userAgent, base: base}

	var (
		transport http.RoundTripper
		err       error
	)
	if cfg.usesApp() {
		transport, err = installationTransport(base, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		transport = tokenTransport(base, cfg.Token)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func tokenTransport(base http.RoundTripper, token string) http.RoundTripper {
	token = strings.TrimSpace(token)
	if token == "" {
		return base
	}
	return &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   base,
	}
}

func installationTransport(base http.RoundTripper, cfg AuthConfig) (http.RoundTripper, error) {
	var missing []string
	if cfg.AppID <= 0 {
		missing = append(missing, "app id")
	}
	if cfg.InstallationID <= 0 {
		missing = append(missing, "installation id")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		missing = append(missing, "private key path")
	}
	if len(missing) > 0 {
		return nil, errors.New("github app auth requires " + strings.Join(missing, ", "))
	}

	transport, err := ghinstallation.NewKeyFromFile(base, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	return transport, nil
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(clone)
}
