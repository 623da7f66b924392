package client

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Endpoints holds the resolved URLs for the marketplace backend. The auth
// endpoints are called directly by the TokenManager with a plain HTTP client,
// never through the gateway's retry chain.
type Endpoints struct {
	BaseURL          string
	ValidateTokenURL string
	RefreshTokenURL  string
	RealtimeURL      string // https://... host; converted to wss:// when dialing
}

const (
	validateTokenPath = "/auth/validate-token"
	refreshTokenPath  = "/auth/refresh-token"
	realtimePath      = "/realtime/ws"
)

// Config carries the tunables of the session and connection layer.
type Config struct {
	Endpoints Endpoints

	ValidateTimeout time.Duration
	RefreshTimeout  time.Duration
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration

	// ProactiveRefreshAge is how old a still-valid token may get before
	// EnsureValid refreshes it opportunistically, so a near-expiry token is
	// never handed to a slow endpoint.
	ProactiveRefreshAge time.Duration

	PollInterval time.Duration

	// Dedup window bounds shared by push and poll delivery.
	DedupWindowSize int
	DedupWindowAge  time.Duration
}

// DefaultConfig returns the production defaults for the given endpoints.
func DefaultConfig(endpoints Endpoints) Config {
	return Config{
		Endpoints:           endpoints,
		ValidateTimeout:     5 * time.Second,
		RefreshTimeout:      10 * time.Second,
		ConnectTimeout:      8 * time.Second,
		RequestTimeout:      30 * time.Second,
		ProactiveRefreshAge: 15 * time.Minute,
		PollInterval:        3 * time.Second,
		DedupWindowSize:     200,
		DedupWindowAge:      10 * time.Minute,
	}
}

// LoadConfig reads the base URL from the environment (MARKETPLACE_BASE_URL,
// with .env support) and builds the default configuration.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	baseURL := os.Getenv("MARKETPLACE_BASE_URL")
	if baseURL == "" {
		return Config{}, errors.New("MARKETPLACE_BASE_URL is not set")
	}

	endpoints, err := BuildEndpoints(baseURL)
	if err != nil {
		return Config{}, err
	}
	return DefaultConfig(endpoints), nil
}

// BuildEndpoints validates and normalizes a base URL and derives the fixed
// endpoint set from it.
func BuildEndpoints(rawBaseURL string) (Endpoints, error) {
	base, err := normalizeBaseURL(rawBaseURL)
	if err != nil {
		return Endpoints{}, err
	}
	return Endpoints{
		BaseURL:          base,
		ValidateTokenURL: base + validateTokenPath,
		RefreshTokenURL:  base + refreshTokenPath,
		RealtimeURL:      base + realtimePath,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("expected absolute URL like https://api.example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return "", errors.New("base URL scheme must be http or https")
	}

	// Normalize any pasted endpoint to the canonical API base.
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return strings.TrimRight(parsed.String(), "/"), nil
}
