package filings

import (
	"time"

	"github.com/go-resty/resty/v2"

	"finsight/pkg/logger"
)

// Provider is the rate-limit and cache scope for all filings tools.
const Provider = "fmp"

// Client wraps the Financial Modeling Prep REST API.
type Client struct {
	http   *resty.Client
	apiKey string
	log    *logger.Logger
}

// Config configures the filings client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewClient constructs the filings client.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://financialmodelingprep.com/api/v3"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   http,
		apiKey: cfg.APIKey,
		log:    logger.Get().With("component", "filings_client"),
	}
}
