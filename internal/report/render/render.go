package render

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Client converts Markdown into a rendered document via an external
// rendering service. Rendering is best-effort; sessions complete with the
// Markdown artifact alone when the service is down.
type Client struct {
	http *resty.Client
	log  *logger.Logger
}

// Config configures the render client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient constructs the render client, or nil when no URL is configured.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)

	return &Client{
		http: http,
		log:  logger.Get().With("component", "render_client"),
	}
}

// Render converts markdown to a PDF document.
func (c *Client) Render(ctx context.Context, markdown string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/markdown").
		SetBody(markdown).
		Post("/render/pdf")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExternal, err.Error())
	}

	if resp.StatusCode() != 200 {
		return nil, errors.Wrapf(errors.ErrExternal, "render service status %d", resp.StatusCode())
	}

	return resp.Body(), nil
}
