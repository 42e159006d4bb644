package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"finsight/internal/tools"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Provider is the rate-limit and cache scope for sentiment tools.
const Provider = "news_sentiment"

// Client wraps a news sentiment REST API.
type Client struct {
	http   *resty.Client
	apiKey string
	log    *logger.Logger
}

// Config configures the sentiment client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewClient constructs the sentiment client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   http,
		apiKey: cfg.APIKey,
		log:    logger.Get().With("component", "sentiment_client"),
	}
}

type sentimentArgs struct {
	Ticker string `json:"ticker"`
	Limit  int    `json:"limit"`
}

// Headline is one scored news item.
type Headline struct {
	Title       string  `json:"title"`
	Source      string  `json:"source"`
	PublishedAt string  `json:"published_at"`
	URL         string  `json:"url"`
	Score       float64 `json:"score"` // -1 bearish .. +1 bullish
}

// Summary is the payload returned by the get_news_sentiment tool.
type Summary struct {
	Ticker    string     `json:"ticker"`
	Average   float64    `json:"average_score"`
	Headlines []Headline `json:"headlines"`
}

type apiResponse struct {
	Articles []struct {
		Title       string  `json:"title"`
		Source      string  `json:"source"`
		PublishedAt string  `json:"published_at"`
		URL         string  `json:"url"`
		Sentiment   float64 `json:"sentiment"`
	} `json:"articles"`
}

// NewSentimentTool returns a tool that fetches scored news headlines.
func (c *Client) NewSentimentTool() tools.Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Ticker symbol, e.g. AAPL",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     50,
				"description": "Maximum number of headlines to return",
			},
		},
		"required":             []interface{}{"ticker"},
		"additionalProperties": false,
	}

	return tools.New("get_news_sentiment", "Fetch recent news headlines with sentiment scores for a ticker", Provider, schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in sentimentArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Limit == 0 {
				in.Limit = 10
			}

			c.log.Debugf("Fetching sentiment: ticker=%s limit=%d", in.Ticker, in.Limit)

			var raw apiResponse
			resp, err := c.http.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"ticker": in.Ticker,
					"limit":  fmt.Sprintf("%d", in.Limit),
					"apikey": c.apiKey,
				}).
				SetResult(&raw).
				Get("/v1/news/sentiment")
			if err != nil {
				c.log.Warnf("Sentiment fetch failed: ticker=%s error=%v", in.Ticker, err)
				return nil, tools.Transient(err)
			}

			status := resp.StatusCode()
			switch {
			case status == 200:
			case status == 429 || status >= 500:
				return nil, tools.Transient(errors.Wrapf(errors.ErrExternal, "sentiment %s: upstream status %d", in.Ticker, status))
			default:
				return nil, errors.Wrapf(errors.ErrExternal, "sentiment %s: upstream status %d", in.Ticker, status)
			}

			out := Summary{Ticker: in.Ticker}
			var total float64
			for _, a := range raw.Articles {
				out.Headlines = append(out.Headlines, Headline{
					Title:       a.Title,
					Source:      a.Source,
					PublishedAt: a.PublishedAt,
					URL:         a.URL,
					Score:       a.Sentiment,
				})
				total += a.Sentiment
			}
			if n := len(out.Headlines); n > 0 {
				out.Average = total / float64(n)
			}

			c.log.Infof("Sentiment fetched: ticker=%s headlines=%d avg=%.3f", in.Ticker, len(out.Headlines), out.Average)
			return json.Marshal(out)
		})
}
