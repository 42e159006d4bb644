package market

import (
	"context"
	"encoding/json"

	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"

	"finsight/internal/tools"
	"finsight/pkg/logger"
)

// Provider is the rate-limit and cache scope for all market data tools.
const Provider = "yahoo_finance"

type quoteArgs struct {
	Ticker string `json:"ticker"`
}

// Quote is the payload returned by the get_quote tool.
type Quote struct {
	Ticker    string          `json:"ticker"`
	Name      string          `json:"name"`
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Open      decimal.Decimal `json:"open"`
	DayHigh   decimal.Decimal `json:"day_high"`
	DayLow    decimal.Decimal `json:"day_low"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Volume    int             `json:"volume"`
	State     string          `json:"market_state"`
}

// NewQuoteTool returns a tool that fetches the latest quote for a ticker.
func NewQuoteTool() tools.Tool {
	log := logger.Get().With("tool", "get_quote")

	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Ticker symbol, e.g. AAPL",
			},
		},
		"required":             []interface{}{"ticker"},
		"additionalProperties": false,
	}

	return tools.New("get_quote", "Fetch the current market quote for a ticker", Provider, schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in quoteArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}

			log.Debugf("Fetching quote: ticker=%s", in.Ticker)

			q, err := quote.Get(in.Ticker)
			if err != nil {
				log.Warnf("Quote fetch failed: ticker=%s error=%v", in.Ticker, err)
				// Upstream market data errors are retryable; the symbol may
				// also be unknown, but the API does not distinguish.
				return nil, tools.Transient(err)
			}

			out := Quote{
				Ticker:    q.Symbol,
				Name:      q.ShortName,
				Exchange:  q.FullExchangeName,
				Price:     decimal.NewFromFloat(q.RegularMarketPrice),
				Open:      decimal.NewFromFloat(q.RegularMarketOpen),
				DayHigh:   decimal.NewFromFloat(q.RegularMarketDayHigh),
				DayLow:    decimal.NewFromFloat(q.RegularMarketDayLow),
				PrevClose: decimal.NewFromFloat(q.RegularMarketPreviousClose),
				Volume:    q.RegularMarketVolume,
				State:     string(q.MarketState),
			}

			log.Infof("Quote fetched: ticker=%s price=%s", out.Ticker, out.Price)
			return json.Marshal(out)
		})
}
