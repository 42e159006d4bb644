package market

import (
	"context"
	"encoding/json"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/shopspring/decimal"

	"finsight/internal/tools"
	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

type historyArgs struct {
	Ticker string `json:"ticker"`
	Days   int    `json:"days"`
}

// Bar is a single daily OHLCV candle.
type Bar struct {
	Date     string          `json:"date"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	AdjClose decimal.Decimal `json:"adj_close"`
	Volume   int             `json:"volume"`
}

// History is the payload returned by the get_price_history tool.
type History struct {
	Ticker string `json:"ticker"`
	Bars   []Bar  `json:"bars"`
}

// NewHistoryTool returns a tool that fetches daily OHLCV candles.
func NewHistoryTool() tools.Tool {
	log := logger.Get().With("tool", "get_price_history")

	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Ticker symbol, e.g. AAPL",
			},
			"days": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     365,
				"description": "Lookback window in calendar days",
			},
		},
		"required":             []interface{}{"ticker", "days"},
		"additionalProperties": false,
	}

	return tools.New("get_price_history", "Fetch daily OHLCV price history for a ticker", Provider, schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in historyArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}

			end := time.Now()
			start := end.AddDate(0, 0, -in.Days)

			log.Debugf("Fetching history: ticker=%s days=%d", in.Ticker, in.Days)

			iter := chart.Get(&chart.Params{
				Symbol:   in.Ticker,
				Start:    datetime.New(&start),
				End:      datetime.New(&end),
				Interval: datetime.OneDay,
			})

			out := History{Ticker: in.Ticker}
			for iter.Next() {
				bar := iter.Bar()
				out.Bars = append(out.Bars, Bar{
					Date:     time.Unix(int64(bar.Timestamp), 0).UTC().Format("2006-01-02"),
					Open:     bar.Open,
					High:     bar.High,
					Low:      bar.Low,
					Close:    bar.Close,
					AdjClose: bar.AdjClose,
					Volume:   bar.Volume,
				})
			}
			if err := iter.Err(); err != nil {
				log.Warnf("History fetch failed: ticker=%s error=%v", in.Ticker, err)
				return nil, tools.Transient(err)
			}

			if len(out.Bars) == 0 {
				return nil, errors.Wrapf(errors.ErrNotFound, "no candles for %s", in.Ticker)
			}

			log.Infof("History fetched: ticker=%s bars=%d", in.Ticker, len(out.Bars))
			return json.Marshal(out)
		})
}
