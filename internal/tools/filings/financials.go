package filings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"finsight/internal/tools"
	"finsight/pkg/errors"
)

type financialsArgs struct {
	Ticker  string `json:"ticker"`
	Period  string `json:"period"`
	Periods int    `json:"periods"`
}

// Statement is one income statement period.
type Statement struct {
	Ticker          string          `json:"ticker"`
	Date            string          `json:"date"`
	Period          string          `json:"period"`
	Currency        string          `json:"currency"`
	Revenue         decimal.Decimal `json:"revenue"`
	GrossProfit     decimal.Decimal `json:"gross_profit"`
	OperatingIncome decimal.Decimal `json:"operating_income"`
	NetIncome       decimal.Decimal `json:"net_income"`
	EPS             decimal.Decimal `json:"eps"`
}

type fmpStatement struct {
	Symbol          string  `json:"symbol"`
	Date            string  `json:"date"`
	Period          string  `json:"period"`
	Currency        string  `json:"reportedCurrency"`
	Revenue         float64 `json:"revenue"`
	GrossProfit     float64 `json:"grossProfit"`
	OperatingIncome float64 `json:"operatingIncome"`
	NetIncome       float64 `json:"netIncome"`
	EPS             float64 `json:"eps"`
}

// NewFinancialsTool returns a tool that fetches income statements.
func (c *Client) NewFinancialsTool() tools.Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Ticker symbol, e.g. AAPL",
			},
			"period": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"annual", "quarter"},
				"description": "Reporting period granularity",
			},
			"periods": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     12,
				"description": "Number of most recent periods to return",
			},
		},
		"required":             []interface{}{"ticker"},
		"additionalProperties": false,
	}

	return tools.New("get_financials", "Fetch recent income statements for a ticker", Provider, schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in financialsArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Period == "" {
				in.Period = "annual"
			}
			if in.Periods == 0 {
				in.Periods = 4
			}

			c.log.Debugf("Fetching financials: ticker=%s period=%s", in.Ticker, in.Period)

			var raw []fmpStatement
			resp, err := c.http.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"period": in.Period,
					"limit":  fmt.Sprintf("%d", in.Periods),
					"apikey": c.apiKey,
				}).
				SetResult(&raw).
				Get("/income-statement/" + in.Ticker)
			if err != nil {
				c.log.Warnf("Financials fetch failed: ticker=%s error=%v", in.Ticker, err)
				return nil, tools.Transient(err)
			}
			if err := checkStatus(resp.StatusCode(), "financials", in.Ticker); err != nil {
				return nil, err
			}

			out := make([]Statement, 0, len(raw))
			for _, s := range raw {
				out = append(out, Statement{
					Ticker:          s.Symbol,
					Date:            s.Date,
					Period:          s.Period,
					Currency:        s.Currency,
					Revenue:         decimal.NewFromFloat(s.Revenue),
					GrossProfit:     decimal.NewFromFloat(s.GrossProfit),
					OperatingIncome: decimal.NewFromFloat(s.OperatingIncome),
					NetIncome:       decimal.NewFromFloat(s.NetIncome),
					EPS:             decimal.NewFromFloat(s.EPS),
				})
			}

			if len(out) == 0 {
				return nil, errors.Wrapf(errors.ErrNotFound, "no statements for %s", in.Ticker)
			}

			c.log.Infof("Financials fetched: ticker=%s periods=%d", in.Ticker, len(out))
			return json.Marshal(out)
		})
}
