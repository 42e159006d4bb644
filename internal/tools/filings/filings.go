package filings

import (
	"context"
	"encoding/json"
	"fmt"

	"finsight/internal/tools"
	"finsight/pkg/errors"
)

type filingArgs struct {
	Ticker string `json:"ticker"`
	Form   string `json:"form"`
	Limit  int    `json:"limit"`
}

// Filing is one SEC filing reference.
type Filing struct {
	Ticker   string `json:"ticker"`
	Form     string `json:"form"`
	FiledAt  string `json:"filed_at"`
	Accepted string `json:"accepted_at"`
	CIK      string `json:"cik"`
	Link     string `json:"link"`
	FinalURL string `json:"final_url"`
}

type fmpFiling struct {
	Symbol       string `json:"symbol"`
	Type         string `json:"type"`
	FillingDate  string `json:"fillingDate"`
	AcceptedDate string `json:"acceptedDate"`
	CIK          string `json:"cik"`
	Link         string `json:"link"`
	FinalLink    string `json:"finalLink"`
}

// NewFilingsTool returns a tool that lists recent SEC filings for a ticker.
func (c *Client) NewFilingsTool() tools.Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Ticker symbol, e.g. AAPL",
			},
			"form": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"10-K", "10-Q", "8-K"},
				"description": "SEC form type to filter by",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     20,
				"description": "Maximum number of filings to return",
			},
		},
		"required":             []interface{}{"ticker"},
		"additionalProperties": false,
	}

	return tools.New("get_sec_filings", "List recent SEC filings for a ticker", Provider, schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in filingArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Limit == 0 {
				in.Limit = 5
			}

			c.log.Debugf("Fetching filings: ticker=%s form=%s", in.Ticker, in.Form)

			var raw []fmpFiling
			resp, err := c.http.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"type":   in.Form,
					"limit":  fmt.Sprintf("%d", in.Limit),
					"apikey": c.apiKey,
				}).
				SetResult(&raw).
				Get("/sec_filings/" + in.Ticker)
			if err != nil {
				c.log.Warnf("Filings fetch failed: ticker=%s error=%v", in.Ticker, err)
				return nil, tools.Transient(err)
			}
			if err := checkStatus(resp.StatusCode(), "filings", in.Ticker); err != nil {
				return nil, err
			}

			out := make([]Filing, 0, len(raw))
			for _, f := range raw {
				out = append(out, Filing{
					Ticker:   f.Symbol,
					Form:     f.Type,
					FiledAt:  f.FillingDate,
					Accepted: f.AcceptedDate,
					CIK:      f.CIK,
					Link:     f.Link,
					FinalURL: f.FinalLink,
				})
			}

			if len(out) == 0 {
				return nil, errors.Wrapf(errors.ErrNotFound, "no filings for %s", in.Ticker)
			}

			c.log.Infof("Filings fetched: ticker=%s count=%d", in.Ticker, len(out))
			return json.Marshal(out)
		})
}

// checkStatus maps upstream HTTP status codes onto the failure taxonomy.
// 429 and 5xx are retryable, everything else is permanent.
func checkStatus(status int, op, ticker string) error {
	switch {
	case status == 200:
		return nil
	case status == 429 || status >= 500:
		return tools.Transient(errors.Wrapf(errors.ErrExternal, "%s %s: upstream status %d", op, ticker, status))
	case status == 404:
		return errors.Wrapf(errors.ErrNotFound, "%s %s", op, ticker)
	default:
		return errors.Wrapf(errors.ErrExternal, "%s %s: upstream status %d", op, ticker, status)
	}
}
