package report

import (
	"fmt"
	"strings"
	"time"

	"finsight/internal/session"
)

// Section is one assembled report section.
type Section struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Author string `json:"author"`
}

// Report is the structured form of the final artifact.
type Report struct {
	Title       string    `json:"title"`
	Query       string    `json:"query"`
	Tickers     []string  `json:"tickers,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Sections    []Section `json:"sections"`
	Sources     []Source  `json:"sources"`
}

// Source records one tool invocation the report drew on.
type Source struct {
	Tool     string `json:"tool"`
	Agent    string `json:"agent"`
	Attempts int    `json:"attempts"`
	Latency  string `json:"latency"`
}

// Assembler folds a transcript into a report. Assembly is a pure function
// of the request and transcript: the generation timestamp comes from the
// finish turn, so re-assembling the same transcript yields the same bytes.
// The clock is only consulted for transcripts with no finish turn.
type Assembler struct {
	now func() time.Time
}

// NewAssembler constructs an assembler using wall-clock time.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// NewAssemblerAt constructs an assembler with a fixed clock.
func NewAssemblerAt(now func() time.Time) *Assembler {
	return &Assembler{now: now}
}

// Assemble builds the structured report from finding turns. Sections keep
// the order in which their titles first appear in the transcript; findings
// sharing a title are concatenated in transcript order.
func (a *Assembler) Assemble(req session.Request, transcript []session.Turn) *Report {
	rep := &Report{
		Title:   reportTitle(req),
		Query:   req.Query,
		Tickers: req.Tickers,
	}

	index := make(map[string]int)
	calls := make(map[string]*session.ToolCall)

	for i := range transcript {
		t := &transcript[i]

		switch t.Kind {
		case session.TurnFinding:
			title := t.Section
			if title == "" {
				title = "Findings"
			}

			if pos, ok := index[title]; ok {
				rep.Sections[pos].Body += "\n\n" + t.Content
				continue
			}

			index[title] = len(rep.Sections)
			rep.Sections = append(rep.Sections, Section{
				Title:  title,
				Body:   t.Content,
				Author: t.Author,
			})

		case session.TurnFinish:
			rep.GeneratedAt = t.Timestamp.UTC()

		case session.TurnToolCall:
			if t.ToolCall != nil {
				calls[t.ToolCall.CorrelationID.String()] = t.ToolCall
			}

		case session.TurnToolResult:
			if t.ToolResult == nil || !t.ToolResult.OK {
				continue
			}
			call := calls[t.ToolResult.CorrelationID.String()]
			if call == nil {
				continue
			}
			rep.Sources = append(rep.Sources, Source{
				Tool:     call.Tool,
				Agent:    call.Agent,
				Attempts: t.ToolResult.Attempts,
				Latency:  t.ToolResult.Latency.Round(time.Millisecond).String(),
			})
		}
	}

	if rep.GeneratedAt.IsZero() {
		rep.GeneratedAt = a.now().UTC()
	}

	return rep
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	fmt.Fprintf(&b, "_%s_\n\n", r.Query)

	if len(r.Tickers) > 0 {
		fmt.Fprintf(&b, "**Tickers:** %s\n\n", strings.Join(r.Tickers, ", "))
	}

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, s.Body)
	}

	if len(r.Sources) > 0 {
		b.WriteString("## Data Sources\n\n")
		for _, src := range r.Sources {
			fmt.Fprintf(&b, "- `%s` via %s (%d %s, %s)\n",
				src.Tool, src.Agent, src.Attempts, plural(src.Attempts, "attempt"), src.Latency)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "---\n\nGenerated %s\n", r.GeneratedAt.Format(time.RFC1123))

	return b.String()
}

func reportTitle(req session.Request) string {
	if len(req.Tickers) > 0 {
		return "Analysis Report: " + strings.Join(req.Tickers, ", ")
	}
	return "Analysis Report"
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
