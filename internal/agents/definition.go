package agents

import (
	"finsight/pkg/errors"
)

// Role identifiers for the built-in catalog.
const (
	RoleDataGatherer = "data_gatherer"
	RoleAnalyst      = "analyst"
	RoleReportWriter = "report_writer"
)

// Definition declares one agent role: which tools it may call, which roles
// it may hand off to, and the prompt template driving its reasoning.
type Definition struct {
	Role        string
	Description string

	// Capabilities lists the tool names this role may invoke. Calls outside
	// this set are rejected at dispatch, not silently dropped.
	Capabilities []string

	// HandoffTargets lists the roles this agent may transfer control to.
	HandoffTargets []string

	// CanFinish marks roles allowed to terminate the session.
	CanFinish bool

	// PromptTemplate is the template id for the role's system prompt.
	PromptTemplate string
}

// CanCall reports whether the role's capability set includes the tool.
func (d *Definition) CanCall(tool string) bool {
	for _, c := range d.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}

// CanHandoff reports whether the role may transfer control to target.
func (d *Definition) CanHandoff(target string) bool {
	for _, t := range d.HandoffTargets {
		if t == target {
			return true
		}
	}
	return false
}

// Catalog is the set of agent definitions a deployment runs with.
type Catalog struct {
	defs map[string]*Definition
}

// NewCatalog builds a catalog and validates it: every hand-off target must
// name a definition in the same catalog, and at least one role must be able
// to finish, otherwise no session could ever complete.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition, len(defs))}

	canFinish := false
	for _, d := range defs {
		if d.Role == "" {
			return nil, errors.Wrap(errors.ErrInvalidInput, "agent definition without role")
		}
		if _, ok := c.defs[d.Role]; ok {
			return nil, errors.Wrapf(errors.ErrAlreadyExists, "agent role %s", d.Role)
		}
		c.defs[d.Role] = d
		canFinish = canFinish || d.CanFinish
	}

	for _, d := range c.defs {
		for _, target := range d.HandoffTargets {
			if _, ok := c.defs[target]; !ok {
				return nil, errors.Wrapf(errors.ErrInvalidInput,
					"role %s hands off to unknown role %s", d.Role, target)
			}
		}
	}

	if !canFinish {
		return nil, errors.Wrap(errors.ErrInvalidInput, "catalog has no finishing role")
	}

	return c, nil
}

// Get returns the definition for a role.
func (c *Catalog) Get(role string) (*Definition, error) {
	d, ok := c.defs[role]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "agent role %s", role)
	}
	return d, nil
}

// Roles returns all role names in the catalog.
func (c *Catalog) Roles() []string {
	roles := make([]string, 0, len(c.defs))
	for role := range c.defs {
		roles = append(roles, role)
	}
	return roles
}

// DefaultCatalog wires the built-in research pipeline: a data gatherer
// collects raw market facts, an analyst interprets them, and a report
// writer assembles the final document and finishes the session.
func DefaultCatalog() (*Catalog, error) {
	return NewCatalog(
		&Definition{
			Role:        RoleDataGatherer,
			Description: "Collects market data, filings and news for the requested tickers",
			Capabilities: []string{
				"get_quote",
				"get_price_history",
				"get_sec_filings",
				"get_financials",
				"get_news_sentiment",
			},
			HandoffTargets: []string{RoleAnalyst},
			PromptTemplate: "agents/data_gatherer",
		},
		&Definition{
			Role:        RoleAnalyst,
			Description: "Interprets gathered data and records findings",
			Capabilities: []string{
				"get_price_history",
				"get_financials",
			},
			HandoffTargets: []string{RoleDataGatherer, RoleReportWriter},
			PromptTemplate: "agents/analyst",
		},
		&Definition{
			Role:           RoleReportWriter,
			Description:    "Organizes findings into the final report and ends the session",
			Capabilities:   []string{},
			HandoffTargets: []string{RoleAnalyst},
			CanFinish:      true,
			PromptTemplate: "agents/report_writer",
		},
	)
}
