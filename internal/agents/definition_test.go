package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/session"
	"finsight/pkg/errors"
)

func sessionRequest() session.Request {
	return session.Request{Query: "How is AAPL doing?", Tickers: []string{"AAPL"}}
}

func TestCatalogValidatesHandoffGraph(t *testing.T) {
	_, err := NewCatalog(
		&Definition{Role: "a", HandoffTargets: []string{"b"}},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	catalog, err := NewCatalog(
		&Definition{Role: "a", HandoffTargets: []string{"b"}},
		&Definition{Role: "b", CanFinish: true},
	)
	require.NoError(t, err)

	def, err := catalog.Get("a")
	require.NoError(t, err)
	assert.True(t, def.CanHandoff("b"))
	assert.False(t, def.CanHandoff("a"))
}

func TestCatalogRejectsDuplicatesAndEmptyRoles(t *testing.T) {
	_, err := NewCatalog(
		&Definition{Role: "a"},
		&Definition{Role: "a"},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	_, err = NewCatalog(&Definition{})
	require.Error(t, err)
}

func TestCatalogRequiresFinishingRole(t *testing.T) {
	_, err := NewCatalog(
		&Definition{Role: "a", HandoffTargets: []string{"b"}},
		&Definition{Role: "b", HandoffTargets: []string{"a"}},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestCatalogGetUnknownRole(t *testing.T) {
	catalog, err := NewCatalog(&Definition{Role: "a", CanFinish: true})
	require.NoError(t, err)

	_, err = catalog.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDefinitionCapabilities(t *testing.T) {
	def := &Definition{
		Role:         "data_gatherer",
		Capabilities: []string{"get_quote", "get_sec_filings"},
	}

	assert.True(t, def.CanCall("get_quote"))
	assert.False(t, def.CanCall("get_financials"))
}

func TestDefaultCatalogPipeline(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RoleDataGatherer, RoleAnalyst, RoleReportWriter}, catalog.Roles())

	gatherer, err := catalog.Get(RoleDataGatherer)
	require.NoError(t, err)
	assert.True(t, gatherer.CanHandoff(RoleAnalyst))
	assert.False(t, gatherer.CanHandoff(RoleReportWriter))
	assert.False(t, gatherer.CanFinish)
	assert.True(t, gatherer.CanCall("get_quote"))

	analyst, err := catalog.Get(RoleAnalyst)
	require.NoError(t, err)
	assert.True(t, analyst.CanHandoff(RoleDataGatherer))
	assert.True(t, analyst.CanHandoff(RoleReportWriter))

	writer, err := catalog.Get(RoleReportWriter)
	require.NoError(t, err)
	assert.True(t, writer.CanFinish)
	assert.Empty(t, writer.Capabilities)
}

func TestScriptReasonerReplaysSteps(t *testing.T) {
	boom := errors.New("boom")
	r := NewScriptReasoner(
		ScriptStep{Decision: &Decision{Kind: DecideMessage, Content: "one"}},
		ScriptStep{Err: boom},
		ScriptStep{Decision: &Decision{Kind: DecideFinish}},
	)

	d, err := r.Decide(nil, nil, sessionRequest(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "one", d.Content)

	_, err = r.Decide(nil, nil, sessionRequest(), nil, nil)
	assert.Equal(t, boom, err)

	// The final step repeats once the script is exhausted
	for i := 0; i < 3; i++ {
		d, err = r.Decide(nil, nil, sessionRequest(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, DecideFinish, d.Kind)
	}
}
