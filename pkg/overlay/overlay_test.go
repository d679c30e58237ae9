package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApply_SetNested(t *testing.T) {
	out, err := Apply(Document{}, Patch{
		Set: map[string]any{
			"services.app.environment.DEBUG": "1",
		},
	})
	require.NoError(t, err)

	services := out["services"].(map[string]any)
	app := services["app"].(map[string]any)
	env := app["environment"].(map[string]any)
	require.Equal(t, "1", env["DEBUG"])
}

func TestApply_UnsetMissing(t *testing.T) {
	_, err := Apply(Document{"a": map[string]any{"b": 1}}, Patch{Unset: []string{"a.c", "x.y"}})
	require.NoError(t, err)
}

func TestApply_SetThroughScalarFails(t *testing.T) {
	_, err := Apply(Document{"a": "scalar"}, Patch{Set: map[string]any{"a.b": 1}})
	require.Error(t, err)
}

func TestMerge_LaterWins(t *testing.T) {
	out := Merge(
		Patch{Set: map[string]any{"a.b": 1}, Unset: []string{"x"}},
		Patch{Set: map[string]any{"a.b": 2}, Unset: []string{"x", "y"}},
	)
	require.Equal(t, 2, out.Set["a.b"])
	require.Equal(t, []string{"x", "y"}, out.Unset)
}

func TestParseAssignments_DecodesYAMLValues(t *testing.T) {
	p, err := ParseAssignments([]string{
		"services.app.ports=[\"8081:8080\"]",
		"concurrency=2",
		"services.db.image=mysql:8",
	}, []string{"services.app.readiness"})
	require.NoError(t, err)
	require.Equal(t, []any{"8081:8080"}, p.Set["services.app.ports"])
	require.Equal(t, 2, p.Set["concurrency"])
	require.Equal(t, "mysql:8", p.Set["services.db.image"])
	require.Equal(t, []string{"services.app.readiness"}, p.Unset)

	_, err = ParseAssignments([]string{"novalue"}, nil)
	require.Error(t, err)
}
