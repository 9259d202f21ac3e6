package staging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sagestar/internal/etlerr"
	"sagestar/internal/fact"
)

func keySet(n int64) map[int64]struct{} {
	out := map[int64]struct{}{}
	for k := int64(1); k <= n; k++ {
		out[k] = struct{}{}
	}
	return out
}

func facts(values ...int64) *fact.Table {
	t := &fact.Table{
		Name:        "fact_achats",
		Columns:     []string{"do_ref", "fournisseur_id"},
		ForeignKeys: []fact.ForeignKey{{Column: "fournisseur_id", Index: 1, Dimension: "dim_fournisseur"}},
	}
	for i, v := range values {
		t.Rows = append(t.Rows, []any{"R", v})
		t.Lines = append(t.Lines, i+2)
	}
	return t
}

func TestCheck_ExcludesDanglingKeys(t *testing.T) {
	t.Parallel()

	res, err := Check(facts(1, 2, 0, 9, 3), map[string]map[int64]struct{}{"dim_fournisseur": keySet(3)}, Options{})
	require.NoError(t, err)
	require.Equal(t, 5, res.Attempted)
	require.Equal(t, 3, res.Accepted.Len())
	require.Equal(t, []int{2, 3, 6}, res.Accepted.Lines)
	require.Equal(t, []Reject{
		{Line: 4, Column: "fournisseur_id", Value: int64(0)},
		{Line: 5, Column: "fournisseur_id", Value: int64(9)},
	}, res.Rejected)
	require.InDelta(t, 0.4, res.RejectRatio(), 1e-9)

	rerr := res.Err()
	require.Error(t, rerr)
	require.Equal(t, etlerr.KindReferentialViolation, etlerr.KindOf(rerr))
	require.False(t, etlerr.IsFatal(rerr))
}

func TestCheck_NoDanglingKeysSurvive(t *testing.T) {
	t.Parallel()

	keys := keySet(10)
	res, err := Check(facts(1, 11, 5, -1, 10), map[string]map[int64]struct{}{"dim_fournisseur": keys}, Options{})
	require.NoError(t, err)
	for _, row := range res.Accepted.Rows {
		_, ok := keys[row[1].(int64)]
		require.True(t, ok)
	}
	require.NoError(t, (&Result{Attempted: 1}).Err())
}

func TestCheck_StrictRejects(t *testing.T) {
	t.Parallel()

	var values []int64
	for i := range 1000 {
		if i < 950 {
			values = append(values, int64(i%900)+2)
		} else {
			values = append(values, 0)
		}
	}
	res, err := Check(facts(values...), map[string]map[int64]struct{}{"dim_fournisseur": keySet(901)}, Options{MaxRejectRatio: 0.5})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 50)
	require.Equal(t, 950, res.Accepted.Len())
}

func TestCheck_RejectThresholdIsFatal(t *testing.T) {
	t.Parallel()

	res, err := Check(facts(0, 0, 1), map[string]map[int64]struct{}{"dim_fournisseur": keySet(1)}, Options{MaxRejectRatio: 0.5})
	require.Error(t, err)
	require.True(t, etlerr.IsFatal(err))
	require.Equal(t, etlerr.KindReferentialViolation, etlerr.KindOf(err))
	require.Len(t, res.Rejected, 2)
}

func TestCheck_MissingDimensionKeys(t *testing.T) {
	t.Parallel()

	_, err := Check(facts(1), map[string]map[int64]struct{}{}, Options{})
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
}
