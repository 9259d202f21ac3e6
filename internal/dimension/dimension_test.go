package dimension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sagestar/internal/config"
	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
)

func clientSpec() config.DimensionConfig {
	return config.DimensionConfig{
		Table:        "dim_client",
		SurrogateKey: "dim_client_id",
		NaturalKey:   config.KeyConfig{Column: "code_client", Source: "Code client", Type: flat.TypeText},
		Attributes: []config.AttributeConfig{
			{Column: "raison_sociale", Source: "Raison sociale"},
			{Column: "representant", Source: "Representant"},
		},
	}
}

func source(columns []string, rows ...[]any) *flat.Table {
	tbl := flat.NewTable("src", columns)
	for i, r := range rows {
		tbl.Append(i+2, r)
	}
	return tbl
}

func build(t *testing.T, spec config.DimensionConfig, src *flat.Table, parents map[string]*Lookup) *Result {
	t.Helper()
	ex, err := Extract(src, spec, flat.DateParser{})
	require.NoError(t, err)
	res, err := Build(spec, ex.Candidates, parents, flat.DateParser{})
	require.NoError(t, err)
	return res
}

func TestExtract_FirstOccurrenceWins(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client", "Raison sociale"},
		[]any{"C1", "Acme SA"},
		[]any{"C1", "ACME S.A."},
		[]any{nil, "Orphan"},
		[]any{"C2", "Beta"},
		[]any{"INC", "Sentinel"},
	)
	ex, err := Extract(src, clientSpec(), flat.DateParser{})
	require.NoError(t, err)

	require.Len(t, ex.Candidates, 2)
	require.Equal(t, "C1", ex.Candidates[0].Key)
	require.Equal(t, "Acme SA", ex.Candidates[0].Attrs[0])
	require.Equal(t, 2, ex.Candidates[0].Line)
	require.Equal(t, 1, ex.Duplicates)
	require.Equal(t, 1, ex.NullKeys)
	require.Equal(t, 1, ex.SentinelRows)
	require.Equal(t, []string{"Representant"}, ex.MissingColumns)
}

func TestExtract_MissingNaturalKeyColumnIsFatal(t *testing.T) {
	t.Parallel()

	src := source([]string{"Raison sociale"}, []any{"Acme"})
	_, err := Extract(src, clientSpec(), flat.DateParser{})
	require.Error(t, err)
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
	require.True(t, etlerr.IsFatal(err))
	require.Contains(t, err.Error(), "Code client")
}

func TestBuild_SingleMemberFirstSpelling(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client", "Raison sociale"},
		[]any{"C1", "Dupont"},
		[]any{"C1", "Dupond"},
	)
	res := build(t, clientSpec(), src, nil)

	require.Len(t, res.Table.Rows, 2)
	require.Equal(t, []any{int64(1), "INC", "Inconnu", "Inconnu"}, res.Table.Rows[0])
	require.Equal(t, []any{int64(2), "C1", "Dupont", nil}, res.Table.Rows[1])

	sk, r := res.Lookup.Resolve(" C1 ")
	require.Equal(t, Matched, r)
	require.Equal(t, int64(2), sk)
}

func TestBuild_DenseKeysAndStableUnknown(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client", "Raison sociale"},
		[]any{"C3", "c"}, []any{"C1", "a"}, []any{"C2", "b"}, []any{"C1", "dup"},
	)
	for range 2 {
		res := build(t, clientSpec(), src, nil)
		require.Equal(t, []string{"dim_client_id", "code_client", "raison_sociale", "representant"}, res.Table.Columns)
		for i, row := range res.Table.Rows {
			require.Equal(t, int64(i+1), row[0])
		}
		require.Equal(t, "C3", res.Table.Rows[1][1], "source order")
		require.Equal(t, 4, res.Lookup.Len())
		require.Equal(t, int64(1), res.Lookup.Unknown())

		sk, r := res.Lookup.Resolve("INC")
		require.Equal(t, Matched, r)
		require.Equal(t, UnknownKey, sk)
	}
}

func TestBuild_SortedOrder(t *testing.T) {
	t.Parallel()

	spec := clientSpec()
	spec.Order = config.OrderSorted
	src := source([]string{"Code client"}, []any{"B"}, []any{"A"}, []any{"C"})
	res := build(t, spec, src, nil)
	require.Equal(t, "A", res.Table.Rows[1][1])
	require.Equal(t, "C", res.Table.Rows[3][1])
}

func TestBuild_CalendarChronologicalWithDerivedAttributes(t *testing.T) {
	t.Parallel()

	spec := config.DimensionConfig{
		Table:        "dim_date",
		SurrogateKey: "date_id",
		NaturalKey:   config.KeyConfig{Column: "date_full", Source: "date achat", Type: flat.TypeDate},
		Attributes: []config.AttributeConfig{
			{Column: "annee", Derive: config.DeriveYear},
			{Column: "mois", Derive: config.DeriveMonth},
			{Column: "jour", Derive: config.DeriveDay},
			{Column: "trimestre", Derive: config.DeriveQuarter},
		},
		Order: config.OrderChronological,
	}
	dates := flat.DateParser{Layouts: flat.DayFirstDateLayouts}
	src := source([]string{"date achat"},
		[]any{"15/08/2024"}, []any{"02/01/2024"}, []any{"garbage"}, []any{"15/08/2024 10:00"},
	)
	ex, err := Extract(src, spec, dates)
	require.NoError(t, err)
	require.Equal(t, 1, ex.NullKeys)
	res, err := Build(spec, ex.Candidates, nil, dates)
	require.NoError(t, err)

	require.Len(t, res.Table.Rows, 3)
	require.Equal(t, []any{int64(1), time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), int64(1900), int64(1), int64(1), int64(1)}, res.Table.Rows[0])
	require.Equal(t, []any{int64(2), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), int64(2024), int64(1), int64(2), int64(1)}, res.Table.Rows[1])
	require.Equal(t, []any{int64(3), time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC), int64(2024), int64(8), int64(15), int64(3)}, res.Table.Rows[2])

	sk, r := res.Lookup.Resolve("15/08/2024")
	require.Equal(t, Matched, r)
	require.Equal(t, int64(3), sk)

	sk, r = res.Lookup.Resolve("garbage")
	require.Equal(t, Unmatched, r)
	require.Equal(t, UnknownKey, sk)
	_, r = res.Lookup.Resolve("  ")
	require.Equal(t, Null, r)
}

func TestBuild_DerivedCodeAndConfiguredSentinel(t *testing.T) {
	t.Parallel()

	spec := config.DimensionConfig{
		Table:        "dim_mode_expedition",
		SurrogateKey: "mode_id",
		NaturalKey:   config.KeyConfig{Column: "libelle", Source: "Mode d'expedition", Unknown: "Inconnu"},
		Attributes:   []config.AttributeConfig{{Column: "code_expedit", Derive: config.DeriveCode}},
	}
	src := source([]string{"Mode d'expedition"},
		[]any{"Transporteur express international"}, []any{"Inconnu"}, []any{"Retrait"},
	)
	res := build(t, spec, src, nil)

	require.Equal(t, []any{int64(1), "Inconnu", "INCONNU"}, res.Table.Rows[0])
	require.Equal(t, []any{int64(2), "Transporteur express international", "TRANSPORTEUR_EXPRESS"}, res.Table.Rows[1])
	require.Equal(t, []any{int64(3), "Retrait", "RETRAIT"}, res.Table.Rows[2])
}

func TestBuild_ParentReferences(t *testing.T) {
	t.Parallel()

	famSpec := config.DimensionConfig{
		Table:        "dim_famille",
		SurrogateKey: "id_famille",
		NaturalKey:   config.KeyConfig{Column: "code_famille", Source: "Code Famille"},
	}
	artSpec := config.DimensionConfig{
		Table:        "dim_article",
		SurrogateKey: "dim_article_id",
		NaturalKey:   config.KeyConfig{Column: "code_article", Source: "code article"},
		Parents:      []config.ParentConfig{{Column: "id_famille", Dimension: "dim_famille", Source: "Code Famille"}},
	}
	src := source([]string{"code article", "Code Famille"},
		[]any{"A1", "F1"},
		[]any{"A2", nil},
		[]any{"A3", "F2"},
	)
	fam := build(t, famSpec, src, nil)
	art := build(t, artSpec, src, map[string]*Lookup{"dim_famille": fam.Lookup})

	require.Equal(t, []any{int64(1), "INC", int64(1)}, art.Table.Rows[0])
	require.Equal(t, int64(2), art.Table.Rows[1][2])
	require.Equal(t, int64(1), art.Table.Rows[2][2])
	require.Equal(t, int64(3), art.Table.Rows[3][2])
	require.Equal(t, map[string]int{"id_famille": 1}, art.Unresolved)
	require.Equal(t, []int{2}, art.Table.ParentColumns())
	require.Equal(t, "dim_famille", art.Table.ParentDimension(2))

	_, err := Build(artSpec, nil, nil, flat.DateParser{})
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
}

func TestLookup_ResolveOutcomes(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client"}, []any{"C1"})
	res := build(t, clientSpec(), src, nil)

	sk, r := res.Lookup.Resolve(nil)
	require.Equal(t, Null, r)
	require.Equal(t, UnknownKey, sk)

	sk, r = res.Lookup.Resolve("  ")
	require.Equal(t, Null, r)
	require.Equal(t, UnknownKey, sk)

	sk, r = res.Lookup.Resolve("X9")
	require.Equal(t, Unmatched, r)
	require.Equal(t, UnknownKey, sk)
}

func TestReconcile_EmptyStoreIsIdentity(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client"}, []any{"C1"}, []any{"C2"})
	res := build(t, clientSpec(), src, nil)

	got, remap, err := Reconcile(res, map[string]int64{}, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{1: 1, 2: 2, 3: 3}, remap)
	require.Equal(t, res.Table.Rows, got.Table.Rows)
}

func TestReconcile_PersistedKeysWin(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client"}, []any{"C9"}, []any{"C1"}, []any{"C5"})
	res := build(t, clientSpec(), src, nil)

	persisted := map[string]int64{"INC": 1, "C1": 2, "C2": 3, "C5": 7}
	got, remap, err := Reconcile(res, persisted, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{1: 1, 2: 8, 3: 2, 4: 7}, remap)

	sk, _ := got.Lookup.Resolve("C9")
	require.Equal(t, int64(8), sk)
	sk, _ = got.Lookup.Resolve("C1")
	require.Equal(t, int64(2), sk)
	require.Equal(t, int64(2), res.Table.Rows[1][0].(int64), "input is not mutated")

	// Rerunning against the store as it now stands changes nothing.
	after := map[string]int64{"INC": 1, "C1": 2, "C2": 3, "C5": 7, "C9": 8}
	again, remap2, err := Reconcile(res, after, nil)
	require.NoError(t, err)
	require.Equal(t, remap, remap2)
	require.Equal(t, got.Table.Rows, again.Table.Rows)
}

func TestReconcile_RemapsParentColumns(t *testing.T) {
	t.Parallel()

	artSpec := config.DimensionConfig{
		Table:        "dim_article",
		SurrogateKey: "dim_article_id",
		NaturalKey:   config.KeyConfig{Column: "code_article", Source: "code article"},
		Parents:      []config.ParentConfig{{Column: "id_famille", Dimension: "dim_famille", Source: "Code Famille"}},
	}
	famSpec := config.DimensionConfig{
		Table: "dim_famille", SurrogateKey: "id_famille",
		NaturalKey: config.KeyConfig{Column: "code_famille", Source: "Code Famille"},
	}
	src := source([]string{"code article", "Code Famille"}, []any{"A1", "F1"})
	fam := build(t, famSpec, src, nil)
	art := build(t, artSpec, src, map[string]*Lookup{"dim_famille": fam.Lookup})

	got, _, err := Reconcile(art, nil, map[string]map[int64]int64{"dim_famille": {1: 1, 2: 40}})
	require.NoError(t, err)
	require.Equal(t, int64(40), got.Table.Rows[1][2])
	require.Equal(t, int64(1), got.Table.Rows[0][2])
}

func TestReconcile_UnknownMemberConflict(t *testing.T) {
	t.Parallel()

	src := source([]string{"Code client"}, []any{"C1"})
	res := build(t, clientSpec(), src, nil)

	_, _, err := Reconcile(res, map[string]int64{"INC": 5}, nil)
	require.Error(t, err)
	require.True(t, etlerr.IsFatal(err))

	_, _, err = Reconcile(res, map[string]int64{"C1": 1}, nil)
	require.Error(t, err)
}
