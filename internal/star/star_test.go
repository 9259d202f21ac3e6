package star

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sagestar/internal/config"
	"sagestar/internal/dimension"
	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
	"sagestar/internal/storage"
)

var ventesHeader = []string{
	"N° Ligne doc", "N° Cde", "Date BL", "N° BL", "Qté fact", "Prix Unitaire", "Tot HT",
	"Code client", "Raison sociale", "Famille client", "Responsable dossier", "Representant",
	"code article", "Désignation", "Code Famille", "famille article libellé", "sous-famille article libellé",
}

func ventesSet(t *testing.T) config.StarSchema {
	t.Helper()
	s, ok := config.Default().Set("ventes")
	require.True(t, ok)
	return s
}

func ventesSource() *flat.Table {
	src := flat.NewTable("ventes", ventesHeader)
	src.Append(2, []any{"1", "10", "2024-03-02", "BL1", "2", "5.5", "11", "C1", "Acme", "GMS", "Paul", "Rep1", "A1", "Vis", "F1", "Quincaillerie", "Visserie"})
	src.Append(3, []any{"2", "10", "2024-03-01", "BL1", "1", "3", "3", "C2", "Bolt", "GMS", "Paul", "Rep1", "A2", "Ecrou", "F1", "Quincaillerie", "Visserie"})
	src.Append(4, []any{"3", "11", "2024-03-01", "BL2", "4", "1", "4", "C1", "Acme bis", "GMS", "Paul", "Rep1", "A1", "Vis longue", "F1", "Quincaillerie", "Visserie"})
	src.Append(5, []any{"4", "12", nil, "BL3", "1", "1", "1", "C9", "Zed", "GMS", "Paul", "Rep1", nil, nil, nil, nil, nil})
	return src
}

func TestBuild_VentesDefault(t *testing.T) {
	t.Parallel()

	m, err := Build(ventesSet(t), ventesSource(), false)
	require.NoError(t, err)
	require.Equal(t, 4, m.SourceRows)

	var order []string
	for _, d := range m.Dimensions {
		order = append(order, d.Config.Table)
	}
	require.Equal(t, []string{"dim_famillesarticles", "dim_article", "dim_client", "dim_temps"}, order)

	client, ok := m.Dimension("dim_client")
	require.True(t, ok)
	require.Len(t, client.Table().Rows, 4)
	require.Equal(t, []any{dimension.UnknownKey, "INC", "Inconnu", "Inconnu", "Inconnu", "Inconnu"}, client.Table().Rows[0])
	// first occurrence wins
	require.Equal(t, "Acme", client.Table().Rows[1][2])
	require.Equal(t, 1, client.Extraction.Duplicates)

	article, _ := m.Dimension("dim_article")
	require.Equal(t, []string{"dim_article_id", "code_article", "designation", "id_famille"}, article.Table().Columns)
	require.Equal(t, int64(2), article.Table().Rows[1][3])
	require.Equal(t, 1, article.Extraction.NullKeys)

	temps, _ := m.Dimension("dim_temps")
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), temps.Table().Rows[1][1])
	require.Equal(t, []any{int64(2), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), int64(2024), int64(3), int64(1)}, temps.Table().Rows[1])

	require.Equal(t, 4, m.Fact.Len())
	row := m.Fact.Rows[0]
	require.Equal(t, int64(1), row[0])
	require.True(t, decimal.RequireFromString("5.5").Equal(row[5].(decimal.Decimal)))
	require.Equal(t, int64(2), row[7]) // C1
	require.Equal(t, int64(2), row[8]) // A1
	require.Equal(t, int64(3), row[9]) // 2024-03-02

	last := m.Fact.Rows[3]
	require.Equal(t, int64(4), last[7]) // C9
	require.Equal(t, dimension.UnknownKey, last[8])
	require.Equal(t, dimension.UnknownKey, last[9])
	require.Zero(t, m.Report.Unresolved["dim_client_id"].Total())
	require.Equal(t, 1, m.Report.Unresolved["dim_article_id"].Null)
	require.Equal(t, 1, m.Report.Unresolved["dim_temps_id"].Null)
	require.Equal(t, 2, m.Report.UnresolvedTotal())

	keys := m.KeySets()
	require.Len(t, keys, 4)
	require.Contains(t, keys["dim_temps"], int64(3))
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := Build(ventesSet(t), ventesSource(), false)
	require.NoError(t, err)
	b, err := Build(ventesSet(t), ventesSource(), false)
	require.NoError(t, err)

	for i := range a.Dimensions {
		require.Equal(t, a.Dimensions[i].Table().Rows, b.Dimensions[i].Table().Rows)
	}
	require.Equal(t, a.Fact.Rows, b.Fact.Rows)
}

// deliverySource adds a delivered-to client column that the fact resolves
// against dim_client, so C7 never becomes a member.
func deliverySource(t *testing.T) (config.StarSchema, *flat.Table) {
	t.Helper()
	set := ventesSet(t)
	set.Fact.Columns[7].Source = "Code livraison"

	base := ventesSource()
	src := flat.NewTable("ventes", append(append([]string{}, ventesHeader...), "Code livraison"))
	for i, r := range base.Rows {
		src.Append(r.Line, append(append([]any{}, r.V...), []any{"C1", "C2", "C1", "C7"}[i]))
	}
	return set, src
}

func TestBuild_UnmatchedAttributedToUnknown(t *testing.T) {
	t.Parallel()

	set, src := deliverySource(t)
	m, err := Build(set, src, false)
	require.NoError(t, err)
	require.Equal(t, dimension.UnknownKey, m.Fact.Rows[3][7])
	require.Equal(t, 1, m.Report.Unresolved["dim_client_id"].Unmatched)
	require.Equal(t, 3, m.Report.UnresolvedTotal())
}

func TestBuild_StrictReferences(t *testing.T) {
	t.Parallel()

	set, src := deliverySource(t)
	m, err := Build(set, src, true)
	require.NoError(t, err)
	last := m.Fact.Rows[3]
	require.Equal(t, int64(0), last[7])             // unmatched C7
	require.Equal(t, dimension.UnknownKey, last[8]) // null stays unknown
}

func TestBuild_MissingNaturalKeyColumn(t *testing.T) {
	t.Parallel()

	src := flat.NewTable("ventes", []string{"Code client"})
	src.Append(2, []any{"C1"})
	_, err := Build(ventesSet(t), src, false)
	require.Error(t, err)
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
	require.True(t, etlerr.IsFatal(err))
}

func TestBuild_CycleIsConfigError(t *testing.T) {
	t.Parallel()

	set := config.StarSchema{Name: "x", Dimensions: []config.DimensionConfig{
		{Table: "a", Parents: []config.ParentConfig{{Column: "b_id", Dimension: "b"}}},
		{Table: "b", Parents: []config.ParentConfig{{Column: "a_id", Dimension: "a"}}},
	}}
	_, err := Build(set, flat.NewTable("x", nil), false)
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
}

func TestReplaceDimension(t *testing.T) {
	t.Parallel()

	m, err := Build(ventesSet(t), ventesSource(), false)
	require.NoError(t, err)
	client, _ := m.Dimension("dim_client")

	res, remap, err := dimension.Reconcile(client.Result, map[string]int64{"INC": 1, "C2": 40}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, remap)
	require.NoError(t, m.ReplaceDimension("dim_client", res))
	require.Same(t, res.Lookup, m.Lookups["dim_client"])

	sk, ok := m.Lookups["dim_client"].Get("C2")
	require.True(t, ok)
	require.Equal(t, int64(40), sk)

	require.Error(t, m.ReplaceDimension("dim_missing", res))
}

func TestTableSpecs_Ventes(t *testing.T) {
	t.Parallel()

	specs, err := TableSpecs(ventesSet(t))
	require.NoError(t, err)
	require.Len(t, specs, 5)

	article := specs[1]
	require.Equal(t, "ventes.dim_article", article.Name)
	require.Equal(t, storage.KindDimension, article.Kind)
	require.Equal(t, &storage.PrimaryKeySpec{Name: "dim_article_id", Type: storage.TypeInteger}, article.PrimaryKey)
	require.Equal(t, []string{"code_article", "designation", "id_famille"}, storage.ColumnNames(article.Columns))
	require.False(t, article.Columns[0].IsNullable())
	require.True(t, article.Columns[1].IsNullable())
	require.Equal(t, "ventes.dim_famillesarticles(id_famille)", article.Columns[2].References)
	require.False(t, article.Columns[2].IsNullable())
	require.Equal(t, []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"code_article"}}}, article.Constraints)

	temps := specs[3]
	require.Equal(t, storage.TypeDate, temps.Columns[0].Type)
	require.Equal(t, storage.TypeInteger, temps.Columns[1].Type)

	fact := specs[4]
	require.Equal(t, "ventes.fact_ventes", fact.Name)
	require.Nil(t, fact.PrimaryKey)
	require.Equal(t, storage.TypeDecimal, fact.Columns[4].Type)
	require.True(t, fact.Columns[4].IsNullable())
	require.Equal(t, "ventes.dim_client(dim_client_id)", fact.Columns[7].References)
	require.False(t, fact.Columns[7].IsNullable())

	cols := UpsertColumns(article)
	require.Equal(t, []string{"dim_article_id", "code_article", "designation", "id_famille"}, storage.ColumnNames(cols))
}

func TestFactLoadSpec_Modes(t *testing.T) {
	t.Parallel()

	set := ventesSet(t)
	spec, err := FactLoadSpec(set)
	require.NoError(t, err)
	require.True(t, spec.Replace)
	require.Empty(t, spec.DedupeColumns)
	require.Equal(t, []storage.ForeignKeyRef{
		{Column: "dim_client_id", RefTable: "ventes.dim_client", RefColumn: "dim_client_id"},
		{Column: "dim_article_id", RefTable: "ventes.dim_article", RefColumn: "dim_article_id"},
		{Column: "dim_temps_id", RefTable: "ventes.dim_temps", RefColumn: "dim_temps_id"},
	}, spec.ForeignKeys)

	set.Fact.Mode = config.ModeAppend
	spec, err = FactLoadSpec(set)
	require.NoError(t, err)
	require.False(t, spec.Replace)
	require.Equal(t, []string{"dl_no"}, spec.DedupeColumns)
}

func TestAttributeType(t *testing.T) {
	t.Parallel()

	require.Equal(t, storage.TypeInteger, AttributeType(config.AttributeConfig{Derive: config.DeriveQuarter}))
	require.Equal(t, storage.TypeText, AttributeType(config.AttributeConfig{Derive: config.DeriveCode}))
	require.Equal(t, storage.TypeText, AttributeType(config.AttributeConfig{Source: "x"}))
	require.Equal(t, storage.TypeDecimal, AttributeType(config.AttributeConfig{Source: "x", Type: flat.TypeDecimal}))
}
