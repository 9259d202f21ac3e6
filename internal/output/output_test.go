package output

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleTables() []Table {
	return []Table{
		{
			Name:    "dim_temps",
			Columns: []string{"dim_temps_id", "date_cle", "annee"},
			Rows: [][]any{
				{int64(1), time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), int64(1900)},
				{int64(2), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), int64(2024)},
			},
		},
		{
			Name:    "fact_ventes",
			Columns: []string{"num_bl", "montant_ht", "dim_temps_id"},
			Rows: [][]any{
				{"BL, 1", decimal.RequireFromString("11.50"), int64(2)},
				{nil, nil, int64(1)},
			},
		},
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{int64(-3), "-3"},
		{7, "7"},
		{decimal.RequireFromString("11.50"), "11.5"},
		{time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), "2024-03-01"},
		{1.25, "1.25"},
		{true, "true"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Format(c.in), "%#v", c.in)
	}
}

func TestWriteCSV_BOMAndDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths, err := WriteCSV(dir, "ventes", sampleTables())
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "ventes", "dim_temps.csv"),
		filepath.Join(dir, "ventes", "fact_ventes.csv"),
	}, paths)

	b, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	require.Equal(t, "\uFEFFnum_bl,montant_ht,dim_temps_id\n\"BL, 1\",11.5,2\n,,1\n", string(b))

	first, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "\uFEFFdim_temps_id,date_cle,annee\n1,1900-01-01,1900\n2,2024-03-01,2024\n", string(first))

	again := t.TempDir()
	paths2, err := WriteCSV(again, "ventes", sampleTables())
	require.NoError(t, err)
	for i := range paths {
		a, _ := os.ReadFile(paths[i])
		b, _ := os.ReadFile(paths2[i])
		require.Equal(t, a, b)
	}
}

func TestSheetName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ventes_dim_client", SheetName("ventes", "dim_client"))
	got := SheetName("achats", "dim_mode_expedition_with_long_suffix")
	require.Len(t, []rune(got), 31)
	require.Equal(t, "achats_dim_mode_expedition_with", got)
}

func TestWorkbook(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "star.xlsx")
	wb := NewWorkbook()
	require.NoError(t, wb.Add("ventes", sampleTables()))
	require.Error(t, wb.Add("ventes", sampleTables()[:1]))
	require.NoError(t, wb.Save(path))
	require.NoError(t, wb.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, []string{"ventes_dim_temps", "ventes_fact_ventes"}, f.GetSheetList())
	rows, err := f.GetRows("ventes_fact_ventes")
	require.NoError(t, err)
	require.Equal(t, []string{"num_bl", "montant_ht", "dim_temps_id"}, rows[0])
	require.Equal(t, []string{"BL, 1", "11.5", "2"}, rows[1])

	v, err := f.GetCellValue("ventes_dim_temps", "B3")
	require.NoError(t, err)
	require.Equal(t, "2024-03-01", v)
}
