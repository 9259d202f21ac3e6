package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf
}

func TestReadTable(t *testing.T) {
	t.Parallel()

	buf := workbook(t, [][]any{
		{"Code fournisseur", "Raison sociale"},
		{" F1 ", "Dupont"},
		{"", ""},
		{"F2", ""},
	})

	tbl, err := ReadTable(t.Context(), "achats", buf, "")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("rows=%d want 2", tbl.Len())
	}
	if tbl.Rows[0].V[0] != "F1" || tbl.Rows[0].Line != 2 {
		t.Fatalf("row0=%v line=%d", tbl.Rows[0].V, tbl.Rows[0].Line)
	}
	if tbl.Rows[1].Line != 4 {
		t.Fatalf("row1 line=%d want 4", tbl.Rows[1].Line)
	}
	if tbl.Rows[1].V[1] != nil {
		t.Fatalf("empty cell should be nil, got %v", tbl.Rows[1].V[1])
	}
}

func TestReadTable_UnknownSheet(t *testing.T) {
	t.Parallel()

	buf := workbook(t, [][]any{{"a"}})
	if _, err := ReadTable(t.Context(), "x", buf, "Nope"); err == nil {
		t.Fatalf("expected error for unknown sheet")
	}
}

func TestReadTable_DateAndNumberCells(t *testing.T) {
	t.Parallel()

	buf := workbook(t, [][]any{
		{"Date BL", "code article", "Prix Unitaire"},
		{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "A1", 5.5},
		{"02/03/2024", "A2", 12},
	})

	tbl, err := ReadTable(t.Context(), "ventes", buf, "")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	d, ok := tbl.Rows[0].V[0].(time.Time)
	if !ok {
		t.Fatalf("date cell=%#v, want time.Time", tbl.Rows[0].V[0])
	}
	if got := d.Format("2006-01-02"); got != "2024-03-01" {
		t.Fatalf("date=%s want 2024-03-01", got)
	}
	if tbl.Rows[0].V[2] != "5.5" {
		t.Fatalf("number=%#v want 5.5", tbl.Rows[0].V[2])
	}
	if tbl.Rows[1].V[0] != "02/03/2024" || tbl.Rows[1].V[2] != "12" {
		t.Fatalf("row1=%#v", tbl.Rows[1].V)
	}
}

func TestCustomDateFormat(t *testing.T) {
	t.Parallel()

	for code, want := range map[string]bool{
		"dd/mm/yyyy":         true,
		"yyyy-mm-dd hh:mm":   true,
		"#,##0.00":           false,
		`0.00" days"`:        false,
		"[$-40C]mmm yy":      true,
		"[Red]#,##0;[Blue]0": false,
	} {
		if got := customDateFormat(code); got != want {
			t.Fatalf("%q: got %t want %t", code, got, want)
		}
	}
}
