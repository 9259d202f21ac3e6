package csv

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func TestReadTable_TrimsAndNulls(t *testing.T) {
	t.Parallel()

	in := "\uFEFFCode client ; Raison sociale;Tot HT\n C1 ;Acme;12,5\nC2;;\n;;\n"
	tbl, err := ReadTable(t.Context(), "ventes", io.NopCloser(strings.NewReader(in)), Options{Comma: ';'})
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if got := strings.Join(tbl.Columns, "|"); got != "Code client|Raison sociale|Tot HT" {
		t.Fatalf("columns=%q", got)
	}
	if tbl.Len() != 2 {
		t.Fatalf("rows=%d want 2 (blank line skipped)", tbl.Len())
	}
	if tbl.Rows[0].V[0] != "C1" || tbl.Rows[0].Line != 2 {
		t.Fatalf("row0=%v line=%d", tbl.Rows[0].V, tbl.Rows[0].Line)
	}
	if tbl.Rows[1].V[1] != nil || tbl.Rows[1].V[2] != nil {
		t.Fatalf("empty cells should be nil: %v", tbl.Rows[1].V)
	}
}

func TestReadTable_Windows1252(t *testing.T) {
	t.Parallel()

	enc, err := charmap.Windows1252.NewEncoder().String("Désignation\nCâble\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tbl, err := ReadTable(t.Context(), "x", io.NopCloser(bytes.NewReader([]byte(enc))), Options{Encoding: "windows-1252"})
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if !tbl.Has("désignation") {
		t.Fatalf("header not decoded: %q", tbl.Columns)
	}
	if tbl.Rows[0].V[0] != "Câble" {
		t.Fatalf("value=%v", tbl.Rows[0].V[0])
	}
}

func TestReadTable_ReportsMalformedRecords(t *testing.T) {
	t.Parallel()

	in := "a,b\n1,\"x\n"
	var lines []int
	_, err := ReadTable(t.Context(), "x", io.NopCloser(strings.NewReader(in)), Options{
		OnError: func(line int, err error) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one malformed record, got %v", lines)
	}
}

func TestReadTable_EmptyAndBadEncoding(t *testing.T) {
	t.Parallel()

	if _, err := ReadTable(t.Context(), "x", io.NopCloser(strings.NewReader("")), Options{}); err == nil {
		t.Fatalf("expected error for empty file")
	}
	if _, err := ReadTable(t.Context(), "x", io.NopCloser(strings.NewReader("a\n")), Options{Encoding: "ebcdic"}); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}
