// Package output writes the star tables of a run as files: one UTF-8 CSV
// per table under <dir>/<set>/ and an optional XLSX workbook.
//
// Rendering is deterministic: the same tables produce the same CSV bytes.
package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"sagestar/internal/flat"
)

const bom = "\uFEFF"

// maxSheetName is Excel's sheet-name limit in characters.
const maxSheetName = 31

// Table is a rendered star table: a dimension or the accepted fact rows.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// Format renders one cell: integers in base 10, decimals via
// Decimal.String, dates as 2006-01-02, null as "".
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case decimal.Decimal:
		return t.String()
	case time.Time:
		return t.Format(flat.DateLayout)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// WriteCSV writes each table to <dir>/<set>/<table>.csv and returns the
// paths written, in table order.
func WriteCSV(dir, set string, tables []Table) ([]string, error) {
	base := filepath.Join(dir, set)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("output: mkdir %s: %w", base, err)
	}
	paths := make([]string, 0, len(tables))
	for _, t := range tables {
		p := filepath.Join(base, t.Name+".csv")
		if err := writeCSVFile(p, t); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func writeCSVFile(path string, t Table) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("output: close %s: %w", path, cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if _, err := bw.WriteString(bom); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	w := csv.NewWriter(bw)
	if err := w.Write(t.Columns); err != nil {
		return fmt.Errorf("output: write %s header: %w", path, err)
	}
	rec := make([]string, len(t.Columns))
	for _, r := range t.Rows {
		for i := range rec {
			rec[i] = ""
			if i < len(r) {
				rec[i] = Format(r[i])
			}
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("output: write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

// Workbook collects tables of one or more sets into a single XLSX file, one
// sheet per table named <set>_<table>.
type Workbook struct {
	f      *excelize.File
	sheets map[string]struct{}
}

func NewWorkbook() *Workbook {
	return &Workbook{f: excelize.NewFile(), sheets: map[string]struct{}{}}
}

// Add appends one sheet per table. Integers and decimals are written as
// numbers, dates as text in 2006-01-02.
func (wb *Workbook) Add(set string, tables []Table) error {
	for _, t := range tables {
		name := SheetName(set, t.Name)
		if _, dup := wb.sheets[name]; dup {
			return fmt.Errorf("output: duplicate sheet %q", name)
		}
		if _, err := wb.f.NewSheet(name); err != nil {
			return fmt.Errorf("output: sheet %q: %w", name, err)
		}
		wb.sheets[name] = struct{}{}

		header := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			header[i] = c
		}
		if err := wb.f.SetSheetRow(name, "A1", &header); err != nil {
			return fmt.Errorf("output: sheet %q header: %w", name, err)
		}
		for i, r := range t.Rows {
			cell, err := excelize.CoordinatesToCellName(1, i+2)
			if err != nil {
				return err
			}
			row := make([]any, len(r))
			for j, v := range r {
				row[j] = cellValue(v)
			}
			if err := wb.f.SetSheetRow(name, cell, &row); err != nil {
				return fmt.Errorf("output: sheet %q row %d: %w", name, i+2, err)
			}
		}
	}
	return nil
}

// Save writes the workbook to path, dropping excelize's default sheet when
// at least one table was added.
func (wb *Workbook) Save(path string) error {
	if len(wb.sheets) > 0 {
		if _, keep := wb.sheets["Sheet1"]; !keep {
			if err := wb.f.DeleteSheet("Sheet1"); err != nil {
				return fmt.Errorf("output: workbook: %w", err)
			}
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("output: mkdir %s: %w", dir, err)
		}
	}
	if err := wb.f.SaveAs(path); err != nil {
		return fmt.Errorf("output: save %s: %w", path, err)
	}
	return nil
}

func (wb *Workbook) Close() error { return wb.f.Close() }

// SheetName is <set>_<table> cut to Excel's 31-character limit.
func SheetName(set, table string) string {
	name := set + "_" + table
	if utf8.RuneCountInString(name) <= maxSheetName {
		return name
	}
	return string([]rune(name)[:maxSheetName])
}

func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		f, _ := t.Float64()
		return f
	case time.Time:
		return t.Format(flat.DateLayout)
	default:
		return v
	}
}
