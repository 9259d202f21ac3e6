// Package xlsx reads an extract delivered as an Excel workbook into the same
// flat table shape as the CSV reader.
package xlsx

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"sagestar/internal/flat"
)

// ReadTable reads sheet (first sheet when empty). Row 1 is the header; blank
// rows are skipped. Cells are read unformatted: numbers keep their stored
// value, cells styled with a date number format become time.Time, text is
// trimmed and empty cells are nil.
func ReadTable(ctx context.Context, name string, src io.Reader, sheet string) (*flat.Table, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}
	dates := dateStyles{f: f, known: map[int]bool{}}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	var tbl *flat.Table
	line := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		if tbl == nil {
			if isRowEmpty(cols) {
				continue
			}
			tbl = flat.NewTable(name, cols)
			continue
		}
		if isRowEmpty(cols) {
			continue
		}
		vals := make([]any, len(cols))
		for i, c := range cols {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			vals[i] = c
			if t, ok := dates.value(sheet, i+1, line, c, date1904); ok {
				vals[i] = t
			}
		}
		tbl.Append(line, vals)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if tbl == nil {
		return nil, fmt.Errorf("sheet %q has no header row", sheet)
	}
	return tbl, nil
}

func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// dateStyles tells which cell styles carry a date number format.
type dateStyles struct {
	f     *excelize.File
	known map[int]bool
}

// value converts the raw serial c at (col, row) when the cell is date styled.
func (d dateStyles) value(sheet string, col, row int, c string, date1904 bool) (time.Time, bool) {
	serial, err := strconv.ParseFloat(c, 64)
	if err != nil {
		return time.Time{}, false
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return time.Time{}, false
	}
	id, err := d.f.GetCellStyle(sheet, cell)
	if err != nil || !d.isDate(id) {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (d dateStyles) isDate(id int) bool {
	if v, ok := d.known[id]; ok {
		return v
	}
	v := false
	if st, err := d.f.GetStyle(id); err == nil && st != nil {
		v = builtinDateFormat(st.NumFmt)
		if st.CustomNumFmt != nil {
			v = customDateFormat(*st.CustomNumFmt)
		}
	}
	d.known[id] = v
	return v
}

// builtinDateFormat reports the built-in number formats that render dates.
func builtinDateFormat(id int) bool {
	switch {
	case id >= 14 && id <= 22, id >= 27 && id <= 36, id >= 45 && id <= 47, id >= 50 && id <= 58:
		return true
	}
	return false
}

// customDateFormat reports a format code with day or year tokens outside
// quoted literals and [bracketed] sections.
func customDateFormat(code string) bool {
	quoted, bracket := false, false
	for _, r := range strings.ToLower(code) {
		switch {
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '[':
			bracket = true
		case r == ']':
			bracket = false
		case bracket:
		case r == 'd' || r == 'y':
			return true
		}
	}
	return false
}
