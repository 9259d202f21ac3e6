// Package probe samples a flat Sage extract and guesses how to read it.
//
// A probe never fails on odd data: unparseable cells only widen a column to
// text. It reports
//   - the field separator and the text encoding,
//   - a coarse type per header with the date layout family,
//   - which headers a star mapping needs but the extract lacks.
//
// The runner uses it to resolve "auto" source settings; the CLI exposes it as
// the probe command.
package probe

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"sagestar/internal/config"
	"sagestar/internal/flat"
	"sagestar/internal/quality"
)

// Auto asks the runner to sniff a source setting.
const Auto = "auto"

const defaultMaxBytes = 64 << 10

// candidates are tried in order; earlier wins ties.
var candidates = []rune{';', ',', '\t', '|'}

// Options control sampling.
type Options struct {
	// MaxBytes bounds the sample read from the start of the file.
	MaxBytes int
	// Set, when non-nil, is checked for headers missing from the extract.
	Set *config.StarSchema
}

// Column is what the sample says about one header.
type Column struct {
	Header   string `json:"header"`
	Type     string `json:"type"`
	NonEmpty int    `json:"non_empty"`
	Distinct int    `json:"distinct"`
}

// Result is the outcome of a probe.
type Result struct {
	Comma      string   `json:"comma"`
	Encoding   string   `json:"encoding"`
	DayFirst   bool     `json:"day_first"`
	SampleRows int      `json:"sample_rows"`
	Columns    []Column `json:"columns"`
	Missing    []string `json:"missing,omitempty"`
}

// File probes the extract at path.
func File(path string, opt Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	return Reader(f, opt)
}

// Reader probes the first Options.MaxBytes of r.
func Reader(r io.Reader, opt Options) (Result, error) {
	n := opt.MaxBytes
	if n <= 0 {
		n = defaultMaxBytes
	}
	sample, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return Result{}, fmt.Errorf("sample: %w", err)
	}
	full := len(sample) < n
	return Sniff(sample, full, opt)
}

// Sniff probes an in-memory sample. complete tells whether sample is the whole
// file; otherwise the trailing partial line is dropped.
func Sniff(sample []byte, complete bool, opt Options) (Result, error) {
	sample = bytes.TrimPrefix(sample, []byte("\xEF\xBB\xBF"))
	if !complete {
		if i := bytes.LastIndexByte(sample, '\n'); i > 0 {
			sample = sample[:i+1]
		}
	}

	res := Result{Encoding: "utf-8"}
	if !utf8.Valid(sample) {
		res.Encoding = "windows-1252"
		dec, err := charmap.Windows1252.NewDecoder().Bytes(sample)
		if err != nil {
			return Result{}, fmt.Errorf("decode sample: %w", err)
		}
		sample = dec
	}
	if len(bytes.TrimSpace(sample)) == 0 {
		return Result{}, fmt.Errorf("empty sample")
	}

	comma, header, rows := bestSplit(sample)
	res.Comma = string(comma)
	if comma == '\t' {
		res.Comma = `\t`
	}
	res.SampleRows = len(rows)
	res.Columns, res.DayFirst = inferColumns(header, rows)

	if opt.Set != nil {
		res.Missing = missing(*opt.Set, header)
	}
	return res, nil
}

// Apply copies the sniffed settings into the source fields set to Auto.
func (r Result) Apply(src *config.Source) {
	if strings.EqualFold(src.Comma, Auto) {
		src.Comma = r.Comma
	}
	if strings.EqualFold(src.Encoding, Auto) {
		src.Encoding = r.Encoding
	}
}

// NeedsProbe reports whether src asks for any sniffed setting.
func NeedsProbe(src config.Source) bool {
	return src.Format != "xlsx" && (strings.EqualFold(src.Comma, Auto) || strings.EqualFold(src.Encoding, Auto))
}

// bestSplit picks the separator whose records most consistently match the
// header width, preferring wider headers on ties.
func bestSplit(sample []byte) (rune, []string, [][]string) {
	var (
		best       = candidates[0]
		bestHeader []string
		bestRows   [][]string
		bestScore  = -1.0
	)
	for _, c := range candidates {
		header, rows := split(sample, c)
		if len(header) < 2 {
			continue
		}
		matched := 0
		for _, r := range rows {
			if len(r) == len(header) {
				matched++
			}
		}
		score := 1.0
		if len(rows) > 0 {
			score = float64(matched) / float64(len(rows))
		}
		if score > bestScore || (score == bestScore && len(header) > len(bestHeader)) {
			best, bestHeader, bestRows, bestScore = c, header, rows, score
		}
	}
	if bestHeader == nil {
		header, rows := split(sample, best)
		return best, header, rows
	}
	return best, bestHeader, bestRows
}

// split reads sample with comma. Records that fail to parse are dropped.
func split(sample []byte, comma rune) ([]string, [][]string) {
	cr := csv.NewReader(bytes.NewReader(sample))
	cr.Comma = comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, nil
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	var rows [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		rows = append(rows, rec)
	}
	return header, rows
}

func inferColumns(header []string, rows [][]string) ([]Column, bool) {
	var dayOnly, monthOnly, slashed int
	dayFirst := flat.DateParser{Layouts: flat.DayFirstDateLayouts}
	monthFirst := flat.DateParser{Layouts: flat.DefaultDateLayouts}

	cols := make([]Column, len(header))
	for i, h := range header {
		c := Column{Header: h, Type: flat.TypeText}
		allInt, allDec, allDate := true, true, true
		distinct := map[string]struct{}{}
		for _, r := range rows {
			if i >= len(r) || len(r) != len(header) {
				continue
			}
			v := strings.TrimSpace(r[i])
			if v == "" {
				continue
			}
			c.NonEmpty++
			distinct[v] = struct{}{}

			if allInt && (flat.Integer(v) == nil || leadingZero(v)) {
				allInt = false
			}
			if allDec && flat.Decimal(v) == nil {
				allDec = false
			}
			if allDate {
				_, d := dayFirst.Parse(v)
				_, m := monthFirst.Parse(v)
				switch {
				case !d && !m:
					allDate = false
				case strings.Contains(v, "/"):
					slashed++
					if d && !m {
						dayOnly++
					}
					if m && !d {
						monthOnly++
					}
				}
			}
		}
		c.Distinct = len(distinct)
		if c.NonEmpty > 0 {
			switch {
			case allInt:
				c.Type = flat.TypeInteger
			case allDate:
				c.Type = flat.TypeDate
			case allDec:
				c.Type = flat.TypeDecimal
			}
		}
		cols[i] = c
	}
	// Ambiguous slashed dates are read day first, as French extracts write them.
	return cols, slashed > 0 && dayOnly >= monthOnly
}

// leadingZero marks codes such as "007" that must stay text.
func leadingZero(v string) bool {
	return len(v) > 1 && v[0] == '0' && v[1] != '.' && v[1] != ','
}

func missing(set config.StarSchema, header []string) []string {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[strings.ToLower(h)] = struct{}{}
	}
	var out []string
	for _, c := range quality.SourceColumns(set) {
		if _, ok := have[strings.ToLower(strings.TrimSpace(c))]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// WriteText renders r as a settings line followed by an aligned column table.
func WriteText(w io.Writer, r Result) error {
	fmt.Fprintf(w, "comma=%q encoding=%s day_first=%t sample_rows=%d\n", r.Comma, r.Encoding, r.DayFirst, r.SampleRows)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HEADER\tTYPE\tNON EMPTY\tDISTINCT")
	for _, c := range r.Columns {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", c.Header, c.Type, c.NonEmpty, c.Distinct)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, m := range r.Missing {
		fmt.Fprintf(w, "missing: %s\n", m)
	}
	return nil
}
