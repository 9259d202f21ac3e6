package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"sagestar/internal/flat"
)

// Options control how an extract is read.
type Options struct {
	// Comma is the field separator; zero means ','.
	Comma rune
	// Encoding of the file: utf-8 (default), windows-1252 or iso-8859-1.
	Encoding   string
	LazyQuotes bool
	// OnError receives malformed records; they are skipped. Nil drops them
	// silently.
	OnError func(line int, err error)
}

// ReadTable reads a headered CSV extract into a flat table. Cells are trimmed
// and empty cells become nil. A UTF-8 BOM on the header is removed. src is
// closed before returning.
func ReadTable(ctx context.Context, name string, src io.ReadCloser, opt Options) (*flat.Table, error) {
	defer src.Close()

	r, err := decoded(src, opt.Encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("read header: empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	tbl := flat.NewTable(name, hdr)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return tbl, nil
		}
		if err != nil {
			if opt.OnError != nil {
				line := 0
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					line = pe.StartLine
				}
				opt.OnError(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}
		line, _ := cr.FieldPos(0)
		if blank(rec) {
			continue
		}

		row := make([]any, len(rec))
		for i, v := range rec {
			v = strings.TrimSpace(v)
			if v == "" {
				row[i] = nil
			} else {
				row[i] = v
			}
		}
		tbl.Append(line, row)
	}
}

func decoded(r io.Reader, enc string) (io.Reader, error) {
	var e encoding.Encoding
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "utf-8", "utf8":
		return r, nil
	case "windows-1252", "cp1252":
		e = charmap.Windows1252
	case "iso-8859-1", "latin1":
		e = charmap.ISO8859_1
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	return transform.NewReader(r, e.NewDecoder()), nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
