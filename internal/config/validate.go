package config

import (
	"fmt"
	"strings"

	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is a dotted location in the config,
// e.g. sets[0].dimensions[1].natural_key.source.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var (
	knownStorageKinds = map[string]bool{"postgres": true, "sqlite": true, "mssql": true}
	knownMetrics      = map[string]bool{"": true, "none": true, "datadog": true, "pushgateway": true}
	knownEncodings    = map[string]bool{"utf-8": true, "utf8": true, "windows-1252": true, "cp1252": true, "iso-8859-1": true, "latin1": true, "auto": true}
	knownValueTypes   = map[string]bool{"": true, flat.TypeText: true, flat.TypeInteger: true, flat.TypeDecimal: true, flat.TypeDate: true}
	knownOrders       = map[string]bool{"": true, OrderSource: true, OrderSorted: true, OrderChronological: true}
	calendarDerives   = map[string]bool{DeriveYear: true, DeriveMonth: true, DeriveDay: true, DeriveQuarter: true}
)

// ValidatePipeline checks the structure of p. Source columns are checked
// later against the actual extract header.
func ValidatePipeline(p Pipeline) []Issue {
	var v validator

	if p.Runtime.ChunkSize <= 0 {
		v.errorf("runtime.chunk_size", "must be > 0 (got %d)", p.Runtime.ChunkSize)
	}
	if p.Runtime.MaxRejectRatio < 0 || p.Runtime.MaxRejectRatio > 1 {
		v.errorf("runtime.max_reject_ratio", "must be within [0,1] (got %g)", p.Runtime.MaxRejectRatio)
	}
	if p.Runtime.ConnectRetries < 0 {
		v.errorf("runtime.connect_retries", "must be >= 0")
	}
	if p.Storage.Kind != "" && !knownStorageKinds[p.Storage.Kind] {
		v.errorf("storage.kind", "unsupported kind %q", p.Storage.Kind)
	}
	if !knownMetrics[p.Metrics.Backend] {
		v.warnf("metrics.backend", "unknown backend %q; metrics will be disabled", p.Metrics.Backend)
	}
	if len(p.Sets) == 0 {
		v.errorf("sets", "at least one star schema is required")
	}

	setNames := map[string]bool{}
	for i, s := range p.Sets {
		path := fmt.Sprintf("sets[%d]", i)
		name := strings.ToLower(s.Name)
		switch {
		case name == "":
			v.errorf(path+".name", "is required")
		case setNames[name]:
			v.errorf(path+".name", "duplicate set %q", s.Name)
		}
		setNames[name] = true
		validateSet(&v, path, s)
	}
	return v.issues
}

// ValidateStorage checks the settings needed to load into a store.
func ValidateStorage(p Pipeline) []Issue {
	var v validator
	if p.Storage.Kind == "" {
		v.errorf("storage.kind", "is required to load")
	}
	if strings.TrimSpace(p.Storage.DSN) == "" {
		v.errorf("storage.dsn", "is required to load (is the env variable set?)")
	}
	return v.issues
}

// Err folds error-severity issues into one fatal configuration error.
func Err(issues []Issue) error {
	var msgs []string
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	return etlerr.Issues(msgs)
}

func validateSet(v *validator, path string, s StarSchema) {
	if s.Source.Path == "" {
		v.errorf(path+".source.path", "is required")
	}
	switch s.Source.Format {
	case "csv", "xlsx":
	default:
		v.errorf(path+".source.format", "must be csv or xlsx (got %q)", s.Source.Format)
	}
	if s.Source.Encoding != "" && !knownEncodings[strings.ToLower(s.Source.Encoding)] {
		v.errorf(path+".source.encoding", "unsupported encoding %q", s.Source.Encoding)
	}
	if len([]rune(s.Source.Comma)) > 1 && s.Source.Comma != `\t` && !strings.EqualFold(s.Source.Comma, "auto") {
		v.errorf(path+".source.comma", "must be a single character")
	}

	tables := map[string]bool{}
	dims := map[string]DimensionConfig{}
	for j, d := range s.Dimensions {
		dp := fmt.Sprintf("%s.dimensions[%d]", path, j)
		if d.Table == "" {
			v.errorf(dp+".table", "is required")
		} else if tables[d.Table] {
			v.errorf(dp+".table", "duplicate table %q", d.Table)
		}
		tables[d.Table] = true
		dims[d.Table] = d
		validateDimension(v, dp, d)
	}
	if len(s.Dimensions) == 0 {
		v.errorf(path+".dimensions", "at least one dimension is required")
	}

	for j, d := range s.Dimensions {
		for k, pr := range d.Parents {
			pp := fmt.Sprintf("%s.dimensions[%d].parents[%d]", path, j, k)
			if _, ok := dims[pr.Dimension]; !ok {
				v.errorf(pp+".dimension", "unknown dimension %q", pr.Dimension)
			} else if pr.Dimension == d.Table {
				v.errorf(pp+".dimension", "dimension %q references itself", d.Table)
			}
			if pr.Column == "" {
				v.errorf(pp+".column", "is required")
			}
			if pr.Source == "" {
				v.errorf(pp+".source", "is required")
			}
		}
	}
	if _, err := DimensionOrder(s); err != nil {
		v.errorf(path+".dimensions", "%v", err)
	}

	fp := path + ".fact"
	f := s.Fact
	if f.Table == "" {
		v.errorf(fp+".table", "is required")
	} else if tables[f.Table] {
		v.errorf(fp+".table", "table %q is also a dimension", f.Table)
	}
	if len(f.Columns) == 0 {
		v.errorf(fp+".columns", "at least one column is required")
	}
	cols := map[string]bool{}
	for k, c := range f.Columns {
		cp := fmt.Sprintf("%s.columns[%d]", fp, k)
		if c.Column == "" {
			v.errorf(cp+".column", "is required")
		} else if cols[c.Column] {
			v.errorf(cp+".column", "duplicate column %q", c.Column)
		}
		cols[c.Column] = true
		if c.Source == "" {
			v.errorf(cp+".source", "is required")
		}
		if c.Dimension != "" {
			if _, ok := dims[c.Dimension]; !ok {
				v.errorf(cp+".dimension", "unknown dimension %q", c.Dimension)
			}
		} else if !knownValueTypes[c.Type] {
			v.errorf(cp+".type", "unsupported type %q", c.Type)
		}
	}
	switch f.Mode {
	case ModeReplace, "":
	case ModeAppend:
		if len(f.DocumentKey) == 0 {
			v.warnf(fp+".document_key", "append mode without a document key may duplicate rows on rerun")
		}
	default:
		v.errorf(fp+".mode", "must be replace or append (got %q)", f.Mode)
	}
	for _, k := range f.DocumentKey {
		if !cols[k] {
			v.errorf(fp+".document_key", "unknown fact column %q", k)
		}
	}
}

func validateDimension(v *validator, dp string, d DimensionConfig) {
	if d.SurrogateKey == "" {
		v.errorf(dp+".surrogate_key", "is required")
	}
	nk := d.NaturalKey
	if nk.Column == "" {
		v.errorf(dp+".natural_key.column", "is required")
	}
	if nk.Source == "" {
		v.errorf(dp+".natural_key.source", "is required")
	}
	switch nk.Type {
	case "", flat.TypeText, flat.TypeDate:
	default:
		v.errorf(dp+".natural_key.type", "must be text or date (got %q)", nk.Type)
	}
	if !knownOrders[d.Order] {
		v.errorf(dp+".order", "unsupported order %q", d.Order)
	}
	if d.Order == OrderChronological && nk.Type != flat.TypeDate {
		v.errorf(dp+".order", "chronological order needs a date natural key")
	}

	seen := map[string]bool{d.SurrogateKey: true, nk.Column: true}
	for k, a := range d.Attributes {
		ap := fmt.Sprintf("%s.attributes[%d]", dp, k)
		if a.Column == "" {
			v.errorf(ap+".column", "is required")
		} else if seen[a.Column] {
			v.errorf(ap+".column", "duplicate column %q", a.Column)
		}
		seen[a.Column] = true
		switch {
		case a.Source != "" && a.Derive != "":
			v.errorf(ap, "source and derive are exclusive")
		case a.Source == "" && a.Derive == "":
			v.errorf(ap, "one of source or derive is required")
		case a.Derive == DeriveCode:
		case calendarDerives[a.Derive]:
			if nk.Type != flat.TypeDate {
				v.errorf(ap+".derive", "%s needs a date natural key", a.Derive)
			}
		case a.Derive != "":
			v.errorf(ap+".derive", "unsupported derive %q", a.Derive)
		}
		if !knownValueTypes[a.Type] {
			v.errorf(ap+".type", "unsupported type %q", a.Type)
		}
	}
	for k, p := range d.Parents {
		if seen[p.Column] {
			v.errorf(fmt.Sprintf("%s.parents[%d].column", dp, k), "duplicate column %q", p.Column)
		}
		seen[p.Column] = true
	}
}

// DimensionOrder returns the set's dimensions so that every parent precedes
// its children; ties keep configuration order.
func DimensionOrder(s StarSchema) ([]DimensionConfig, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(s.Dimensions))
	byTable := make(map[string]DimensionConfig, len(s.Dimensions))
	for _, d := range s.Dimensions {
		byTable[d.Table] = d
	}

	out := make([]DimensionConfig, 0, len(s.Dimensions))
	var visit func(d DimensionConfig, chain []string) error
	visit = func(d DimensionConfig, chain []string) error {
		switch state[d.Table] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dimension cycle: %s", strings.Join(append(chain, d.Table), " -> "))
		}
		state[d.Table] = visiting
		for _, p := range d.Parents {
			parent, ok := byTable[p.Dimension]
			if !ok || parent.Table == d.Table {
				continue
			}
			if err := visit(parent, append(chain, d.Table)); err != nil {
				return err
			}
		}
		state[d.Table] = done
		out = append(out, d)
		return nil
	}
	for _, d := range s.Dimensions {
		if err := visit(d, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type validator struct {
	issues []Issue
}

func (v *validator) errorf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warnf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}
