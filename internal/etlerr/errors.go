// Package etlerr defines the typed error taxonomy shared by the transformation
// and load stages.
//
// Callers (CLI, report) decide pass/fail with IsFatal and KindOf instead of
// parsing error text.
package etlerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig: missing natural-key column, unknown table in the load mapping,
	// invalid option. Always fatal, raised before any I/O.
	KindConfig
	// KindConnectivity: the target store cannot be reached. Always fatal.
	KindConnectivity
	// KindUnresolvedReference: a fact natural key was absent or unmatched and was
	// attributed to the unknown member. Recovered.
	KindUnresolvedReference
	// KindReferentialViolation: a foreign key not present in the referenced
	// dimension. Recovered (row rejected) unless a reject threshold is exceeded.
	KindReferentialViolation
	// KindTableWrite: a write against one table failed. Reported; fatal for
	// dimensions and under halt-on-error.
	KindTableWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnectivity:
		return "connectivity"
	case KindUnresolvedReference:
		return "unresolved_reference"
	case KindReferentialViolation:
		return "referential_violation"
	case KindTableWrite:
		return "table_write"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Table, Column and Sample are optional context.
type Error struct {
	Kind   Kind
	Fatal  bool
	Op     string
	Table  string
	Column string
	Sample []any
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Table != "" {
		b.WriteString(" table=")
		b.WriteString(e.Table)
	}
	if e.Column != "" {
		b.WriteString(" column=")
		b.WriteString(e.Column)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Configf returns a fatal configuration error.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Fatal: true, Err: fmt.Errorf(format, args...)}
}

// Connectivity wraps err as a fatal connectivity error.
func Connectivity(op string, err error) *Error {
	return &Error{Kind: KindConnectivity, Fatal: true, Op: op, Err: err}
}

// TableWrite wraps a write failure on one table. sample is the first row of
// the failed chunk, if any.
func TableWrite(table string, fatal bool, sample []any, err error) *Error {
	return &Error{Kind: KindTableWrite, Fatal: fatal, Op: "write", Table: table, Sample: sample, Err: err}
}

// ReferentialViolation reports rejected rows on a fact table. It is fatal only
// when a reject threshold was exceeded.
func ReferentialViolation(table string, fatal bool, err error) *Error {
	return &Error{Kind: KindReferentialViolation, Fatal: fatal, Op: "stage", Table: table, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the run. Unclassified errors are
// treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return true
}

// Issues joins validation problems into one fatal configuration error.
// It returns nil when issues is empty.
func Issues(issues []string) error {
	if len(issues) == 0 {
		return nil
	}
	return &Error{
		Kind:  KindConfig,
		Fatal: true,
		Op:    "validate",
		Err:   errors.New(strings.Join(issues, "; ")),
	}
}
