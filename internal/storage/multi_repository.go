package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MultiConfig is the minimal configuration needed to create a multi-table repository.
//
// When to use:
//   - Use MultiConfig when constructing a MultiRepository via NewMulti.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Ledger asks backends that implement RunRecorder to migrate their run tables.
//
// Errors:
//   - NewMulti returns an error if Kind is empty or unsupported.
type MultiConfig struct {
	Kind   string
	DSN    string
	Ledger bool
}

// MultiRepository is the backend-agnostic interface the load orchestrator
// drives.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the orchestrator needs. Each backend implements these semantics
// in its own idiomatic way (Postgres ON CONFLICT, SQLite upsert clauses,
// SQL Server UPDATE + INSERT NOT EXISTS, etc).
type MultiRepository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// When to use:
	//   - Always call Close when you are done with the repository to avoid leaks.
	//
	// Edge cases:
	//   - Implementations should be safe to call once at process shutdown.
	//   - Repeated calls may be a no-op or may panic, depending on backend; callers
	//     should treat Close as "call once".
	Close()

	// Ping checks that the store is reachable. The orchestrator retries it
	// before any write.
	Ping(ctx context.Context) error

	// EnsureTables creates schemas, tables and constraints as needed
	// (create-if-not-exists semantics).
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// SelectAllKeyValue returns NormalizeKey(key) -> value for the whole table.
	// Used to read persisted natural key -> surrogate key pairs.
	SelectAllKeyValue(ctx context.Context, table string, keyColumn string, valueColumn string) (map[string]int64, error)

	// UpsertDimensionRows inserts rows whose conflictColumn value is absent and
	// updates every other column of rows whose value is present. rows are
	// aligned to columns; column types drive value casts. It returns the
	// number of rows written.
	//
	// Edge cases:
	//   - Backends chunk internally to respect parameter limits.
	//   - The whole call is one transaction: either every row is written or none.
	UpsertDimensionRows(ctx context.Context, table string, columns []ColumnSpec, rows [][]any, conflictColumn string) (int64, error)

	// BeginFactLoad opens the transaction that loads one fact table through a
	// staging table. See FactLoad.
	BeginFactLoad(ctx context.Context, spec FactLoadSpec) (FactLoad, error)
}

// FactLoadSpec describes one fact table load.
type FactLoadSpec struct {
	// Table is the (possibly schema-qualified) target table.
	Table string
	// Columns are the fact columns, in row order, with their storage types.
	Columns []ColumnSpec
	// ForeignKeys are joined against their referenced tables on promotion;
	// staged rows without a match are rejected.
	ForeignKeys []ForeignKeyRef
	// Replace deletes the current content of Table inside the same
	// transaction before promotion.
	Replace bool
	// DedupeColumns, when set, skips staged rows whose values already exist in
	// Table (append mode).
	DedupeColumns []string
}

// ForeignKeyRef is a fact column and the dimension column it must match.
type ForeignKeyRef struct {
	Column    string
	RefTable  string
	RefColumn string
}

// FactLoad is an open fact-table transaction.
//
// Usage:
//
//	load, err := repo.BeginFactLoad(ctx, spec)
//	for each chunk { err := load.StageChunk(ctx, chunk) ... }
//	res, err := load.Commit(ctx) // or load.Rollback(ctx)
//
// A failed StageChunk rolls back that chunk only (savepoint); the load stays
// usable and the caller decides whether to continue or Rollback.
type FactLoad interface {
	StageChunk(ctx context.Context, rows [][]any) error
	// Commit promotes staged rows into the target with an INNER JOIN on every
	// foreign key, then commits.
	Commit(ctx context.Context) (FactLoadResult, error)
	Rollback(ctx context.Context) error
}

// FactLoadResult counts one promoted fact table.
type FactLoadResult struct {
	// Staged rows made it into the staging table.
	Staged int64
	// Loaded rows were inserted into the target.
	Loaded int64
	// Rejected staged rows had a foreign key with no dimension match.
	Rejected int64
	// Skipped staged rows already existed (append mode with dedupe columns).
	Skipped int64
}

// ---- multi factories ----

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a multi-table backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call RegisterMulti from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by NewMulti.
//
// Edge cases:
//   - kind must be non-empty.
//   - f must be non-nil.
//   - Registering the same kind more than once panics. This is intentional to
//     fail fast and avoid ambiguous backend selection.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// NewMulti constructs a MultiRepository using the registered backend factory.
//
// When to use:
//   - Call NewMulti when running a load and you need a repository for the
//     configured backend kind.
//
// Edge cases:
//   - If cfg.Kind is empty, NewMulti returns an error.
//   - If cfg.Kind is not registered, NewMulti returns an error.
//
// Concurrency:
//   - Safe for concurrent use with RegisterMulti. NewMulti takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported multi storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()

	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
