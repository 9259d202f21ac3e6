package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeMultiRepo struct {
	MultiRepository
	closeCalls int
}

func (f *fakeMultiRepo) Close() { f.closeCalls++ }

func TestRegisterMulti_NewMultiSelectsFactory(t *testing.T) {
	var got MultiConfig
	RegisterMulti("fake-registry-test", func(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
		got = cfg
		return &fakeMultiRepo{}, nil
	})

	repo, err := NewMulti(context.Background(), MultiConfig{Kind: "fake-registry-test", DSN: "x", Ledger: true})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	repo.Close()
	if got.DSN != "x" || !got.Ledger {
		t.Fatalf("factory got %+v", got)
	}

	found := false
	for _, k := range Kinds() {
		if k == "fake-registry-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kinds() = %v, missing registered kind", Kinds())
	}
}

func TestRegisterMulti_DuplicatePanics(t *testing.T) {
	f := func(ctx context.Context, cfg MultiConfig) (MultiRepository, error) { return nil, nil }
	RegisterMulti("fake-dup-test", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	RegisterMulti("fake-dup-test", f)
}

func TestNewMulti_RejectsEmptyAndUnknownKinds(t *testing.T) {
	t.Parallel()

	if _, err := NewMulti(context.Background(), MultiConfig{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := NewMulti(context.Background(), MultiConfig{Kind: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{in: nil, want: ""},
		{in: "  C001 ", want: "C001"},
		{in: []byte("A1"), want: "A1"},
		{in: int64(42), want: "42"},
		{in: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), want: "2024-03-01"},
		{in: "1900-01-01T00:00:00Z", want: "1900-01-01"},
		{in: "2024-03-01 00:00:00", want: "2024-03-01"},
		{in: "Transport 2024-03-01x", want: "Transport 2024-03-01x"},
		{in: decimal.RequireFromString("1.50"), want: "1.5"},
	}
	for _, tc := range tests {
		if got := NormalizeKey(tc.in); got != tc.want {
			t.Fatalf("NormalizeKey(%#v)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestDBRow(t *testing.T) {
	t.Parallel()

	row := DBRow([]any{decimal.RequireFromString("12.50"), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 3, "x", nil})
	want := []any{"12.5", "2024-01-02", int64(3), "x", nil}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("DBRow[%d]=%#v want %#v", i, row[i], want[i])
		}
	}
}

func TestTextValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want any
	}{
		{in: nil, want: nil},
		{in: "abc", want: "abc"},
		{in: int64(-7), want: "-7"},
		{in: 2.5, want: "2.5"},
		{in: decimal.RequireFromString("100.10"), want: "100.1"},
		{in: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), want: "1900-01-01"},
	}
	for _, tc := range tests {
		if got := TextValue(tc.in); got != tc.want {
			t.Fatalf("TextValue(%#v)=%#v want %#v", tc.in, got, tc.want)
		}
	}
}
