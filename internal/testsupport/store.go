package testsupport

import (
	"context"
	"testing"

	"maskbatch/internal/config"
	"maskbatch/internal/ledger"
)

// MustOpenLedger opens the configured processed log and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// LedgerEntries returns every entry of store in append order.
func LedgerEntries(t testing.TB, store ledger.Store) []ledger.Entry {
	t.Helper()

	entries, err := store.Entries(context.Background())
	if err != nil {
		t.Fatalf("ledger entries: %v", err)
	}
	return entries
}

// LatestOutcomes maps each subject to the outcome of its latest entry.
func LatestOutcomes(t testing.TB, store ledger.Store) map[string]ledger.Outcome {
	t.Helper()

	out := make(map[string]ledger.Outcome)
	for _, e := range LedgerEntries(t, store) {
		out[e.Subject] = e.Status
	}
	return out
}
