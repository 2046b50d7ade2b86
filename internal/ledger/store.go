package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"maskbatch/internal/config"
)

// Store is the processed log. Append must write all entries or none.
type Store interface {
	Entries(ctx context.Context) ([]Entry, error)
	Append(ctx context.Context, entries []Entry) error
	Path() string
	Close() error
}

// Open returns the processed log backend selected by cfg.Ledger.Backend.
// A dry run never creates a processed log: when the configured log does not
// exist yet an empty in-memory store is returned instead.
func Open(cfg *config.Config) (Store, error) {
	if cfg.DryRun {
		if _, err := os.Stat(cfg.LogLoc); errors.Is(err, fs.ErrNotExist) {
			return NewMemoryStore(), nil
		}
	}
	switch cfg.Ledger.Backend {
	case "", "file":
		return NewFileStore(cfg.LogLoc), nil
	case "sqlite":
		return OpenSQLite(context.Background(), cfg.LogLoc)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// Load reads every entry from store and indexes it.
func Load(ctx context.Context, store Store) (*State, error) {
	entries, err := store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return NewState(entries), nil
}

// MemoryStore keeps entries in memory. It backs dry runs without a processed
// log on disk.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Entries(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Path() string { return "" }

func (m *MemoryStore) Close() error { return nil }

func validateEntry(e Entry) error {
	if e.Subject == "" {
		return errors.New("ledger entry has no subject")
	}
	if strings.ContainsAny(e.Subject, "\t\r\n") {
		return fmt.Errorf("ledger entry subject %q contains control characters", e.Subject)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("ledger entry for %s has invalid status %q", e.Subject, e.Status)
	}
	if e.Attempts < 0 {
		return fmt.Errorf("ledger entry for %s has negative attempts", e.Subject)
	}
	return nil
}
