package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"maskbatch/internal/fileutil"
)

// TempSubject is the in-flight state of one subject.
//
// Additional is set once the subject's additional files were uploaded, or
// there were none, so their local directory may be removed.
type TempSubject struct {
	ID         string `json:"id"`
	Base       string `json:"base"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Counted    bool   `json:"counted,omitempty"`
	Additional bool   `json:"additional,omitempty"`
	Attempts   int    `json:"attempts"`
}

// Snapshot is the temp log content for the batch in flight.
type Snapshot struct {
	RunID     string        `json:"run_id"`
	Batch     int           `json:"batch"`
	Offset    int           `json:"offset"`
	UpdatedAt time.Time     `json:"updated_at"`
	Subjects  []TempSubject `json:"subjects"`
}

// InStatus returns the snapshot subjects whose status equals status.
func (s *Snapshot) InStatus(status string) []TempSubject {
	var out []TempSubject
	for _, subj := range s.Subjects {
		if subj.Status == status {
			out = append(out, subj)
		}
	}
	return out
}

// TempLog stores the in-flight batch snapshot.
type TempLog interface {
	Save(snapshot Snapshot) error
	// Load returns nil when no batch was in flight.
	Load() (*Snapshot, error)
	Reset() error
	Path() string
}

// FileTempLog keeps the snapshot as JSON, replaced atomically on every save.
type FileTempLog struct {
	path string
}

// NewFileTempLog returns a temp log at path.
func NewFileTempLog(path string) *FileTempLog {
	return &FileTempLog{path: path}
}

func (t *FileTempLog) Path() string { return t.path }

func (t *FileTempLog) Save(snapshot Snapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode temp log: %w", err)
	}
	if err := fileutil.WriteFileAtomic(t.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp log: %w", err)
	}
	return nil
}

func (t *FileTempLog) Load() (*Snapshot, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read temp log: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, t.path, err)
	}
	for i, subj := range snapshot.Subjects {
		if subj.ID == "" || subj.Status == "" {
			return nil, fmt.Errorf("%w: %s: subject %d is incomplete", ErrCorrupt, t.path, i)
		}
	}
	if len(snapshot.Subjects) == 0 {
		return nil, nil
	}
	return &snapshot, nil
}

// Reset truncates the temp log so the next startup sees no batch in flight.
func (t *FileTempLog) Reset() error {
	if err := fileutil.WriteFileAtomic(t.path, nil, 0o644); err != nil {
		return fmt.Errorf("reset temp log: %w", err)
	}
	return nil
}
