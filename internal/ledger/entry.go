package ledger

import (
	"errors"
	"sort"
	"time"
)

// Outcome is the committed result for a subject in one batch.
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeFailed   Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeUploaded || o == OutcomeFailed
}

var (
	// ErrCorrupt marks a processed or temp log that cannot be parsed.
	ErrCorrupt = errors.New("ledger corrupt")
	// ErrLocked marks lock contention with another active run.
	ErrLocked = errors.New("another run is active")
)

// Entry is one processed log record.
type Entry struct {
	Subject    string
	Status     Outcome
	RecordedAt time.Time
	// Attempts is the number of failures counted against the subject's retry
	// budget up to and including this entry.
	Attempts int
	RunID    string
	Reason   string
}

// State indexes processed log entries by subject, keeping the latest entry.
type State struct {
	latest map[string]Entry
	total  int
}

// NewState builds a State from entries in append order.
func NewState(entries []Entry) *State {
	s := &State{latest: make(map[string]Entry, len(entries))}
	s.Record(entries...)
	return s
}

// Record applies newly committed entries.
func (s *State) Record(entries ...Entry) {
	for _, e := range entries {
		s.latest[e.Subject] = e
		s.total++
	}
}

// Latest returns the most recent entry for subject.
func (s *State) Latest(subject string) (Entry, bool) {
	e, ok := s.latest[subject]
	return e, ok
}

// Uploaded reports whether the subject's latest outcome is uploaded.
func (s *State) Uploaded(subject string) bool {
	e, ok := s.latest[subject]
	return ok && e.Status == OutcomeUploaded
}

// Attempts returns the counted failures recorded for subject.
func (s *State) Attempts(subject string) int {
	return s.latest[subject].Attempts
}

// Exhausted reports whether subject has failed at least maxAttempts times
// without a later successful upload.
func (s *State) Exhausted(subject string, maxAttempts int) bool {
	e, ok := s.latest[subject]
	return ok && e.Status == OutcomeFailed && maxAttempts > 0 && e.Attempts >= maxAttempts
}

// Len returns the number of distinct subjects.
func (s *State) Len() int { return len(s.latest) }

// Total returns the number of entries applied.
func (s *State) Total() int { return s.total }

// Subjects returns the latest entry of every subject ordered by subject id.
func (s *State) Subjects() []Entry {
	out := make([]Entry, 0, len(s.latest))
	for _, e := range s.latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// LastRun returns the entry with the most recent RecordedAt.
func (s *State) LastRun() (Entry, bool) {
	var (
		last  Entry
		found bool
	)
	for _, e := range s.latest {
		if !found || e.RecordedAt.After(last.RecordedAt) {
			last, found = e, true
		}
	}
	return last, found
}
