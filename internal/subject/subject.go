package subject

import (
	"fmt"
	"strings"
	"time"
)

// Status is a subject's position in the batch lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStaged    Status = "staged"
	StatusProcessed Status = "processed"
	StatusUploaded  Status = "uploaded"
	StatusLogged    Status = "logged"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusStaged, StatusFailed},
	StatusStaged:    {StatusProcessed, StatusFailed},
	StatusProcessed: {StatusUploaded, StatusFailed},
	StatusUploaded:  {StatusLogged, StatusFailed},
}

// IsTerminal reports whether a subject in this status is ready for the
// processed log commit.
func (s Status) IsTerminal() bool {
	return s == StatusUploaded || s == StatusFailed || s == StatusLogged
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Subject is one unit of work: a single participant's diffusion data.
type Subject struct {
	ID        string
	Base      string
	Status    Status
	Reason    string
	Err       error
	Attempt   int
	UpdatedAt time.Time
}

// New builds a pending subject from a case list entry. The appendage is added
// when the entry does not already contain it; Base is the portion of the ID
// before the appendage and prefixes every file name of the subject.
func New(entry, appendage string) *Subject {
	id := strings.TrimSpace(entry)
	base := id
	if appendage != "" {
		if idx := strings.Index(id, appendage); idx >= 0 {
			base = id[:idx]
		} else {
			id += appendage
		}
	}
	return &Subject{ID: id, Base: base, Status: StatusPending, UpdatedAt: time.Now().UTC()}
}

// Advance moves the subject to next, rejecting transitions that skip steps or
// leave a terminal state.
func (s *Subject) Advance(next Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("subject %s: illegal transition %s -> %s", s.ID, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the subject failed with err. Failing an already failed or logged
// subject is a no-op so the first recorded cause wins.
func (s *Subject) Fail(err error) {
	if s.Status == StatusFailed || s.Status == StatusLogged {
		return
	}
	s.Status = StatusFailed
	s.Err = err
	if err != nil {
		s.Reason = err.Error()
	}
	s.UpdatedAt = time.Now().UTC()
}

// Batch is a bounded group of subjects processed together.
type Batch struct {
	Index      int
	Subjects   []*Subject
	StartedAt  time.Time
	FinishedAt time.Time
}

// InStatus returns the subjects currently in status.
func (b *Batch) InStatus(status Status) []*Subject {
	var out []*Subject
	for _, s := range b.Subjects {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// AllTerminal reports whether every subject has reached a committable status.
func (b *Batch) AllTerminal() bool {
	for _, s := range b.Subjects {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// IDs returns the subject identifiers in batch order.
func (b *Batch) IDs() []string {
	ids := make([]string, 0, len(b.Subjects))
	for _, s := range b.Subjects {
		ids = append(ids, s.ID)
	}
	return ids
}

// Counts tallies subjects by status.
func (b *Batch) Counts() map[Status]int {
	counts := make(map[Status]int, len(b.Subjects))
	for _, s := range b.Subjects {
		counts[s.Status]++
	}
	return counts
}
