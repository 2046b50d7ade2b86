package batch

import (
	"time"

	"maskbatch/internal/subject"
)

// SubjectReport is the final state of one subject in a batch.
type SubjectReport struct {
	ID     string         `json:"id"`
	Status subject.Status `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

// BatchReport summarises one committed batch.
type BatchReport struct {
	Index    int             `json:"index"`
	Subjects []SubjectReport `json:"subjects"`
	Duration time.Duration   `json:"duration"`
}

// PlanEntry is what a live run would do for one subject. Dry runs return
// the full plan without touching remote or local state.
type PlanEntry struct {
	Batch        int    `json:"batch"`
	Subject      string `json:"subject"`
	Action       string `json:"action"`
	RemoteSource string `json:"remote_source"`
	StagingDir   string `json:"staging_dir"`
	RemoteDest   string `json:"remote_dest"`
	Attempts     int    `json:"attempts"`
	Detail       string `json:"detail,omitempty"`
}

const (
	PlanProcess       = "process"
	PlanMissingRemote = "missing_remote"
	PlanUnknown       = "unknown"
)

// Report aggregates the outcome of a run.
type Report struct {
	RunID       string        `json:"run_id"`
	DryRun      bool          `json:"dry_run"`
	Batches     []BatchReport `json:"batches,omitempty"`
	Uploaded    int           `json:"uploaded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Exhausted   []string      `json:"exhausted,omitempty"`
	Reconciled  int           `json:"reconciled"`
	RemovedDirs int           `json:"removed_dirs"`
	Plan        []PlanEntry   `json:"plan,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

func newReport(opts Options) *Report {
	return &Report{RunID: opts.RunID, DryRun: opts.DryRun}
}

func (r *Report) addBatch(b *subject.Batch) BatchReport {
	br := BatchReport{Index: b.Index}
	if !b.FinishedAt.IsZero() {
		br.Duration = b.FinishedAt.Sub(b.StartedAt)
	}
	for _, s := range b.Subjects {
		br.Subjects = append(br.Subjects, SubjectReport{ID: s.ID, Status: s.Status, Reason: s.Reason})
		switch s.Status {
		case subject.StatusLogged, subject.StatusUploaded:
			r.Uploaded++
		case subject.StatusFailed:
			r.Failed++
		}
	}
	r.Batches = append(r.Batches, br)
	return br
}
