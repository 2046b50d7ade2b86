package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"maskbatch/internal/config"
	"maskbatch/internal/ledger"
	"maskbatch/internal/subject"
)

type statusSubject struct {
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Exhausted  bool      `json:"exhausted,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	RunID      string    `json:"run_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type statusSummary struct {
	Log         string          `json:"log"`
	Entries     int             `json:"entries"`
	Uploaded    int             `json:"uploaded"`
	Failed      int             `json:"failed"`
	Exhausted   int             `json:"exhausted"`
	MaxAttempts int             `json:"max_attempts"`
	LastRun     string          `json:"last_run,omitempty"`
	InFlight    *inFlightBatch  `json:"in_flight,omitempty"`
	Subjects    []statusSubject `json:"subjects"`
}

type inFlightBatch struct {
	RunID     string `json:"run_id"`
	Batch     int    `json:"batch"`
	Subjects  int    `json:"subjects"`
	Uploaded  int    `json:"uploaded"`
	Committed int    `json:"committed"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise the processed log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			summary, err := loadStatus(cmd, cfg)
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, summary)
			}
			printStatus(cmd, summary)
			return nil
		},
	}
}

func loadStatus(cmd *cobra.Command, cfg *config.Config) (statusSummary, error) {
	// Status never creates a processed log.
	readOnly := *cfg
	readOnly.DryRun = true
	store, err := ledger.Open(&readOnly)
	if err != nil {
		return statusSummary{}, err
	}
	defer store.Close()
	state, err := ledger.Load(cmd.Context(), store)
	if err != nil {
		return statusSummary{}, fmt.Errorf("load processed log: %w", err)
	}

	summary := statusSummary{
		Log:         cfg.LogLoc,
		Entries:     state.Total(),
		MaxAttempts: cfg.MaxAttempts,
		Subjects:    []statusSubject{},
	}
	for _, e := range state.Subjects() {
		row := statusSubject{
			Subject:    e.Subject,
			Status:     string(e.Status),
			Attempts:   e.Attempts,
			Exhausted:  state.Exhausted(e.Subject, cfg.MaxAttempts),
			RecordedAt: e.RecordedAt,
			RunID:      e.RunID,
			Reason:     e.Reason,
		}
		switch e.Status {
		case ledger.OutcomeUploaded:
			summary.Uploaded++
		case ledger.OutcomeFailed:
			summary.Failed++
		}
		if row.Exhausted {
			summary.Exhausted++
		}
		summary.Subjects = append(summary.Subjects, row)
	}
	if last, ok := state.LastRun(); ok {
		summary.LastRun = last.RunID
	}

	snapshot, err := ledger.NewFileTempLog(cfg.TempLogLoc).Load()
	if err != nil {
		return statusSummary{}, err
	}
	if snapshot != nil {
		summary.InFlight = &inFlightBatch{
			RunID:     snapshot.RunID,
			Batch:     snapshot.Batch,
			Subjects:  len(snapshot.Subjects),
			Uploaded:  len(snapshot.InStatus(string(subject.StatusUploaded))),
			Committed: len(snapshot.InStatus(string(subject.StatusLogged))),
		}
	}
	return summary, nil
}

func printStatus(cmd *cobra.Command, summary statusSummary) {
	out := cmd.OutOrStdout()
	if len(summary.Subjects) == 0 {
		fmt.Fprintf(out, "No subjects recorded in %s\n", summary.Log)
	} else {
		rows := make([][]string, 0, len(summary.Subjects))
		for _, s := range summary.Subjects {
			status := s.Status
			if s.Exhausted {
				status += " (exhausted)"
			}
			rows = append(rows, []string{
				s.Subject,
				status,
				strconv.Itoa(s.Attempts),
				s.RecordedAt.Local().Format("2006-01-02 15:04"),
				s.Reason,
			})
		}
		fmt.Fprint(out, renderTable(tableSpec{
			Headers: []string{"Subject", "Status", "Attempts", "Recorded", "Reason"},
			Rows:    rows,
			Aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			Footer:  []string{fmt.Sprintf("%d subjects", len(rows)), "", "", "", ""},
		}))
	}
	fmt.Fprintf(out, "Uploaded: %d  Failed: %d  Exhausted: %d (max_attempts %d)\n",
		summary.Uploaded, summary.Failed, summary.Exhausted, summary.MaxAttempts)
	if summary.LastRun != "" {
		fmt.Fprintf(out, "Last run: %s\n", summary.LastRun)
	}
	if summary.InFlight != nil {
		f := summary.InFlight
		fmt.Fprintf(out, "Interrupted batch %d of run %s (%d subjects, %d uploaded awaiting commit, %d committed) is reconciled on the next run\n",
			f.Batch, f.RunID, f.Subjects, f.Uploaded, f.Committed)
	}
}
