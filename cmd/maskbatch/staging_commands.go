package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"maskbatch/internal/batch"
	"maskbatch/internal/config"
	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/staging"
)

type localArea struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

func localAreas(cfg *config.Config) []localArea {
	layout := batch.LayoutFromConfig(cfg)
	return []localArea{
		{Name: "staging", Dir: layout.StagingRoot()},
		{Name: "processed", Dir: layout.ProcessedRoot()},
		{Name: "additional", Dir: cfg.AdditionalFilesLoc},
	}
}

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Manage preserved local subject directories",
	}

	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingCleanCommand(ctx))

	return stagingCmd
}

type stagingDir struct {
	Area    string    `json:"area"`
	Subject string    `json:"subject"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size_bytes"`
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subject directories kept on local disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var dirs []stagingDir
			var totalSize int64
			for _, area := range localAreas(cfg) {
				infos, err := staging.ListDirectories(area.Dir)
				if err != nil {
					return fmt.Errorf("list %s directories: %w", area.Name, err)
				}
				for _, info := range infos {
					dirs = append(dirs, stagingDir{
						Area:    area.Name,
						Subject: info.Name,
						Path:    info.Path,
						ModTime: info.ModTime,
						Size:    info.Size,
					})
					totalSize += info.Size
				}
			}

			if ctx.JSONMode() {
				if dirs == nil {
					dirs = []stagingDir{}
				}
				return writeJSON(cmd, map[string]any{
					"directories":      dirs,
					"total_size_bytes": totalSize,
				})
			}

			out := cmd.OutOrStdout()
			if len(dirs) == 0 {
				fmt.Fprintln(out, "No subject directories found")
				return nil
			}
			rows := make([][]string, 0, len(dirs))
			for _, dir := range dirs {
				age := time.Since(dir.ModTime).Truncate(time.Minute)
				rows = append(rows, []string{dir.Area, dir.Subject, formatDuration(age), logging.FormatBytes(dir.Size)})
			}
			fmt.Fprint(out, renderTable(tableSpec{
				Headers: []string{"Area", "Subject", "Age", "Size"},
				Rows:    rows,
				Aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
			}))
			fmt.Fprintf(out, "Total: %d directories, %s\n", len(dirs), logging.FormatBytes(totalSize))
			return nil
		},
	}
}

func newStagingCleanCommand(ctx *commandContext) *cobra.Command {
	var cleanAll bool
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover directories of uploaded subjects",
		Long: `Remove local directories left behind for subjects the processed log
records as uploaded.

Directories of failed subjects are preserved for inspection and retry. Use
--all to remove every subject directory regardless of its outcome, and
--older-than to limit either mode to directories untouched for that long.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock, err := ledger.AcquireLock(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Release() //nolint:errcheck

			readOnly := *cfg
			readOnly.DryRun = true
			store, err := ledger.Open(&readOnly)
			if err != nil {
				return err
			}
			defer store.Close()
			state, err := ledger.Load(cmd.Context(), store)
			if err != nil {
				return fmt.Errorf("load processed log: %w", err)
			}

			remove := func(info staging.DirInfo) bool {
				if olderThan > 0 && time.Since(info.ModTime) < olderThan {
					return false
				}
				return cleanAll || state.Uploaded(info.Name)
			}
			result := staging.CleanResult{}
			for _, area := range localAreas(cfg) {
				if cleanAll && olderThan > 0 {
					result.Merge(staging.CleanStale(cmd.Context(), area.Dir, olderThan, logging.NewNop()))
					continue
				}
				result.Merge(staging.Clean(cmd.Context(), area.Dir, remove, logging.NewNop()))
			}

			if ctx.JSONMode() {
				return writeStagingCleanJSON(cmd, result)
			}
			label := "uploaded-subject"
			if cleanAll {
				label = "subject"
			}
			printStagingCleanResult(cmd, result, label)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cleanAll, "all", false, "Remove every subject directory, including failed subjects")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only remove directories not modified within this duration")

	return cmd
}

func printStagingCleanResult(cmd *cobra.Command, result staging.CleanResult, label string) {
	out := cmd.OutOrStdout()
	if len(result.Removed) == 0 && len(result.Errors) == 0 {
		fmt.Fprintf(out, "No %s directories to clean\n", label)
		return
	}
	fmt.Fprintf(out, "Removed %d %s directories", len(result.Removed), label)
	if len(result.Errors) > 0 {
		fmt.Fprintf(out, ", %d errors", len(result.Errors))
	}
	fmt.Fprintln(out)
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  Error: %s: %v\n", e.Path, e.Error)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	days := int(d.Hours() / 24)
	return fmt.Sprintf("%dd", days)
}

func writeStagingCleanJSON(cmd *cobra.Command, result staging.CleanResult) error {
	errs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, fmt.Sprintf("%s: %v", e.Path, e.Error))
	}
	return writeJSON(cmd, map[string]any{
		"removed": len(result.Removed),
		"errors":  errs,
	})
}
