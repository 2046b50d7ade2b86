package preflight

import (
	"context"
	"fmt"
	"path/filepath"

	"maskbatch/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(_ context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Local data root", cfg.LocalDataRoot))
	results = append(results, CheckDirectoryAccess("Additional files", cfg.AdditionalFilesLoc))
	results = append(results, CheckDirectoryAccess("Log directory", filepath.Dir(cfg.LogLoc)))
	results = append(results, CheckFreeSpace("Free space", cfg.LocalDataRoot, uint64(cfg.MinFreeGiB)))
	results = append(results, CheckReadable("Case list", cfg.CaselistFile, false))
	results = append(results, CheckReadable("Model folder", cfg.ModelFolder, true))

	if cfg.Processing.MaskingScript != "" {
		results = append(results, CheckReadable("Masking script", cfg.Processing.MaskingScript, false))
	} else {
		results = append(results, CheckReadable("Pipeline directory", cfg.Processing.PipelineDir, true))
		for _, step := range cfg.Processing.Steps {
			name := fmt.Sprintf("Step %s", step.Script)
			results = append(results, CheckReadable(name, filepath.Join(cfg.Processing.PipelineDir, step.Script), false))
		}
	}

	return append(results, CheckTools(cfg)...)
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}
