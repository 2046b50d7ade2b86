package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"maskbatch/internal/config"
	"maskbatch/internal/logging"
	"maskbatch/internal/manifest"
	"maskbatch/internal/services"
)

// Result is the outcome of processing for one subject.
type Result struct {
	Subject string
	OK      bool
	Missing []string
	Reason  string
}

// Invoker runs the masking pipeline over a written manifest.
type Invoker interface {
	// Run blocks until the pipeline exits and reports a Result for every
	// manifest entry. The returned error describes the invocation itself
	// (non-zero exit, timeout, cancellation); results are still valid unless
	// ctx was cancelled.
	Run(ctx context.Context, m manifest.Manifest, modelFolder string) (map[string]Result, error)
}

// Step is one script of the multi-step pipeline.
type Step struct {
	Script    string
	WithModel bool
}

// Options configures a ScriptInvoker.
type Options struct {
	Interpreter   string
	MaskingScript string
	PipelineDir   string
	Steps         []Step
	NProc         int
	Timeout       time.Duration
}

// OptionsFromConfig maps the [processing] table onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	steps := make([]Step, 0, len(cfg.Processing.Steps))
	for _, s := range cfg.Processing.Steps {
		steps = append(steps, Step{Script: s.Script, WithModel: s.WithModel})
	}
	return Options{
		Interpreter:   cfg.Processing.Interpreter,
		MaskingScript: cfg.Processing.MaskingScript,
		PipelineDir:   cfg.Processing.PipelineDir,
		Steps:         steps,
		NProc:         cfg.Processing.NProc,
		Timeout:       time.Duration(cfg.Processing.TimeoutSeconds) * time.Second,
	}
}

// Option configures the invoker.
type Option func(*ScriptInvoker)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(i *ScriptInvoker) {
		if exec != nil {
			i.exec = exec
		}
	}
}

// ScriptInvoker runs the pipeline scripts through an interpreter.
type ScriptInvoker struct {
	opts   Options
	exec   Executor
	logger *slog.Logger
}

// New constructs an invoker. Either MaskingScript or PipelineDir must be set;
// MaskingScript takes precedence.
func New(opts Options, logger *slog.Logger, options ...Option) (*ScriptInvoker, error) {
	opts.Interpreter = strings.TrimSpace(opts.Interpreter)
	if opts.Interpreter == "" {
		return nil, errors.New("processing interpreter required")
	}
	if opts.MaskingScript == "" && opts.PipelineDir == "" {
		return nil, errors.New("masking script or pipeline directory required")
	}
	if opts.MaskingScript == "" && len(opts.Steps) == 0 {
		return nil, errors.New("pipeline directory set without steps")
	}
	if opts.NProc <= 0 {
		opts.NProc = runtime.NumCPU()
	}
	inv := &ScriptInvoker{
		opts:   opts,
		exec:   commandExecutor{},
		logger: logging.NewComponentLogger(logger, "processing"),
	}
	for _, opt := range options {
		opt(inv)
	}
	return inv, nil
}

// Command describes one external invocation.
type Command struct {
	Dir  string
	Args []string
}

// Plan returns the commands Run would execute, in order.
func (i *ScriptInvoker) Plan(manifestPath, modelFolder string) []Command {
	if i.opts.MaskingScript != "" {
		return []Command{{
			Dir: filepath.Dir(i.opts.MaskingScript),
			Args: []string{
				i.opts.MaskingScript,
				"-i", manifestPath,
				"-f", modelFolder,
				"-nproc", strconv.Itoa(i.opts.NProc),
			},
		}}
	}
	commands := make([]Command, 0, len(i.opts.Steps))
	for _, step := range i.opts.Steps {
		args := []string{step.Script, "-i", manifestPath}
		if step.WithModel {
			args = append(args, "-f", modelFolder)
		}
		commands = append(commands, Command{Dir: i.opts.PipelineDir, Args: args})
	}
	return commands
}

func (i *ScriptInvoker) Run(ctx context.Context, m manifest.Manifest, modelFolder string) (map[string]Result, error) {
	if m.Empty() {
		return map[string]Result{}, nil
	}
	runCtx := ctx
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	logger := logging.WithContext(ctx, i.logger)
	var lastLine string
	onOutput := func(line string) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lastLine = trimmed
		}
		logger.Debug(line, logging.String(logging.FieldEventType, "processing_output"))
	}

	started := time.Now()
	var runErr error
	for _, command := range i.Plan(m.Path, modelFolder) {
		logger.Info("running masking pipeline",
			logging.String("command", i.opts.Interpreter+" "+strings.Join(command.Args, " ")),
			logging.String("dir", command.Dir),
			logging.Int("subjects", len(m.Entries)),
		)
		if err := i.exec.Run(runCtx, command.Dir, i.opts.Interpreter, command.Args, onOutput); err != nil {
			runErr = classifyRunError(ctx, runCtx, command.Args[0], err, lastLine)
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	logger.Info("masking pipeline finished",
		logging.Duration("elapsed", time.Since(started)),
		logging.Bool("clean_exit", runErr == nil),
	)
	return collectResults(m, runErr), runErr
}

func classifyRunError(parent, runCtx context.Context, script string, err error, lastLine string) error {
	detail := filepath.Base(script)
	if lastLine != "" {
		detail += " (last output: " + lastLine + ")"
	}
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "processing", "run", detail+" timed out", err)
	}
	return services.Wrap(services.ErrExternalTool, "processing", "run", detail, err)
}

// collectResults judges each subject by its output files.
func collectResults(m manifest.Manifest, runErr error) map[string]Result {
	results := make(map[string]Result, len(m.Entries))
	for _, entry := range m.Entries {
		missing := manifest.MissingFiles(entry.Dir, entry.Outputs)
		res := Result{Subject: entry.Subject, OK: len(missing) == 0, Missing: missing}
		if !res.OK {
			res.Reason = fmt.Sprintf("missing outputs: %s", strings.Join(missing, ", "))
			if runErr != nil {
				res.Reason += "; " + runErr.Error()
			}
		}
		results[entry.Subject] = res
	}
	return results
}
