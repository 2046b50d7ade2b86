package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Step is one script of the multi-step processing pipeline.
type Step struct {
	Script    string `toml:"script"`
	WithModel bool   `toml:"with_model"`
}

// Processing contains configuration for the external masking invocation.
type Processing struct {
	Interpreter    string `toml:"interpreter"`
	MaskingScript  string `toml:"masking_script"`
	PipelineDir    string `toml:"pipeline_dir"`
	Steps          []Step `toml:"steps"`
	NProc          int    `toml:"nproc"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Remote contains object-store client settings shared by all backends.
type Remote struct {
	Region                string `toml:"region"`
	Endpoint              string `toml:"endpoint"`
	UsePathStyle          bool   `toml:"use_path_style"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Ledger contains configuration for the processed log backend and run lock.
type Ledger struct {
	Backend  string `toml:"backend"`
	LockPath string `toml:"lock_path"`
}

// Notifications contains configuration for run and batch event delivery.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	SQSQueueURL    string `toml:"sqs_queue_url"`
	NATSURL        string `toml:"nats_url"`
	NATSSubject    string `toml:"nats_subject"`
	Batch          bool   `toml:"batch"`
	Run            bool   `toml:"run"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for maskbatch.
//
// The top-level keys describe the batch run itself: where subjects live
// remotely, which slice of the case list to process, and where local state is
// kept. Tables group the supporting subsystems:
//   - Processing: the external masking script or multi-step pipeline
//   - Remote: object-store client settings
//   - Ledger: processed log backend and run lock
//   - Notifications: ntfy, SQS, and NATS event delivery
//   - Logging: log format, level, and run log retention
type Config struct {
	RemoteRoot         string `toml:"remote_root"`
	CaselistFile       string `toml:"caselist_file"`
	GroupName          string `toml:"group_name"`
	LocalDataRoot      string `toml:"local_data_root"`
	DryRun             bool   `toml:"dry_run"`
	LogLoc             string `toml:"log_loc"`
	TempLogLoc         string `toml:"temp_log_loc"`
	StartIndex         int    `toml:"start_index"`
	EndIndex           int    `toml:"end_index"`
	BatchSize          int    `toml:"batch_size"`
	InputText          string `toml:"input_text"`
	ModelFolder        string `toml:"model_folder"`
	Multiprocessing    bool   `toml:"multiprocessing"`
	Appendage          string `toml:"appendage"`
	FileSubstring      string `toml:"file_substring"`
	OutputFileName     string `toml:"output_file_name"`
	AdditionalFilesLoc string `toml:"additional_files_loc"`
	SourceSubpath      string `toml:"source_subpath"`
	Workers            int    `toml:"workers"`
	MaxAttempts        int    `toml:"max_attempts"`
	UploadLogs         bool   `toml:"upload_logs"`
	MinFreeGiB         int    `toml:"min_free_gib"`

	Processing    Processing    `toml:"processing"`
	Remote        Remote        `toml:"remote"`
	Ledger        Ledger        `toml:"ledger"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/maskbatch/config.toml")
}

// Load locates, parses, and validates a configuration file. Values from a
// .env file and MASKBATCH_* environment variables override the file. The
// returned config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg, resolvedPath, exists, err := Parse(path)
	if err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return cfg, resolvedPath, exists, nil
}

// Parse behaves like Load without running validation, so callers can apply
// further overrides (for example CLI flags) before calling Validate.
func Parse(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	loadDotEnv(resolvedPath)
	if err := cfg.applyEnv(context.Background()); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Finalize re-normalizes and validates a config after programmatic overrides.
func (c *Config) Finalize() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("maskbatch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// loadDotEnv reads a .env file from the working directory and from the config
// file's directory. Existing environment variables always win.
func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		_ = godotenv.Load(candidate)
	}
}

// EnsureDirectories creates the local directories a run writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.LocalDataRoot,
		c.AdditionalFilesLoc,
		filepath.Dir(c.LogLoc),
		filepath.Dir(c.TempLogLoc),
		filepath.Dir(c.InputText),
	}
	if c.Logging.Dir != "" {
		dirs = append(dirs, c.Logging.Dir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the advisory lock file guarding concurrent runs.
func (c *Config) LockPath() string {
	if strings.TrimSpace(c.Ledger.LockPath) != "" {
		return c.Ledger.LockPath
	}
	return filepath.Join(filepath.Dir(c.LogLoc), "maskbatch.lock")
}

// EffectiveWorkers returns the bounded parallelism used for staging and upload.
// Parallelism is disabled (1 worker) when multiprocessing is off.
func (c *Config) EffectiveWorkers() int {
	if !c.Multiprocessing {
		return 1
	}
	workers := c.Workers
	if workers <= 0 {
		workers = c.BatchSize
	}
	if workers > c.BatchSize && c.BatchSize > 0 {
		workers = c.BatchSize
	}
	if workers <= 0 {
		workers = 1
	}
	return workers
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
