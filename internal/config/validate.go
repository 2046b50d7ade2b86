package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateSubjects(); err != nil {
		return err
	}
	if err := c.validateBatch(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateRemote() error {
	if c.RemoteRoot == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/maskbatch/config.toml"
		}
		return fmt.Errorf("remote_root is required. Set MASKBATCH_REMOTE_ROOT or edit %s (create with 'maskbatch config init')", defaultPath)
	}
	parsed, err := url.Parse(c.RemoteRoot)
	if err != nil {
		return fmt.Errorf("remote_root: %w", err)
	}
	switch parsed.Scheme {
	case "s3", "gs":
		if parsed.Host == "" {
			return fmt.Errorf("remote_root %q is missing a bucket name", c.RemoteRoot)
		}
	case "file":
		if parsed.Path == "" {
			return fmt.Errorf("remote_root %q is missing a path", c.RemoteRoot)
		}
	default:
		return fmt.Errorf("remote_root %q must use the s3://, gs://, or file:// scheme", c.RemoteRoot)
	}
	return nil
}

func (c *Config) validateSubjects() error {
	if c.CaselistFile == "" {
		return errors.New("caselist_file must be set")
	}
	if c.GroupName == "" {
		return errors.New("group_name must be set")
	}
	if c.FileSubstring == "" {
		return errors.New("file_substring must be set")
	}
	if strings.Contains(c.OutputFileName, "/") {
		return errors.New("output_file_name must be a single path segment")
	}
	return nil
}

func (c *Config) validateBatch() error {
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if c.StartIndex < 1 {
		return errors.New("start_index must be >= 1")
	}
	if c.EndIndex != 0 && c.EndIndex < c.StartIndex {
		return fmt.Errorf("end_index (%d) must be 0 or >= start_index (%d)", c.EndIndex, c.StartIndex)
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be >= 1")
	}
	if c.LogLoc == c.TempLogLoc {
		return errors.New("log_loc and temp_log_loc must differ")
	}
	return nil
}

func (c *Config) validateProcessing() error {
	if c.ModelFolder == "" {
		return errors.New("model_folder must be set")
	}
	if c.Processing.MaskingScript == "" && c.Processing.PipelineDir == "" {
		return errors.New("processing.masking_script or processing.pipeline_dir must be set")
	}
	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Backend {
	case "file", "sqlite":
		return nil
	default:
		return fmt.Errorf("ledger.backend %q must be \"file\" or \"sqlite\"", c.Ledger.Backend)
	}
}

func (c *Config) validateNotifications() error {
	if c.Notifications.SQSQueueURL != "" {
		if _, err := url.ParseRequestURI(c.Notifications.SQSQueueURL); err != nil {
			return fmt.Errorf("notifications.sqs_queue_url: %w", err)
		}
	}
	if c.Notifications.NATSURL != "" && c.Notifications.NATSSubject == "" {
		return errors.New("notifications.nats_subject must be set when notifications.nats_url is set")
	}
	return nil
}
