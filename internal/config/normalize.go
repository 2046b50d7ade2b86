package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSubjects()
	c.normalizeBatch()
	if err := c.normalizeProcessing(); err != nil {
		return err
	}
	c.normalizeRemote()
	if err := c.normalizeLedger(); err != nil {
		return err
	}
	c.normalizeNotifications()
	return c.normalizeLogging()
}

func (c *Config) normalizePaths() error {
	var err error
	c.RemoteRoot = strings.TrimRight(strings.TrimSpace(c.RemoteRoot), "/")
	if c.CaselistFile, err = expandPath(strings.TrimSpace(c.CaselistFile)); err != nil {
		return fmt.Errorf("caselist_file: %w", err)
	}
	if strings.TrimSpace(c.LocalDataRoot) == "" {
		c.LocalDataRoot = defaultLocalDataRoot
	}
	if c.LocalDataRoot, err = expandPath(c.LocalDataRoot); err != nil {
		return fmt.Errorf("local_data_root: %w", err)
	}
	if strings.TrimSpace(c.AdditionalFilesLoc) == "" {
		c.AdditionalFilesLoc = defaultAdditionalFilesLoc
	}
	if c.AdditionalFilesLoc, err = expandPath(c.AdditionalFilesLoc); err != nil {
		return fmt.Errorf("additional_files_loc: %w", err)
	}
	if strings.TrimSpace(c.LogLoc) == "" {
		c.LogLoc = defaultLogLoc
	}
	if c.LogLoc, err = expandPath(c.LogLoc); err != nil {
		return fmt.Errorf("log_loc: %w", err)
	}
	if strings.TrimSpace(c.TempLogLoc) == "" {
		c.TempLogLoc = defaultTempLogLoc
	}
	if c.TempLogLoc, err = expandPath(c.TempLogLoc); err != nil {
		return fmt.Errorf("temp_log_loc: %w", err)
	}
	if strings.TrimSpace(c.InputText) == "" {
		c.InputText = defaultInputText
	}
	if c.InputText, err = expandPath(c.InputText); err != nil {
		return fmt.Errorf("input_text: %w", err)
	}
	if c.ModelFolder, err = expandPath(strings.TrimSpace(c.ModelFolder)); err != nil {
		return fmt.Errorf("model_folder: %w", err)
	}
	return nil
}

func (c *Config) normalizeSubjects() {
	c.GroupName = strings.Trim(strings.TrimSpace(c.GroupName), "/")
	c.Appendage = strings.TrimSpace(c.Appendage)
	c.FileSubstring = strings.TrimSpace(c.FileSubstring)
	c.OutputFileName = strings.Trim(strings.TrimSpace(c.OutputFileName), "/")
	if c.OutputFileName == "" {
		c.OutputFileName = defaultOutputFileName
	}
	c.SourceSubpath = strings.Trim(strings.TrimSpace(c.SourceSubpath), "/")
	if c.SourceSubpath == "" {
		c.SourceSubpath = defaultSourceSubpath
	}
}

func (c *Config) normalizeBatch() {
	if c.StartIndex <= 0 {
		c.StartIndex = defaultStartIndex
	}
	if c.EndIndex < 0 {
		c.EndIndex = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.MinFreeGiB < 0 {
		c.MinFreeGiB = 0
	}
}

func (c *Config) normalizeProcessing() error {
	var err error
	c.Processing.Interpreter = strings.TrimSpace(c.Processing.Interpreter)
	if c.Processing.Interpreter == "" {
		c.Processing.Interpreter = defaultInterpreter
	}
	if script := strings.TrimSpace(c.Processing.MaskingScript); script != "" {
		if c.Processing.MaskingScript, err = expandPath(script); err != nil {
			return fmt.Errorf("processing.masking_script: %w", err)
		}
	}
	if dir := strings.TrimSpace(c.Processing.PipelineDir); dir != "" {
		if c.Processing.PipelineDir, err = expandPath(dir); err != nil {
			return fmt.Errorf("processing.pipeline_dir: %w", err)
		}
	}
	steps := make([]Step, 0, len(c.Processing.Steps))
	for _, step := range c.Processing.Steps {
		step.Script = strings.TrimSpace(step.Script)
		if step.Script == "" {
			continue
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	c.Processing.Steps = steps
	if c.Processing.NProc < 0 {
		c.Processing.NProc = 0
	}
	if c.Processing.TimeoutSeconds < 0 {
		c.Processing.TimeoutSeconds = 0
	}
	return nil
}

func (c *Config) normalizeRemote() {
	c.Remote.Region = strings.TrimSpace(c.Remote.Region)
	c.Remote.Endpoint = strings.TrimSpace(c.Remote.Endpoint)
	if c.Remote.RequestTimeoutSeconds <= 0 {
		c.Remote.RequestTimeoutSeconds = defaultRemoteRequestTimeout
	}
}

func (c *Config) normalizeLedger() error {
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = defaultLedgerBackend
	}
	if lock := strings.TrimSpace(c.Ledger.LockPath); lock != "" {
		var err error
		if c.Ledger.LockPath, err = expandPath(lock); err != nil {
			return fmt.Errorf("ledger.lock_path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Notifications.SQSQueueURL = strings.TrimSpace(c.Notifications.SQSQueueURL)
	c.Notifications.NATSURL = strings.TrimSpace(c.Notifications.NATSURL)
	c.Notifications.NATSSubject = strings.TrimSpace(c.Notifications.NATSSubject)
	if c.Notifications.NATSSubject == "" {
		c.Notifications.NATSSubject = defaultNATSSubject
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if dir := strings.TrimSpace(c.Logging.Dir); dir != "" {
		var err error
		if c.Logging.Dir, err = expandPath(dir); err != nil {
			return fmt.Errorf("logging.dir: %w", err)
		}
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	return nil
}
