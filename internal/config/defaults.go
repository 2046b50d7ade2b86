package config

const (
	defaultLocalDataRoot        = "~/.local/share/maskbatch/data"
	defaultAdditionalFilesLoc   = "~/.local/share/maskbatch/additional_files"
	defaultLogLoc               = "~/.local/share/maskbatch/processed.log"
	defaultTempLogLoc           = "~/.local/share/maskbatch/temp.log"
	defaultInputText            = "~/.local/share/maskbatch/input.txt"
	defaultLogDir               = "~/.local/share/maskbatch/logs"
	defaultSourceSubpath        = "derivatives/dwipreproc/Diffusion"
	defaultOutputFileName       = "Diffusion"
	defaultStartIndex           = 1
	defaultBatchSize            = 5
	defaultMaxAttempts          = 3
	defaultMinFreeGiB           = 20
	defaultInterpreter          = "python"
	defaultProcessingTimeout    = 0
	defaultRemoteRequestTimeout = 300
	defaultLedgerBackend        = "file"
	defaultNotifyRequestTimeout = 10
	defaultNATSSubject          = "maskbatch.events"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
)

// DefaultSteps returns the four-step pipeline used when no masking script is set.
func DefaultSteps() []Step {
	return []Step{
		{Script: "extractb0.py"},
		{Script: "antsRegistration.py", WithModel: true},
		{Script: "maskprocessing.py", WithModel: true},
		{Script: "postprocessing.py"},
	}
}

// Default returns a Config populated with repository defaults. Dry-run is on
// so that a fresh configuration never mutates remote storage by accident.
func Default() Config {
	return Config{
		LocalDataRoot:      defaultLocalDataRoot,
		AdditionalFilesLoc: defaultAdditionalFilesLoc,
		DryRun:             true,
		LogLoc:             defaultLogLoc,
		TempLogLoc:         defaultTempLogLoc,
		StartIndex:         defaultStartIndex,
		BatchSize:          defaultBatchSize,
		InputText:          defaultInputText,
		Multiprocessing:    true,
		OutputFileName:     defaultOutputFileName,
		SourceSubpath:      defaultSourceSubpath,
		MaxAttempts:        defaultMaxAttempts,
		UploadLogs:         true,
		MinFreeGiB:         defaultMinFreeGiB,
		Processing: Processing{
			Interpreter:    defaultInterpreter,
			TimeoutSeconds: defaultProcessingTimeout,
		},
		Remote: Remote{
			RequestTimeoutSeconds: defaultRemoteRequestTimeout,
		},
		Ledger: Ledger{
			Backend: defaultLedgerBackend,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			NATSSubject:    defaultNATSSubject,
			Batch:          true,
			Run:            true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			Dir:           defaultLogDir,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
