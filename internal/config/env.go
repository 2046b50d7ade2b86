package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// envOverrides lists the MASKBATCH_* variables that override file settings.
// Pointer fields stay nil when the variable is unset.
type envOverrides struct {
	RemoteRoot      *string `env:"MASKBATCH_REMOTE_ROOT, noinit"`
	CaselistFile    *string `env:"MASKBATCH_CASELIST_FILE, noinit"`
	GroupName       *string `env:"MASKBATCH_GROUP_NAME, noinit"`
	LocalDataRoot   *string `env:"MASKBATCH_LOCAL_DATA_ROOT, noinit"`
	DryRun          *bool   `env:"MASKBATCH_DRY_RUN, noinit"`
	LogLoc          *string `env:"MASKBATCH_LOG_LOC, noinit"`
	TempLogLoc      *string `env:"MASKBATCH_TEMP_LOG_LOC, noinit"`
	StartIndex      *int    `env:"MASKBATCH_START_INDEX, noinit"`
	EndIndex        *int    `env:"MASKBATCH_END_INDEX, noinit"`
	BatchSize       *int    `env:"MASKBATCH_BATCH_SIZE, noinit"`
	InputText       *string `env:"MASKBATCH_INPUT_TEXT, noinit"`
	ModelFolder     *string `env:"MASKBATCH_MODEL_FOLDER, noinit"`
	Multiprocessing *bool   `env:"MASKBATCH_MULTIPROCESSING, noinit"`
	Appendage       *string `env:"MASKBATCH_APPENDAGE, noinit"`
	FileSubstring   *string `env:"MASKBATCH_FILE_SUBSTRING, noinit"`
	OutputFileName  *string `env:"MASKBATCH_OUTPUT_FILE_NAME, noinit"`
	MaxAttempts     *int    `env:"MASKBATCH_MAX_ATTEMPTS, noinit"`
	Workers         *int    `env:"MASKBATCH_WORKERS, noinit"`

	RemoteRegion   *string `env:"MASKBATCH_REMOTE_REGION, noinit"`
	RemoteEndpoint *string `env:"MASKBATCH_REMOTE_ENDPOINT, noinit"`

	NtfyTopic   *string `env:"MASKBATCH_NTFY_TOPIC, noinit"`
	SQSQueueURL *string `env:"MASKBATCH_SQS_QUEUE_URL, noinit"`
	NATSURL     *string `env:"MASKBATCH_NATS_URL, noinit"`

	LogLevel  *string `env:"MASKBATCH_LOG_LEVEL, noinit"`
	LogFormat *string `env:"MASKBATCH_LOG_FORMAT, noinit"`
}

func (c *Config) applyEnv(ctx context.Context) error {
	var env envOverrides
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	setString(&c.RemoteRoot, env.RemoteRoot)
	setString(&c.CaselistFile, env.CaselistFile)
	setString(&c.GroupName, env.GroupName)
	setString(&c.LocalDataRoot, env.LocalDataRoot)
	setBool(&c.DryRun, env.DryRun)
	setString(&c.LogLoc, env.LogLoc)
	setString(&c.TempLogLoc, env.TempLogLoc)
	setInt(&c.StartIndex, env.StartIndex)
	setInt(&c.EndIndex, env.EndIndex)
	setInt(&c.BatchSize, env.BatchSize)
	setString(&c.InputText, env.InputText)
	setString(&c.ModelFolder, env.ModelFolder)
	setBool(&c.Multiprocessing, env.Multiprocessing)
	setString(&c.Appendage, env.Appendage)
	setString(&c.FileSubstring, env.FileSubstring)
	setString(&c.OutputFileName, env.OutputFileName)
	setInt(&c.MaxAttempts, env.MaxAttempts)
	setInt(&c.Workers, env.Workers)

	setString(&c.Remote.Region, env.RemoteRegion)
	setString(&c.Remote.Endpoint, env.RemoteEndpoint)

	setString(&c.Notifications.NtfyTopic, env.NtfyTopic)
	setString(&c.Notifications.SQSQueueURL, env.SQSQueueURL)
	setString(&c.Notifications.NATSURL, env.NATSURL)

	setString(&c.Logging.Level, env.LogLevel)
	setString(&c.Logging.Format, env.LogFormat)
	return nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = *value
	}
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}
