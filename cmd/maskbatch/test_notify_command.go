package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"maskbatch/internal/logging"
	"maskbatch/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through every configured transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			n := cfg.Notifications
			if n.NtfyTopic == "" && n.SQSQueueURL == "" && n.NATSURL == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No notification transports configured")
				return nil
			}
			service, err := notifications.NewService(cmd.Context(), cfg, logging.NewNop())
			if err != nil {
				return err
			}
			defer service.Close()

			err = service.Publish(cmd.Context(), notifications.Message{
				Event:     notifications.EventTest,
				Group:     cfg.GroupName,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
