package main

import (
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/redis"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/pscheid92/tickerpulse/internal/notification"
	"github.com/spf13/cobra"
)

func newNotifyCommand() *cobra.Command {
	var in notification.Input
	var redisURL, priority, payload string

	cmd := &cobra.Command{
		Use:   "notify <user-id>",
		Short: "Store a notification for a user and queue its delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				in.Payload = json.RawMessage(payload)
			}

			rdb, err := connectRedis(cmd.Context(), redisURL)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			// Delivery happens on the servers; this manager only stores and enqueues.
			notifications := notification.NewManager(redis.NewNotificationRepository(rdb), producerQueue(rdb), nil, nil, clockwork.NewRealClock(), notification.Config{})
			n, err := notifications.Dispatch(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(n)
		},
	}

	addRedisFlag(cmd, &redisURL)
	cmd.Flags().StringVar(&in.Type, "type", "system", "notification type")
	cmd.Flags().StringVar(&in.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&in.Message, "message", "", "notification body")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "low, normal or high")
	cmd.Flags().StringVar(&payload, "payload", "", "optional JSON payload")
	return cmd
}
