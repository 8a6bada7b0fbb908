package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the notification delivery queue",
	}
	cmd.AddCommand(newQueueStatsCommand(), newQueueDeadLettersCommand())
	return cmd
}

func newQueueStatsCommand() *cobra.Command {
	var redisURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pending, processing and dead message counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rdb, err := connectRedis(cmd.Context(), redisURL)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			stats, err := producerQueue(rdb).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		},
	}
	addRedisFlag(cmd, &redisURL)
	return cmd
}

func newQueueDeadLettersCommand() *cobra.Command {
	var redisURL string
	var limit int

	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered messages, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rdb, err := connectRedis(cmd.Context(), redisURL)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			letters, err := producerQueue(rdb).DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, l := range letters {
				if err := enc.Encode(l); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addRedisFlag(cmd, &redisURL)
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}
