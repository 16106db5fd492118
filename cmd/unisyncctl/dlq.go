package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/internal/platform"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/queue"
)

// dlqCmd はデッドレターキューの操作コマンド。
func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations",
	}
	cmd.AddCommand(redriveCmd())
	return cmd
}

// redriveCmd はデッドレターキューのメッセージを元のキューへ戻すコマンド。
func redriveCmd() *cobra.Command {
	var (
		name  string
		limit int
		qcfg  = config.Default("unisyncctl").Queue
	)
	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Move dead-lettered messages back to their queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := platform.NewBroker(cmd.Context(), qcfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer broker.Close()

			n, err := redrive(cmd, broker, name, limit)
			if err != nil {
				return err
			}
			printf(cmd, "Redrove %d message(s) from %s to %s\n", n, queue.DeadLetterQueue(name), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "queue", "", "Queue name, without the .dlq suffix (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of messages to move (0 moves all)")
	cmd.Flags().StringVar(&qcfg.Driver, "driver", "rabbitmq", "Queue driver: rabbitmq, memory")
	cmd.Flags().StringVar(&qcfg.URL, "amqp-url", qcfg.URL, "RabbitMQ URL")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func redrive(cmd *cobra.Command, broker queue.Broker, name string, limit int) (int, error) {
	r, ok := broker.(queue.Redriver)
	if !ok {
		return 0, fmt.Errorf("queue driver does not support redrive")
	}
	return r.Redrive(cmd.Context(), name, limit)
}
