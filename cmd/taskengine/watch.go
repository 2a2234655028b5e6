package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/taskengine/internal/transport/rabbitmq"
)

func newWatchCmd(a *app) *cobra.Command {
	var bindingKey string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream run events from the message broker",
		Long: `Subscribe to the events exchange and print every event as it arrives.
Use --key to narrow the stream, e.g. "task.failed" or "breaker.*".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Events.AMQPURL == "" {
				return errors.New("events.amqp_url is not configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sink, err := rabbitmq.Dial(ctx, rabbitmq.Options{
				URL:      a.cfg.Events.AMQPURL,
				Exchange: a.cfg.Events.AMQPExchange,
			}, a.log.Logger)
			if err != nil {
				return err
			}
			defer sink.Close()

			out := cmd.OutOrStdout()
			err = sink.Subscribe(ctx, bindingKey, func(msg rabbitmq.Message) {
				fmt.Fprintf(out, "%-16s %s\n", msg.Type, msg.Body)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&bindingKey, "key", "k", "#", "routing key pattern to subscribe to")

	return cmd
}
