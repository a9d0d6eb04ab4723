package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/ruralpay/ledger/internal/notify"
	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications",
		Long: `Drain the Redis notification queue.

Only one worker drains the queue at a time: it holds a lease in Redis and
a second worker exits while the lease is held. Intents left in the
processing list by a crashed worker are requeued on start. Failed
deliveries are retried with exponential backoff and moved to the
dead-letter list once redeliveries run out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx)
		},
	}
}

func runWorker(ctx context.Context) error {
	rt, err := newRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.rdb == nil {
		return errors.New("the notification worker requires redis")
	}

	dispatcher, err := rt.dispatcher()
	if err != nil {
		return err
	}

	worker := notify.NewWorker(rt.rdb, dispatcher, notify.WorkerOptions{
		MaxRedeliveries: rt.cfg.Notify.MaxRedeliveries,
		RedeliveryBase:  rt.cfg.Notify.RedeliveryBase,
		PollInterval:    rt.cfg.Notify.PollInterval,
	}, rt.logger, rt.metrics)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
