package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"dialer-bridge/internal/outbox"

	"github.com/spf13/cobra"
)

func newQueueCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the durable outbound queue",
	}
	cmd.AddCommand(newQueueListCmd(o), newQueueFlushCmd(o), newQueuePurgeCmd(o))
	return cmd
}

// withQueue opens the queue store for one maintenance command. The sender is
// only needed by flush.
func withQueue(o *options, sender outbox.Sender, fn func(q *outbox.Queue) error) error {
	if o.cfg.DataDir == "" {
		return errors.New("AGENT_DATA_DIR is required")
	}
	store, err := openStore(o.cfg, o.log)
	if err != nil {
		return err
	}
	defer store.Close()
	if sender == nil {
		sender = outbox.SenderFunc(func(_ context.Context, _ outbox.Item) error {
			return errors.New("sending not available")
		})
	}
	return fn(newQueue(o.cfg, store, sender, o.log))
}

func newQueueListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued items, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(o, nil, func(q *outbox.Queue) error {
				items, err := q.Pending(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "queue is empty")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tDESTINATION\tRETRIES\tAGE")
				now := time.Now()
				for _, it := range items {
					state := fmt.Sprintf("%d/%d", it.RetryCount, o.cfg.QueueMaxRetries)
					if it.RetryCount >= o.cfg.QueueMaxRetries {
						state += " exhausted"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.Type, it.Destination, state, now.Sub(it.CreatedAt).Truncate(time.Second))
				}
				return tw.Flush()
			})
		},
	}
}

func newQueueFlushCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send every eligible item now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.cfg.ServerURL == "" || o.cfg.Token == "" {
				return errors.New("flush needs AGENT_SERVER_URL and AGENT_TOKEN")
			}
			client, err := newClient(o.cfg, o.log)
			if err != nil {
				return err
			}
			return withQueue(o, client, func(q *outbox.Queue) error {
				res, err := q.Flush(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.String())
				return nil
			})
		},
	}
}

func newQueuePurgeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove exhausted items older than AGENT_QUEUE_MAX_AGE",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(o, nil, func(q *outbox.Queue) error {
				n, err := q.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d item(s)\n", n)
				return nil
			})
		},
	}
}
