package main

import (
	"fmt"

	"dialer-bridge/internal/agent"
	"dialer-bridge/internal/calllog"

	"github.com/spf13/cobra"
)

func newRunCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Pull call commands, dial them and report outcomes until stopped",
		Long: `Run the agent loop.

The agent long-polls the server for call commands, places each call, matches
it against the host call log and reports the outcome. Reports that cannot be
delivered are kept in the queue under --data-dir and retried.

Exit status is 2 when the server rejects the token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := o.cfg, o.log
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			client, err := newClient(cfg, log)
			if err != nil {
				return err
			}
			d, err := newDialer(cfg, log)
			if err != nil {
				return err
			}
			queue := newQueue(cfg, store, client, log)

			var changes <-chan struct{}
			w, err := calllog.NewWatcher(cfg.CallLogPath, watcherDebounce, log.With("component", "calllog"))
			if err != nil {
				// the poll path still resolves every call, only later
				log.Warn("call log watcher unavailable, relying on polling", "path", cfg.CallLogPath, "err", err)
			} else {
				defer w.Close()
				changes = w.Changes()
				go func() {
					if err := w.Run(ctx); err != nil {
						log.Warn("call log watcher stopped", "err", err)
					}
				}()
			}

			a := agent.New(agent.Config{
				DeviceID:          cfg.DeviceID,
				Version:           version,
				Backoff:           backoffConfig(cfg),
				PollOffsets:       cfg.PollOffsets,
				MatchWindow:       cfg.MatchWindow,
				HeartbeatInterval: cfg.HeartbeatInterval,
			}, agent.Deps{
				API:     client,
				Dialer:  d,
				Log:     calllog.NewFileReader(cfg.CallLogPath, log),
				Changes: changes,
				Queue:   queue,
			}, log.With("device_id", cfg.DeviceID))

			log.Info("agent starting", "server", cfg.ServerURL, "device_id", cfg.DeviceID, "dry_run", cfg.DialCommand == "", "version", version)
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("agent stopped: %w", err)
			}
			log.Info("agent stopped")
			return nil
		},
	}
}
