package main

import (
	"log/slog"
	"time"

	"dialer-bridge/internal/config"
	"dialer-bridge/pkg/logger"

	"github.com/spf13/cobra"
)

// options is the agent configuration after flags were applied on top of the
// environment.
type options struct {
	cfg config.AgentConfig
	log *slog.Logger

	logFormat string
	logLevel  string
	dryRun    bool
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&options{}) }

func newRootCmdWith(o *options) *cobra.Command {
	var (
		server, token, device, dataDir, callLog, dialCmd string
		wait                                             time.Duration
	)

	root := &cobra.Command{
		Use:           "agent",
		Short:         "Device agent that dials CRM call commands and reports outcomes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("server") {
				cfg.ServerURL = server
			}
			if f.Changed("token") {
				cfg.Token = token
			}
			if f.Changed("device") {
				cfg.DeviceID = device
			}
			if f.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if f.Changed("calllog") {
				cfg.CallLogPath = callLog
			}
			if f.Changed("dial-command") {
				cfg.DialCommand = dialCmd
			}
			if f.Changed("wait") {
				cfg.LongPollWait = wait
			}
			if o.dryRun {
				cfg.DialCommand = ""
			}
			o.cfg = cfg
			o.log = logger.NewWithOptions(logger.Options{
				Env:    cfg.Env,
				Format: o.logFormat,
				Level:  o.logLevel,
				Output: cmd.ErrOrStderr(),
			})
			slog.SetDefault(o.log)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&server, "server", "", "server base URL (AGENT_SERVER_URL)")
	pf.StringVar(&token, "token", "", "bearer token (AGENT_TOKEN)")
	pf.StringVar(&device, "device", "", "device id (AGENT_DEVICE_ID)")
	pf.StringVar(&dataDir, "data-dir", "", "queue directory (AGENT_DATA_DIR)")
	pf.StringVar(&callLog, "calllog", "", "call log JSON-lines file (AGENT_CALLLOG_PATH)")
	pf.StringVar(&dialCmd, "dial-command", "", "command placing a call, must contain {phone} (AGENT_DIAL_COMMAND)")
	pf.DurationVar(&wait, "wait", 0, "long-poll wait requested per pull (AGENT_LONG_POLL_WAIT)")
	pf.StringVar(&o.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&o.dryRun, "dry-run", false, "log calls instead of dialing")

	root.AddCommand(newRunCmd(o), newQueueCmd(o), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		// no config needed
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
