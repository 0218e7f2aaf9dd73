package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// AgentConfig configures the device-side agent. Flags of cmd/agent override
// these values after LoadAgent.
type AgentConfig struct {
	Env string

	ServerURL string
	// Token must not be logged.
	Token    string
	DeviceID string

	// DataDir holds the durable outbound queue.
	DataDir string
	// CallLogPath is the JSON-lines call log exported by the host.
	CallLogPath string
	// DialCommand places a call; {phone} is replaced by the number. Empty
	// selects the dry-run dialer that only logs.
	DialCommand string

	LongPollWait      time.Duration
	PollOffsets       []time.Duration
	MatchWindow       time.Duration
	HeartbeatInterval time.Duration

	QueueMaxRetries    int
	QueueMaxAge        time.Duration
	QueueFlushInterval time.Duration

	// Backoff ladders; nil keeps the built-in defaults.
	BackoffEmpty     []time.Duration
	BackoffRateLimit []time.Duration
	BackoffNetwork   []time.Duration
	BackoffServer    []time.Duration
}

func LoadAgent() (AgentConfig, error) {
	LoadDotEnv()

	var parseErrs []error
	c := AgentConfig{
		Env:         envOr("APP_ENV", "local"),
		ServerURL:   strings.TrimSpace(os.Getenv("AGENT_SERVER_URL")),
		Token:       strings.TrimSpace(os.Getenv("AGENT_TOKEN")),
		DeviceID:    strings.TrimSpace(os.Getenv("AGENT_DEVICE_ID")),
		DataDir:     envOr("AGENT_DATA_DIR", "./data/outbox"),
		CallLogPath: strings.TrimSpace(os.Getenv("AGENT_CALLLOG_PATH")),
		DialCommand: strings.TrimSpace(os.Getenv("AGENT_DIAL_COMMAND")),

		LongPollWait:      optDuration("AGENT_LONG_POLL_WAIT", 25*time.Second, &parseErrs),
		PollOffsets:       optDurations("AGENT_POLL_OFFSETS", []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, &parseErrs),
		MatchWindow:       optDuration("AGENT_MATCH_WINDOW", 5*time.Minute, &parseErrs),
		HeartbeatInterval: optDuration("AGENT_HEARTBEAT_INTERVAL", time.Minute, &parseErrs),

		QueueMaxRetries:    optInt("AGENT_QUEUE_MAX_RETRIES", 3, &parseErrs),
		QueueMaxAge:        optDuration("AGENT_QUEUE_MAX_AGE", 7*24*time.Hour, &parseErrs),
		QueueFlushInterval: optDuration("AGENT_QUEUE_FLUSH_INTERVAL", 30*time.Second, &parseErrs),

		BackoffEmpty:     optDurations("AGENT_BACKOFF_EMPTY", nil, &parseErrs),
		BackoffRateLimit: optDurations("AGENT_BACKOFF_RATE_LIMIT", nil, &parseErrs),
		BackoffNetwork:   optDurations("AGENT_BACKOFF_NETWORK", nil, &parseErrs),
		BackoffServer:    optDurations("AGENT_BACKOFF_SERVER", nil, &parseErrs),
	}
	if err := joinErrors(parseErrs); err != nil {
		return AgentConfig{}, err
	}
	return c, nil
}

// Validate checks the values needed to run the agent loop. Queue
// maintenance commands only need DataDir.
func (c AgentConfig) Validate() error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, errors.New("AGENT_SERVER_URL is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("AGENT_SERVER_URL must be an absolute URL, got %q", c.ServerURL))
	} else if c.Env == "production" && u.Scheme != "https" {
		errs = append(errs, errors.New("AGENT_SERVER_URL must use https in production"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("AGENT_TOKEN is required"))
	}
	if c.DeviceID == "" {
		errs = append(errs, errors.New("AGENT_DEVICE_ID is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("AGENT_DATA_DIR is required"))
	}
	if c.CallLogPath == "" {
		errs = append(errs, errors.New("AGENT_CALLLOG_PATH is required"))
	}
	if c.DialCommand != "" && !strings.Contains(c.DialCommand, "{phone}") {
		errs = append(errs, errors.New("AGENT_DIAL_COMMAND must contain {phone}"))
	}

	if c.LongPollWait < 0 || c.LongPollWait > MaxLongPollWait {
		errs = append(errs, fmt.Errorf("AGENT_LONG_POLL_WAIT must be between 0s and %s, got %s", MaxLongPollWait, c.LongPollWait))
	}
	if len(c.PollOffsets) == 0 {
		errs = append(errs, errors.New("AGENT_POLL_OFFSETS must list at least one offset"))
	}
	for i, d := range c.PollOffsets {
		if d <= 0 || (i > 0 && d <= c.PollOffsets[i-1]) {
			errs = append(errs, errors.New("AGENT_POLL_OFFSETS must be positive and strictly increasing"))
			break
		}
	}
	if c.MatchWindow <= 0 {
		errs = append(errs, errors.New("AGENT_MATCH_WINDOW must be > 0"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("AGENT_HEARTBEAT_INTERVAL must be > 0"))
	}
	if c.QueueMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_QUEUE_MAX_RETRIES must be > 0, got %d", c.QueueMaxRetries))
	}
	if c.QueueMaxAge <= 0 {
		errs = append(errs, errors.New("AGENT_QUEUE_MAX_AGE must be > 0"))
	}
	if c.QueueFlushInterval <= 0 {
		errs = append(errs, errors.New("AGENT_QUEUE_FLUSH_INTERVAL must be > 0"))
	}

	return joinErrors(errs)
}

// optDurations parses a comma separated duration list such as "5s,10s,15s".
func optDurations(key string, def []time.Duration, errs *[]error) []time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	out, err := ParseDurations(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return out
}

func ParseDurations(v string) ([]time.Duration, error) {
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("empty duration list")
	}
	return out, nil
}
