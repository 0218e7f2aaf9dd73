package main

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"dialer-bridge/internal/backoff"
	"dialer-bridge/internal/config"
	"dialer-bridge/internal/deviceapi"
	"dialer-bridge/internal/dialer"
	"dialer-bridge/internal/outbox"
)

const (
	dialTimeout     = 15 * time.Second
	watcherDebounce = 300 * time.Millisecond
)

func openStore(cfg config.AgentConfig, log *slog.Logger) (*outbox.BadgerStore, error) {
	bc := outbox.DefaultBadgerConfig(filepath.Clean(cfg.DataDir))
	bc.Logger = log.With("component", "badger")
	return outbox.OpenBadger(bc)
}

func newClient(cfg config.AgentConfig, log *slog.Logger) (*deviceapi.Client, error) {
	// Per-request deadlines come from the client; the transport only bounds
	// connection setup.
	hc := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.LongPollWait + 15*time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   2,
		},
	}
	return deviceapi.New(deviceapi.Config{
		BaseURL:      cfg.ServerURL,
		Token:        cfg.Token,
		DeviceID:     cfg.DeviceID,
		LongPollWait: cfg.LongPollWait,
	}, hc, log.With("component", "deviceapi"))
}

func newQueue(cfg config.AgentConfig, store outbox.Store, sender outbox.Sender, log *slog.Logger) *outbox.Queue {
	qc := outbox.DefaultConfig()
	qc.MaxRetries = cfg.QueueMaxRetries
	qc.MaxAge = cfg.QueueMaxAge
	qc.FlushInterval = cfg.QueueFlushInterval
	qc.IsFatal = deviceapi.IsUnauthorized
	qc.IsTransient = deviceapi.IsTransient
	return outbox.NewQueue(store, sender, qc, log.With("component", "outbox"))
}

func newDialer(cfg config.AgentConfig, log *slog.Logger) (dialer.Dialer, error) {
	l := log.With("component", "dialer")
	if cfg.DialCommand == "" {
		return dialer.LogDialer{Log: l}, nil
	}
	return dialer.NewCommandDialer(cfg.DialCommand, dialTimeout, l)
}

// backoffConfig applies configured ladders over the defaults.
func backoffConfig(cfg config.AgentConfig) backoff.Config {
	bc := backoff.DefaultConfig()
	if len(cfg.BackoffEmpty) > 0 {
		bc.EmptyLadder = cfg.BackoffEmpty
	}
	if len(cfg.BackoffRateLimit) > 0 {
		bc.RateLimitLadder = cfg.BackoffRateLimit
	}
	if len(cfg.BackoffNetwork) > 0 {
		bc.NetworkLadder = cfg.BackoffNetwork
	}
	if len(cfg.BackoffServer) > 0 {
		bc.ServerLadder = cfg.BackoffServer
	}
	return bc
}
