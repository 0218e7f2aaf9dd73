// Package deviceapi is the device side of the wire contract: long-poll pull,
// outcome update and the plumbing endpoints, over bearer-authenticated HTTP.
package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/outbox"
)

const (
	PathPull      = "/v1/device/pull"
	PathUpdate    = "/v1/device/update"
	PathRegister  = "/v1/device/register"
	PathHeartbeat = "/v1/device/heartbeat"
	PathTelemetry = "/v1/device/telemetry"
	PathLogs      = "/v1/device/logs"
)

const maxErrorBody = 512

// HTTPClient is the subset of *http.Client the device client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL  string
	Token    string
	DeviceID string

	// LongPollWait is the server-side wait budget requested on each pull.
	LongPollWait time.Duration
	// TimeoutMargin is added on top of LongPollWait for the hard client
	// timeout of a pull.
	TimeoutMargin time.Duration
	// RequestTimeout bounds every non-pull request.
	RequestTimeout time.Duration
}

type Client struct {
	base *url.URL
	cfg  Config
	http HTTPClient
	log  *slog.Logger
	now  func() time.Time
}

func New(cfg Config, hc HTTPClient, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("deviceapi: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("deviceapi: invalid base url %q", cfg.BaseURL)
	}
	if cfg.LongPollWait < 0 {
		cfg.LongPollWait = 0
	}
	if cfg.TimeoutMargin <= 0 {
		cfg.TimeoutMargin = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{base: base, cfg: cfg, http: hc, log: log, now: time.Now}, nil
}

// PullTimeout is the hard deadline applied to one pull.
func (c *Client) PullTimeout() time.Duration { return c.cfg.LongPollWait + c.cfg.TimeoutMargin }

// Pull asks for the next command. An empty Command means none is pending.
// A pull that outlives PullTimeout fails with ErrNetwork.
func (c *Client) Pull(ctx context.Context) (contract.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, c.PullTimeout())
	defer cancel()

	q := url.Values{}
	if c.cfg.DeviceID != "" {
		q.Set("device", c.cfg.DeviceID)
	}
	if c.cfg.LongPollWait > 0 {
		q.Set("wait", strconv.Itoa(int(c.cfg.LongPollWait/time.Second)))
	}

	var cmd contract.Command
	if err := c.do(ctx, http.MethodGet, PathPull, q, nil, &cmd); err != nil {
		return contract.Command{}, err
	}
	return cmd, nil
}

// Update reports an outcome. The payload shape follows field population.
func (c *Client) Update(ctx context.Context, ev contract.CallOutcomeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.Post(ctx, PathUpdate, body)
}

// Post sends a JSON object to dest and expects an {"ok":true} reply.
func (c *Client) Post(ctx context.Context, dest string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var ack contract.Ack
	if err := c.do(ctx, http.MethodPost, dest, nil, payload, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s not acknowledged", ErrRejected, dest)
	}
	return nil
}

// Send delivers a queued item.
func (c *Client) Send(ctx context.Context, it outbox.Item) error {
	return c.Post(ctx, it.Destination, it.Payload)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Device-Id", c.cfg.DeviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &networkError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode == http.StatusTooManyRequests {
			se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		c.log.Debug("device api request failed", "method", method, "path", path, "status", resp.StatusCode)
		return se
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &networkError{err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrServer, path, err)
	}
	return nil
}
