// Package backoff computes the delay before the next pull request.
//
// A Controller is owned by exactly one pull loop and is not safe for
// concurrent use. It performs no I/O and never fails.
package backoff

import (
	"math/rand"
	"time"
)

// Outcome is the classification of one pull round-trip.
type Outcome int

const (
	CommandDelivered Outcome = iota
	NoCommand
	RateLimited
	NetworkError
	ServerError
)

func (o Outcome) String() string {
	switch o {
	case CommandDelivered:
		return "command_delivered"
	case NoCommand:
		return "no_command"
	case RateLimited:
		return "rate_limited"
	case NetworkError:
		return "network_error"
	case ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Config holds the delay ladders. Ladders are indexed by the backoff level
// at the time of the failure and clamp at their last entry.
type Config struct {
	// FastBase is the delay after a delivered command; FastJitter is the
	// absolute +/- spread applied to it.
	FastBase   time.Duration
	FastJitter time.Duration

	// EmptyLadder escalates over consecutive empty pulls.
	EmptyLadder []time.Duration

	RateLimitLadder []time.Duration
	NetworkLadder   []time.Duration
	ServerLadder    []time.Duration

	// MaxLevel bounds the level.
	MaxLevel int

	// Jitter is the relative +/- spread applied to every non-fast delay.
	Jitter float64
}

func DefaultConfig() Config {
	return Config{
		FastBase:        1500 * time.Millisecond,
		FastJitter:      200 * time.Millisecond,
		EmptyLadder:     []time.Duration{1500 * time.Millisecond, 3 * time.Second, 5 * time.Second},
		RateLimitLadder: Exponential(time.Second, 15*time.Second, 4),
		NetworkLadder:   Exponential(2*time.Second, 15*time.Second, 3),
		ServerLadder:    Exponential(2*time.Second, 20*time.Second, 3),
		MaxLevel:        4,
		Jitter:          0.15,
	}
}

// Exponential returns steps doubling delays starting at base followed by cap.
// Exponential(1s, 15s, 4) is [1s 2s 4s 8s 15s].
func Exponential(base, ceiling time.Duration, steps int) []time.Duration {
	out := make([]time.Duration, 0, steps+1)
	d := base
	for i := 0; i < steps && d < ceiling; i++ {
		out = append(out, d)
		d *= 2
	}
	return append(out, ceiling)
}

// Controller tracks the level and the consecutive-empty counter.
type Controller struct {
	cfg    Config
	level  int
	empty  int
	random func() float64
}

func New(cfg Config) *Controller {
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = DefaultConfig().MaxLevel
	}
	return &Controller{cfg: cfg, random: rand.Float64}
}

// WithRandom replaces the jitter source. Tests pass a constant 0.5 to get
// jitter-free delays.
func (c *Controller) WithRandom(fn func() float64) *Controller {
	c.random = fn
	return c
}

func (c *Controller) Level() int { return c.level }

// Next records the outcome and returns the delay before the next pull.
// retryAfter is only consulted for RateLimited; zero means "not supplied".
func (c *Controller) Next(o Outcome, retryAfter time.Duration) time.Duration {
	base := Delay(c.cfg, c.level, c.empty, o, retryAfter)

	switch o {
	case CommandDelivered:
		c.Reset()
		return c.fastJitter(base)
	case NoCommand:
		// the level is left alone; empty pulls escalate on their own ladder
		c.empty++
	default:
		c.empty = 0
		c.increment()
	}
	return clamp(c.jitter(base), ceilingFor(c.cfg, o))
}

// Decrement lowers the level by one, floored at zero. Callers use it for
// gradual recovery instead of an abrupt Reset.
func (c *Controller) Decrement() {
	if c.level > 0 {
		c.level--
	}
}

func (c *Controller) Reset() {
	c.level = 0
	c.empty = 0
}

func (c *Controller) increment() {
	if c.level < c.cfg.MaxLevel {
		c.level++
	}
}

// Delay is the jitter-free delay for an outcome observed at the given level
// and consecutive-empty count.
func Delay(cfg Config, level, empty int, o Outcome, retryAfter time.Duration) time.Duration {
	switch o {
	case CommandDelivered:
		return cfg.FastBase
	case NoCommand:
		return step(cfg.EmptyLadder, empty)
	case RateLimited:
		d := step(cfg.RateLimitLadder, level)
		if retryAfter > d {
			d = retryAfter
		}
		return clamp(d, ceilingFor(cfg, o))
	case NetworkError:
		return step(cfg.NetworkLadder, level)
	case ServerError:
		return step(cfg.ServerLadder, level)
	default:
		return step(cfg.NetworkLadder, level)
	}
}

func ceilingFor(cfg Config, o Outcome) time.Duration {
	switch o {
	case NoCommand:
		return last(cfg.EmptyLadder)
	case RateLimited:
		return last(cfg.RateLimitLadder)
	case ServerError:
		return last(cfg.ServerLadder)
	default:
		return last(cfg.NetworkLadder)
	}
}

func step(ladder []time.Duration, i int) time.Duration {
	if len(ladder) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(ladder) {
		i = len(ladder) - 1
	}
	return ladder[i]
}

func last(ladder []time.Duration) time.Duration {
	if len(ladder) == 0 {
		return 0
	}
	return ladder[len(ladder)-1]
}

func clamp(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	if d < 0 {
		return 0
	}
	return d
}

// jitter spreads d by +/- cfg.Jitter. random()=0.5 yields d unchanged.
func (c *Controller) jitter(d time.Duration) time.Duration {
	if c.cfg.Jitter <= 0 {
		return d
	}
	offset := (c.random()*2 - 1) * c.cfg.Jitter * float64(d)
	return d + time.Duration(offset)
}

func (c *Controller) fastJitter(d time.Duration) time.Duration {
	if c.cfg.FastJitter <= 0 {
		return d
	}
	offset := (c.random()*2 - 1) * float64(c.cfg.FastJitter)
	return d + time.Duration(offset)
}
