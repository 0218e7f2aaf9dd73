// Package dialer places calls through the host. Placing a call is
// fire-and-forget: success means the host accepted the request, not that
// anyone answered.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"dialer-bridge/internal/contract"
)

const phonePlaceholder = "{phone}"

var ErrInvalidPhone = errors.New("dialer: invalid phone number")

type Dialer interface {
	PlaceCall(ctx context.Context, phone string) error
}

// CommandDialer runs an external program, e.g.
// "adb shell am start -a android.intent.action.CALL -d tel:{phone}".
// The program is executed directly, never through a shell.
type CommandDialer struct {
	argv    []string
	timeout time.Duration
	log     *slog.Logger
}

func NewCommandDialer(command string, timeout time.Duration, log *slog.Logger) (*CommandDialer, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("dialer: empty command")
	}
	if !strings.Contains(command, phonePlaceholder) {
		return nil, fmt.Errorf("dialer: command must contain %s", phonePlaceholder)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &CommandDialer{argv: argv, timeout: timeout, log: log}, nil
}

// Args returns the argv that would be executed for phone.
func (d *CommandDialer) Args(phone string) []string {
	out := make([]string, len(d.argv))
	for i, a := range d.argv {
		out[i] = strings.ReplaceAll(a, phonePlaceholder, phone)
	}
	return out
}

func (d *CommandDialer) PlaceCall(ctx context.Context, phone string) error {
	if !contract.ValidPhone(phone) {
		return ErrInvalidPhone
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := d.Args(phone)
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("dial command %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	d.log.Debug("dial command finished", "program", args[0], "output", strings.TrimSpace(string(out)))
	return nil
}

// LogDialer only logs. Used for dry runs and when no dial command is set.
type LogDialer struct {
	Log *slog.Logger
}

func (d LogDialer) PlaceCall(_ context.Context, phone string) error {
	if !contract.ValidPhone(phone) {
		return ErrInvalidPhone
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("dry run: would place call", "phone", phone)
	return nil
}
