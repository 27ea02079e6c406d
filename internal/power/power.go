// Package power carries out sleep requests.
package power

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/obdgw/internal/logging"
)

// Sleeper suspends the host for d.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// LogSleeper only records the request.
type LogSleeper struct{}

func (LogSleeper) Sleep(_ context.Context, d time.Duration) error {
	logging.Warn("Sleep requested but no sleep command configured", "seconds", int64(d.Seconds()))
	return nil
}

// CommandSleeper runs an external command, e.g.
// ["rtcwake", "-m", "mem", "-s", "{seconds}"].
type CommandSleeper struct {
	Args []string
}

func NewSleeper(args []string) Sleeper {
	if len(args) == 0 {
		return LogSleeper{}
	}
	return &CommandSleeper{Args: args}
}

func (s *CommandSleeper) Sleep(ctx context.Context, d time.Duration) error {
	argv := Expand(s.Args, d)
	logging.Info("Entering sleep", "command", strings.Join(argv, " "))
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("sleep command %s: %w (%s)", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Expand substitutes {seconds} in every argument.
func Expand(args []string, d time.Duration) []string {
	secs := strconv.FormatInt(int64(d/time.Second), 10)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{seconds}", secs)
	}
	return out
}
