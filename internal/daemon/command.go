package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"paceq/scheduler"
)

// commandResult is what a shell-command task resolves with.
type commandResult struct {
	Name     string
	Output   string
	Started  time.Time
	Took     time.Duration
	Attempts int
}

// commandError tags a failed command with its job name so reject and fail
// events stay attributable without parsing the message.
type commandError struct {
	Job string
	Err error
}

func (e *commandError) Error() string { return fmt.Sprintf("%s: %v", e.Job, e.Err) }

func (e *commandError) Unwrap() error { return e.Err }

// jobName extracts the job name from an error produced by a command
// factory; it returns "" for anything else.
func jobName(err error) string {
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.Job
	}
	return ""
}

// commandFactory builds a task factory that runs command under "sh -c".
// The attempt counter lives in the closure, so retries of the same task
// count up while separate enqueues start fresh.
func commandFactory(name, command string, timeout time.Duration) scheduler.Factory[commandResult] {
	attempts := 0
	return func(ctx context.Context) (commandResult, error) {
		attempts++
		started := time.Now()

		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(runCtx, "sh", "-c", command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		took := time.Since(started)
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			if msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			return commandResult{}, &commandError{Job: name, Err: err}
		}

		return commandResult{
			Name:     name,
			Output:   strings.TrimSpace(stdout.String()),
			Started:  started,
			Took:     took,
			Attempts: attempts,
		}, nil
	}
}
