package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	return c.execute(ctx, cmd, "", false)
}

// ExecuteCommandWithSudo runs a command with sudo privileges. The password
// is written to sudo's standard input, never to the command line.
func (c *SSHClient) ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error) {
	return c.execute(ctx, sudoCommand(cmd, sudoPassword != ""), sudoPassword, true)
}

// sudoCommand wraps cmd for sudo. With a password sudo reads it from
// stdin without printing a prompt.
func sudoCommand(cmd string, withPassword bool) string {
	if withPassword {
		return "sudo -S -p '' " + cmd
	}
	return "sudo -n " + cmd
}

// killGrace is how long a signalled command may take to exit before it
// is killed.
const killGrace = 100 * time.Millisecond

// execute runs cmd in a new session. Commands without a context deadline
// are bounded by the configured command timeout.
func (c *SSHClient) execute(ctx context.Context, cmd string, stdin string, useSudo bool) (string, string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}
	logger := log.With().Str("host", c.config.Host).Str("command", cmd).Bool("sudo", useSudo).Logger()

	client, err := c.getClient()
	if err != nil {
		return "", "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", "", newError("execute", fmt.Errorf("failed to create session: %w", err), true)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout, session.Stderr = &outBuf, &errBuf
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin + "\n")
	}

	start := time.Now()
	runErr := runSession(ctx, session, cmd)
	stdout, stderr := strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String())

	logger.Debug().
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("command completed")

	return stdout, stderr, commandError(runErr, stderr)
}

// runSession runs cmd and signals it when ctx is done: SIGTERM first,
// then SIGKILL after killGrace.
func runSession(ctx context.Context, session *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	_ = session.Signal(ssh.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		_ = session.Signal(ssh.SIGKILL)
	}
	return ctx.Err()
}

// commandError maps a session error to a TransportError. Exit statuses
// are kept; cancellation is never temporary.
func commandError(err error, stderr string) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &TransportError{
			Op:       "execute",
			Err:      fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			ExitCode: exitErr.ExitStatus(),
		}
	}
	cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	return newError("execute", err, !cancelled)
}
