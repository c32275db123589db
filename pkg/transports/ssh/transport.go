// Package ssh runs commands on and copies files to experiment hosts over
// SSH and SFTP.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport is the remote access used by the Linux drivers.
type Transport interface {
	// Connect establishes the connection. Connecting an open transport
	// checks it is still alive and reconnects when it is not.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host. A non-zero exit
	// status is returned as a *TransportError carrying the exit code.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// ExecuteCommandWithSudo runs a command with sudo. The password may
	// be empty when NOPASSWD is configured.
	ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error)

	// UploadFile copies a local file to remotePath, creating parent
	// directories. A zero mode keeps the server default.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// UploadContent writes content to remotePath.
	UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) error

	// ComputeChecksum returns the SHA256 checksum of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// Connector hands out shared transports. Every Acquire is paired with a
// Release of the same Config.
type Connector interface {
	Acquire(ctx context.Context, config *Config) (Transport, error)
	Release(config *Config) error
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	// Via is the gateway address, if any.
	Via string
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "upload")
	Op string

	// Err is the underlying error
	Err error

	// ExitCode is the exit status of a command that ran, or -1.
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// newError builds a TransportError for a failure unrelated to a command exit.
func newError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, ExitCode: -1, IsTemporary: temporary}
}

// ExitCode returns the exit status carried by err, or -1 when the command
// did not run to completion.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.ExitCode
	}
	return -1
}

// IsExitError reports whether err is a command that ran and exited non-zero.
func IsExitError(err error) bool {
	return ExitCode(err) > 0
}
