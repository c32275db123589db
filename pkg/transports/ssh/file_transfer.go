package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// UploadFile uploads a single file to the remote host via SFTP.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return newError("upload", fmt.Errorf("failed to open local file: %w", err), false)
	}
	defer localFile.Close()

	return c.upload(ctx, localFile, localPath, remotePath, mode)
}

// UploadContent writes content to a remote file via SFTP.
func (c *SSHClient) UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	return c.upload(ctx, bytes.NewReader(content), "<memory>", remotePath, mode)
}

// upload writes src to a temporary file next to remotePath and renames
// it into place, so readers never see a partial file.
func (c *SSHClient) upload(ctx context.Context, src io.Reader, source string, remotePath string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return newError("upload", err, false)
	}
	startTime := time.Now()
	logger := log.With().Str("source", source).Str("remote", remotePath).Logger()
	logger.Debug().Uint32("mode", mode).Msg("uploading file")

	client, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return newError("upload", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".part")
	n, err := writeRemote(client, tmp, ctxReader{ctx: ctx, r: src}, mode)
	if err != nil {
		_ = client.Remove(tmp)
		return newError("upload", err, ctx.Err() == nil)
	}

	if err := client.PosixRename(tmp, remotePath); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = client.Remove(remotePath)
		if err := client.Rename(tmp, remotePath); err != nil {
			_ = client.Remove(tmp)
			return newError("upload", fmt.Errorf("failed to move %s into place: %w", tmp, err), true)
		}
	}

	logger.Info().Int64("bytes", n).Dur("duration", time.Since(startTime)).Msg("file uploaded")
	return nil
}

func writeRemote(client *sftp.Client, name string, src io.Reader, mode uint32) (int64, error) {
	f, err := client.Create(name)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy file: %w", err)
	}
	if mode > 0 {
		if err := client.Chmod(name, os.FileMode(mode)); err != nil {
			return n, fmt.Errorf("failed to set file permissions: %w", err)
		}
	}
	return n, nil
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// ComputeChecksum calculates the SHA256 checksum of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.ExecuteCommand(ctx, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return "", &TransportError{
			Op:       "checksum",
			Err:      fmt.Errorf("failed to compute checksum: %s", stderr),
			ExitCode: ExitCode(err),
		}
	}

	// sha256sum prints "checksum  filename"
	fields := strings.Fields(stdout)
	if len(fields) < 1 {
		return "", newError("checksum", fmt.Errorf("invalid checksum output: %s", stdout), false)
	}
	return fields[0], nil
}

// createSFTPClient opens an SFTP session on the connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, newError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true)
	}
	return sftpClient, nil
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
