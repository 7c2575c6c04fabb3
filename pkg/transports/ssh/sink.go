package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/preservo/preservo/pkg/engine"
)

// Sink uploads deliveries to a remote host over SFTP. Each Put opens its
// own connection.
type Sink struct {
	config *Config
	logger zerolog.Logger
}

var _ engine.DeliverySink = (*Sink)(nil)

// NewSink validates config and returns an SFTP delivery sink.
func NewSink(config *Config, logger zerolog.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Sink{
		config: config,
		logger: logger.With().Str("component", "sftp").Str("host", config.Address()).Logger(),
	}, nil
}

// RemoteDir returns the directory a delivery is written to:
// <remote root>/<plan id>/<destination>.
func (s *Sink) RemoteDir(planID, destination string) string {
	dir := path.Join(s.config.RemoteRoot, planID)
	if destination != "" {
		dir = path.Join(dir, path.Clean("/"+filepath.ToSlash(destination)))
	}
	return dir
}

// Put uploads the files and returns user@host:port:dir.
func (s *Sink) Put(ctx context.Context, planID, destination string, files *engine.FileSet) (string, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	dir := s.RemoteDir(planID, destination)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return "", &TransportError{
			Op:  "mkdir",
			Err: fmt.Errorf("failed to create remote directory %s: %w", dir, err),
		}
	}

	start := time.Now()
	var total int64
	for _, name := range files.Files {
		n, err := s.upload(ctx, sftpClient, filepath.Join(files.Dir, name), path.Join(dir, filepath.ToSlash(name)))
		if err != nil {
			return "", err
		}
		total += n
	}

	s.logger.Info().
		Str("plan_id", planID).
		Str("remote", dir).
		Int("files", len(files.Files)).
		Int64("bytes", total).
		Dur("duration", time.Since(start)).
		Msg("Delivery uploaded")

	return fmt.Sprintf("%s@%s:%s", s.config.User, s.config.Address(), dir), nil
}

// connect dials the host and completes the SSH handshake.
func (s *Sink) connect(ctx context.Context) (*ssh.Client, error) {
	clientConfig, err := s.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := s.config.Address()
	s.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: s.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (s *Sink) upload(ctx context.Context, client *sftp.Client, localPath, remotePath string) (int64, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	n, err := copyWithContext(ctx, remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	s.logger.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("File uploaded")
	return n, nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
