package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/odmkit/odmctl/internal/odm"
)

// Publisher uploads local files below RemoteDir on the host Client points at.
type Publisher struct {
	Client    *Client
	RemoteDir string
}

// Publish copies localPath to RemoteDir/remoteName and returns the remote
// path. remoteName uses forward slashes.
func (p *Publisher) Publish(ctx context.Context, localPath, remoteName string) (string, error) {
	remotePath := path.Join(p.RemoteDir, remoteName)
	cli, err := p.Client.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	sf, err := sftp.NewClient(cli)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := PushFile(ctx, sf, localPath, remotePath); err != nil {
		return "", err
	}
	log.Info().Str("remote", p.Client.Addr+":"+remotePath).Msg("Published asset")
	return remotePath, nil
}

// PushFile uploads a local file to a remote path, creating remote
// directories, and verifies the upload by reading it back. A copy whose
// SHA-256 does not match is removed.
func PushFile(ctx context.Context, sf *sftp.Client, localPath, remotePath string) error {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	local := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(odm.ContextReader(ctx, src), local)); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}

	want := hex.EncodeToString(local.Sum(nil))
	got, err := remoteChecksum(sf, remotePath)
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	if got != want {
		_ = sf.Remove(remotePath)
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

func remoteChecksum(sf *sftp.Client, remotePath string) (string, error) {
	f, err := sf.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
