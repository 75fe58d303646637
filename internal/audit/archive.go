package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
)

// Archiver stores an exported audit log and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, name string, body []byte) (string, error)
}

type FTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Path     string
	Timeout  time.Duration
}

// FTPArchiver uploads exports to an FTP server.
type FTPArchiver struct {
	cfg FTPConfig
}

func NewFTPArchiver(cfg FTPConfig) *FTPArchiver {
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FTPArchiver{cfg: cfg}
}

func (a *FTPArchiver) Archive(ctx context.Context, name string, body []byte) (string, error) {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(a.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("FTP connection failed: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(a.cfg.Username, a.cfg.Password); err != nil {
		return "", fmt.Errorf("FTP login failed: %w", err)
	}

	dir := a.cfg.Path
	if dir != "" && dir != "/" {
		if err := conn.ChangeDir(dir); err != nil {
			// Directory may not exist yet.
			_ = conn.MakeDir(dir)
			if err := conn.ChangeDir(dir); err != nil {
				return "", fmt.Errorf("FTP directory change failed: %w", err)
			}
		}
	}

	if err := conn.Stor(name, bytes.NewReader(body)); err != nil {
		return "", fmt.Errorf("FTP upload failed: %w", err)
	}
	return fmt.Sprintf("ftp://%s%s", a.cfg.Host, path.Join("/", dir, name)), nil
}
