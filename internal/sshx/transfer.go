package sshx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// transferTimeout bounds shell-based transfers. SFTP transfers are bounded
// by the underlying channel instead.
const transferTimeout = 60 * time.Second

// maxShellPayload caps the size of files moved through the shell fallback.
// Larger payloads must go through SFTP.
const maxShellPayload = 1 << 20

// heredocMarker terminates shell-based uploads. It must never occur in a
// valid test definition or result document.
const heredocMarker = "TCMAN_EOF_7f3a"

// A transferStrategy moves a file across the channel. Strategies are tried
// in capability order: the high-throughput binary-safe mechanism first, then
// a text-safe fallback that works on appliances without an SFTP subsystem.
type transferStrategy interface {
	name() string
	upload(s *Session, localPath, remotePath string) error
	download(s *Session, remotePath, localPath string) error
}

type sftpTransfer struct{}

func (sftpTransfer) name() string { return "sftp" }

func (sftpTransfer) upload(s *Session, localPath, remotePath string) error {
	c, err := s.sftp()
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := c.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (sftpTransfer) download(s *Session, remotePath, localPath string) error {
	c, err := s.sftp()
	if err != nil {
		return err
	}
	src, err := c.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// shellTransfer moves text payloads through the command channel using
// heredoc writes and cat reads. It refuses binary content.
type shellTransfer struct{}

func (shellTransfer) name() string { return "shell" }

func (shellTransfer) upload(s *Session, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if len(data) > maxShellPayload {
		return fmt.Errorf("payload too large for shell transfer (%d bytes)", len(data))
	}
	if !isTextPayload(data) {
		return fmt.Errorf("refusing shell transfer of non-text payload")
	}
	if strings.Contains(string(data), heredocMarker) {
		return fmt.Errorf("payload contains heredoc marker")
	}
	cmd := fmt.Sprintf("cat > %s <<'%s'\n%s\n%s",
		shellQuote(remotePath), heredocMarker, string(data), heredocMarker)
	res, err := s.Run(cmd, transferTimeout)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("remote write failed: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (shellTransfer) download(s *Session, remotePath, localPath string) error {
	res, err := s.Run(fmt.Sprintf("cat %s", shellQuote(remotePath)), transferTimeout)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("remote read failed: %s", strings.TrimSpace(res.Stderr))
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(res.Stdout), 0644)
}

// isTextPayload reports whether data is safe to push through a heredoc:
// valid UTF-8 with no NUL or other control bytes besides tab, LF and CR.
func isTextPayload(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return false
	}
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}
