// Package sshx manages the SSH channel to the appliance: connection
// lifecycle, liveness probing, remote command execution and file transfer.
// The transport offers no asynchronous disconnect event, so an echo-style
// round trip is the only liveness signal available.
package sshx

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// State is the connection state of a Session. It is mutated only by the
// session itself.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when an operation requires a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrAuth indicates the appliance rejected the credentials. It is
	// terminal: retrying with the same secret cannot succeed.
	ErrAuth = errors.New("authentication failed")
	// ErrProbe indicates the post-connect echo probe did not round-trip.
	ErrProbe = errors.New("connection probe failed")
)

const (
	probeTimeout   = 5 * time.Second
	defaultTimeout = 30 * time.Second
)

// CmdResult holds the outcome of one remote command execution.
type CmdResult struct {
	// Success is true when the command exited with status zero.
	Success bool
	Stdout  string
	Stderr  string
}

// Session is a password-authenticated SSH session to a single appliance.
// It is driven by one worker at a time; the mutex only protects the
// connection handle against a concurrent Close.
type Session struct {
	mu     sync.Mutex
	client *ssh.Client
	sftpc  *sftp.Client
	state  State

	host string
	port int
	user string

	transfers []transferStrategy
}

// NewSession returns a disconnected session. Transfer attempts prefer SFTP
// and fall back to shell-based transfer for verified text payloads.
func NewSession() *Session {
	s := &Session{state: Disconnected}
	s.transfers = []transferStrategy{sftpTransfer{}, shellTransfer{}}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect establishes the session, closing any prior one first. A short
// echo command verifies the channel end to end before the session is
// considered connected.
func (s *Session) Connect(host string, port int, user, password string, timeout time.Duration) error {
	s.Close()
	s.setState(Connecting)
	s.host, s.port, s.user = host, port, user

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	log.Info("connecting", "host", addr, "user", user)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		s.setState(Disconnected)
		if isAuthFailure(err) {
			log.Error("authentication rejected", "host", addr, "user", user)
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		log.Error("connection failed", "host", addr, "error", err)
		return fmt.Errorf("cannot reach %s: %w", addr, err)
	}

	s.mu.Lock()
	s.client = client
	s.state = Connected
	s.mu.Unlock()

	res, err := s.run("echo connection_test", probeTimeout)
	if err != nil || !strings.Contains(res.Stdout, "connection_test") {
		s.Close()
		log.Error("connection probe failed", "host", addr, "error", err)
		return ErrProbe
	}

	log.Info("connected", "host", addr, "user", user)
	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "password rejected")
}

// Close tears down the SFTP channel and the SSH client, if any.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpc != nil {
		s.sftpc.Close()
		s.sftpc = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
		log.Debug("session closed", "host", s.host)
	}
	s.state = Disconnected
}

// IsConnected performs a lightweight echo round trip. Any failure marks the
// session disconnected and returns false.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	alive := s.client != nil && s.state != Disconnected
	s.mu.Unlock()
	if !alive {
		return false
	}
	if _, err := s.run("echo keepalive", probeTimeout); err != nil {
		s.setState(Disconnected)
		return false
	}
	return true
}

// Run executes cmd on the appliance, blocking for at most timeout. It fails
// fast with ErrNotConnected when the liveness probe does not pass. A
// non-zero exit status is not an error; it is reported via CmdResult.
func (s *Session) Run(cmd string, timeout time.Duration) (CmdResult, error) {
	if !s.IsConnected() {
		return CmdResult{}, ErrNotConnected
	}
	return s.run(cmd, timeout)
}

// run executes cmd without the liveness gate. Used internally by the probe
// itself and by Run.
func (s *Session) run(cmd string, timeout time.Duration) (CmdResult, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return CmdResult{}, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	sess, err := client.NewSession()
	if err != nil {
		s.setState(Disconnected)
		return CmdResult{}, fmt.Errorf("cannot open channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err = <-done:
	case <-time.After(timeout):
		// There is no way to interrupt an in-flight exec cleanly; closing
		// the channel unblocks the goroutine.
		sess.Close()
		s.setState(Degraded)
		return CmdResult{}, fmt.Errorf("command timeout after %v", timeout)
	}

	res := CmdResult{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			// Transport-level failure, not a remote exit status.
			s.setState(Disconnected)
			return res, fmt.Errorf("command failed: %w", err)
		}
	}
	return res, nil
}

// sftp returns the cached SFTP channel, creating it on first use.
func (s *Session) sftp() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if s.sftpc != nil {
		return s.sftpc, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("cannot open sftp channel: %w", err)
	}
	s.sftpc = c
	return c, nil
}

// UploadFile copies a local file to remotePath, creating missing remote
// parent directories. Transfer strategies are tried in order.
func (s *Session) UploadFile(localPath, remotePath string) error {
	if err := s.ensureRemoteDir(path.Dir(remotePath)); err != nil {
		return err
	}
	var lastErr error
	for _, t := range s.transfers {
		if err := t.upload(s, localPath, remotePath); err != nil {
			log.Warn("upload strategy failed", "strategy", t.name(),
				"remote", remotePath, "error", err)
			lastErr = err
			continue
		}
		transfers.WithLabelValues("upload", t.name()).Inc()
		log.Info("file uploaded", "host", s.host, "strategy", t.name(),
			"local", localPath, "remote", remotePath)
		return nil
	}
	return fmt.Errorf("upload failed: %w", lastErr)
}

// DownloadFile copies remotePath to a local file, creating missing local
// parent directories. Transfer strategies are tried in order.
func (s *Session) DownloadFile(remotePath, localPath string) error {
	var lastErr error
	for _, t := range s.transfers {
		if err := t.download(s, remotePath, localPath); err != nil {
			log.Warn("download strategy failed", "strategy", t.name(),
				"remote", remotePath, "error", err)
			lastErr = err
			continue
		}
		transfers.WithLabelValues("download", t.name()).Inc()
		log.Info("file downloaded", "host", s.host, "strategy", t.name(),
			"remote", remotePath, "local", localPath)
		return nil
	}
	return fmt.Errorf("download failed: %w", lastErr)
}

func (s *Session) ensureRemoteDir(dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	res, err := s.Run(fmt.Sprintf("mkdir -p %s", shellQuote(dir)), probeTimeout)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("cannot create remote directory %s: %s", dir, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// FileExists reports whether remotePath exists on the appliance.
func (s *Session) FileExists(remotePath string) bool {
	if c, err := s.sftp(); err == nil {
		_, err = c.Stat(remotePath)
		return err == nil
	}
	res, err := s.Run(fmt.Sprintf("test -f %s", shellQuote(remotePath)), probeTimeout)
	return err == nil && res.Success
}

// FileSize returns the size of remotePath in bytes, or 0 when the file is
// absent or unreadable.
func (s *Session) FileSize(remotePath string) int64 {
	if c, err := s.sftp(); err == nil {
		if fi, err := c.Stat(remotePath); err == nil {
			return fi.Size()
		}
		return 0
	}
	res, err := s.Run(fmt.Sprintf("stat -c%%s %s", shellQuote(remotePath)), probeTimeout)
	if err != nil || !res.Success {
		return 0
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0
	}
	return size
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// appliance paths survive the remote POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
