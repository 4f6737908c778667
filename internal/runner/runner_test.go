package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"

	"github.com/juno-kyojin/tcman/internal/locator"
	"github.com/juno-kyojin/tcman/internal/persistence"
	"github.com/juno-kyojin/tcman/internal/retry"
	"github.com/juno-kyojin/tcman/internal/sshx"
)

// fakeSession simulates the appliance channel, including the shell commands
// the locator issues while searching the result directory.
type fakeSession struct {
	connected bool
	// connectErrs are consumed one per Connect call; nil means success.
	// When exhausted, Connect succeeds.
	connectErrs []error
	connects    int
	onConnect   func()

	// resultFiles are the names visible in the remote result directory.
	resultFiles []string
	fileSizes   map[string]int64
	contents    map[string]string

	uploads   map[string]string
	uploadErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		fileSizes: map[string]int64{},
		contents:  map[string]string{},
		uploads:   map[string]string{},
	}
}

func (s *fakeSession) addResult(name, content string) {
	s.resultFiles = append(s.resultFiles, name)
	s.fileSizes[name] = int64(len(content))
	s.contents[name] = content
}

func (s *fakeSession) Connect(host string, port int, user, password string, timeout time.Duration) error {
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	s.connected = true
	if s.onConnect != nil {
		s.onConnect()
	}
	return nil
}

func (s *fakeSession) Close()            { s.connected = false }
func (s *fakeSession) IsConnected() bool { return s.connected }

func (s *fakeSession) Run(cmd string, timeout time.Duration) (sshx.CmdResult, error) {
	if !s.connected {
		return sshx.CmdResult{}, sshx.ErrNotConnected
	}
	switch {
	case strings.HasPrefix(cmd, "ls -1"):
		return sshx.CmdResult{Success: true, Stdout: strings.Join(s.resultFiles, "\n")}, nil
	case strings.HasPrefix(cmd, "grep"):
		return sshx.CmdResult{Success: false}, nil
	default:
		return sshx.CmdResult{Success: true}, nil
	}
}

func (s *fakeSession) UploadFile(localPath, remotePath string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads[remotePath] = localPath
	return nil
}

func (s *fakeSession) DownloadFile(remotePath, localPath string) error {
	content, ok := s.contents[path.Base(remotePath)]
	if !ok {
		return fmt.Errorf("no such file: %s", remotePath)
	}
	return os.WriteFile(localPath, []byte(content), 0644)
}

func (s *fakeSession) FileExists(remotePath string) bool {
	_, ok := s.fileSizes[path.Base(remotePath)]
	return ok
}

func (s *fakeSession) FileSize(remotePath string) int64 {
	return s.fileSizes[path.Base(remotePath)]
}

// recordingEmitter captures every event for assertions.
type recordingEmitter struct {
	statuses  []string
	completes []string
	errors    []string
	batches   int
}

func (e *recordingEmitter) OnBatchStart(total int)                 {}
func (e *recordingEmitter) OnConnect(host string)                  {}
func (e *recordingEmitter) OnFileStart(name string, i, total int)  {}
func (e *recordingEmitter) OnDebug(msg string)                     {}
func (e *recordingEmitter) OnBatchComplete(s BatchSummary)         { e.batches++ }
func (e *recordingEmitter) OnFileStatus(name string, st Status)    { e.statuses = append(e.statuses, name+":"+string(st)) }
func (e *recordingEmitter) OnFileError(name, msg string, _ error)  { e.errors = append(e.errors, name+":"+msg) }
func (e *recordingEmitter) OnFileComplete(name, overall string, _ time.Duration) {
	e.completes = append(e.completes, name+":"+overall)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "192.0.2.1"
	cfg.Port = 2222
	cfg.User = "root"
	cfg.Password = "secret"
	cfg.LocalResultDir = t.TempDir()
	cfg.ConnectTimeout = time.Millisecond
	cfg.UploadSettle = time.Millisecond
	cfg.SettleInterval = time.Millisecond
	cfg.ProbeTimeout = time.Millisecond
	cfg.Locator = locator.Config{
		BaseTimeout:         200 * time.Millisecond,
		NetworkTimeoutFloor: 400 * time.Millisecond,
		PollMin:             time.Millisecond,
		PollExpected:        2 * time.Millisecond,
		PollMax:             3 * time.Millisecond,
		GraceBase:           time.Millisecond,
		GraceMax:            5 * time.Millisecond,
		Extension:           ".json",
		CmdTimeout:          50 * time.Millisecond,
	}
	cfg.Gate = locator.Gate{MinSize: 1, Interval: time.Millisecond}
	return cfg
}

func newTestRunner(t *testing.T, cfg Config, sess Session) (*Runner, *persistence.BadgerStore, *recordingEmitter) {
	t.Helper()
	store, err := persistence.OpenBadger("")
	testingx.Must(t, err, "cannot open in-memory store")
	t.Cleanup(func() { store.Close() })
	emit := &recordingEmitter{}
	r := New(cfg, sess, store, emit)
	r.connectPolicy = fastPolicy(retry.DefaultMaxAttempts)
	r.networkPolicy = fastPolicy(retry.NetworkAffectingMaxAttempts)
	r.probe = func(addr string, timeout time.Duration) error { return nil }
	return r, store, emit
}

func writeDef(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	testingx.Must(t, os.WriteFile(p, []byte(content), 0644), "cannot write definition")
	return p
}

const passDoc = `{"summary":{"total_test_cases":1,"passed":1,"failed":0,"failed_services":[],"total_duration_ms":1500}}`

func TestRunSingleFile(t *testing.T) {
	sess := newFakeSession()
	sess.addResult("dns_lookup_20250603_120000.json", passDoc)
	cfg := testConfig(t)
	r, store, emit := newTestRunner(t, cfg, sess)

	file := writeDef(t, "dns_lookup.json",
		`{"test_cases":[{"service":"dns","action":"lookup"}]}`)
	summary, err := r.Run(context.Background(), []string{file})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 0 {
		t.Fatalf("got completed=%d failed=%d, want 1/0", summary.Completed, summary.Failed)
	}
	res := summary.Results[0]
	if res.Status != StatusCompleted || res.Overall != "Pass" {
		t.Errorf("got status=%s overall=%s", res.Status, res.Overall)
	}
	if res.NetworkAffecting {
		t.Error("dns lookup classified as network-affecting")
	}
	if _, ok := sess.uploads["/root/config/dns_lookup.json"]; !ok {
		t.Errorf("definition not uploaded to config dir: %v", sess.uploads)
	}

	runs, err := store.RecentRuns(10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v (%d records)", err, len(runs))
	}
	if runs[0].SendStatus != string(StatusCompleted) || runs[0].OverallResult != "Pass" {
		t.Errorf("bad record: %+v", runs[0])
	}
	outcomes, err := store.Outcomes(res.RunID)
	if err != nil || len(outcomes) == 0 {
		t.Fatalf("stored outcomes: %v (%d)", err, len(outcomes))
	}
	if outcomes[0].Service != "dns" || outcomes[0].Status != "pass" {
		t.Errorf("bad outcome: %+v", outcomes[0])
	}
	if len(emit.completes) != 1 || emit.completes[0] != "dns_lookup.json:Pass" {
		t.Errorf("completion events: %v", emit.completes)
	}
}

// A disruptive test severs the channel mid-wait. The runner must hold the
// pipeline state, reconnect under the extended budget, and finish the file
// as if nothing happened.
func TestRunSurvivesConnectionDrop(t *testing.T) {
	sess := newFakeSession()
	// First connect succeeds; the first reconnect attempt is refused, the
	// second lands and the result artifact materializes.
	sess.connectErrs = []error{nil, errors.New("dial tcp: connection refused"), nil}
	sess.onConnect = func() {
		if sess.connects >= 3 {
			sess.addResult("wan_restart_20250603_120000.json", passDoc)
		}
	}
	cfg := testConfig(t)
	r, store, _ := newTestRunner(t, cfg, sess)

	file := writeDef(t, "wan_restart.json",
		`{"test_cases":[{"service":"wan","action":"restart"}]}`)

	// Simulate the drop: the upload goes through, then the channel dies.
	r.sleep = func(ctx context.Context, d time.Duration) error {
		// The first pipeline sleep is the post-upload settle; that is the
		// moment the appliance bounces its WAN.
		if sess.connects == 1 && sess.connected {
			sess.connected = false
		}
		return sleepCtx(ctx, d)
	}

	summary, err := r.Run(context.Background(), []string{file})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("got completed=%d, want 1; results: %+v", summary.Completed, summary.Results)
	}
	res := summary.Results[0]
	if res.Overall != "Pass" || !res.NetworkAffecting {
		t.Errorf("got overall=%s network_affecting=%v", res.Overall, res.NetworkAffecting)
	}
	if sess.connects != 3 {
		t.Errorf("got %d connect attempts, want 3", sess.connects)
	}
	runs, err := store.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v", err)
	}
	if !runs[0].AffectsWAN {
		t.Error("run record not flagged affects_wan")
	}
	if runs[0].AffectsLAN {
		t.Error("run record wrongly flagged affects_lan")
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	sess := newFakeSession()
	sess.connected = true
	sess.uploadErr = errors.New("write: broken pipe")
	cfg := testConfig(t)
	r, store, emit := newTestRunner(t, cfg, sess)

	file := writeDef(t, "dns_lookup.json",
		`{"test_cases":[{"service":"dns","action":"lookup"}]}`)
	summary, err := r.Run(context.Background(), []string{file})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("got failed=%d, want 1", summary.Failed)
	}
	res := summary.Results[0]
	if res.Status != StatusFailed {
		t.Errorf("got status=%s, want %s", res.Status, StatusFailed)
	}
	// Initial attempt plus the full per-file budget.
	if want := 1 + retry.DefaultMaxFileRetries; res.Attempts != want {
		t.Errorf("got %d attempts, want %d", res.Attempts, want)
	}
	for _, e := range emit.errors {
		if !strings.Contains(e, "Connection problem") {
			t.Errorf("unexpected operator message: %s", e)
		}
	}
	runs, err := store.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v", err)
	}
	if runs[0].SendStatus != string(StatusFailed) {
		t.Errorf("failure record status: %s", runs[0].SendStatus)
	}
}

func TestRunIsolatesBadDefinition(t *testing.T) {
	sess := newFakeSession()
	sess.connected = true
	sess.addResult("dns_lookup_20250603_120000.json", passDoc)
	cfg := testConfig(t)
	r, _, _ := newTestRunner(t, cfg, sess)

	bad := writeDef(t, "bad.json", `{invalid`)
	good := writeDef(t, "dns_lookup.json",
		`{"test_cases":[{"service":"dns","action":"lookup"}]}`)
	summary, err := r.Run(context.Background(), []string{bad, good})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Failed != 1 || summary.Completed != 1 {
		t.Fatalf("got completed=%d failed=%d, want 1/1", summary.Completed, summary.Failed)
	}
	// Malformed input is terminal on the first attempt.
	if summary.Results[0].Attempts != 1 {
		t.Errorf("bad definition took %d attempts", summary.Results[0].Attempts)
	}
}

func TestRunBatchFatalOnAuthFailure(t *testing.T) {
	sess := newFakeSession()
	sess.connectErrs = []error{fmt.Errorf("%w: password rejected", sshx.ErrAuth)}
	cfg := testConfig(t)
	r, _, _ := newTestRunner(t, cfg, sess)

	file := writeDef(t, "dns_lookup.json",
		`{"test_cases":[{"service":"dns"}]}`)
	summary, err := r.Run(context.Background(), []string{file})
	if err == nil {
		t.Fatal("Run succeeded without a session")
	}
	if !errors.Is(err, sshx.ErrAuth) {
		t.Errorf("error does not wrap ErrAuth: %v", err)
	}
	// Credentials cannot heal: exactly one attempt.
	if sess.connects != 1 {
		t.Errorf("got %d connect attempts, want 1", sess.connects)
	}
	if len(summary.Results) != 0 {
		t.Errorf("files were processed without a session: %+v", summary.Results)
	}
}

func TestRunCancelledBeforeFirstFile(t *testing.T) {
	sess := newFakeSession()
	sess.connected = true
	cfg := testConfig(t)
	r, _, _ := newTestRunner(t, cfg, sess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	file := writeDef(t, "dns_lookup.json",
		`{"test_cases":[{"service":"dns"}]}`)
	summary, err := r.Run(ctx, []string{file})
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if !summary.Cancelled || summary.Skipped != 1 {
		t.Errorf("got cancelled=%v skipped=%d", summary.Cancelled, summary.Skipped)
	}
}

func TestRunSettlesAfterDisruptiveFile(t *testing.T) {
	sess := newFakeSession()
	sess.connected = true
	sess.addResult("wan_restart_20250603_120000.json", passDoc)
	sess.addResult("dns_lookup_20250603_120100.json", passDoc)
	cfg := testConfig(t)
	r, _, _ := newTestRunner(t, cfg, sess)
	probes := 0
	r.probe = func(addr string, timeout time.Duration) error {
		probes++
		return nil
	}

	files := []string{
		writeDef(t, "wan_restart.json", `{"test_cases":[{"service":"wan","action":"restart"}]}`),
		writeDef(t, "dns_lookup.json", `{"test_cases":[{"service":"dns","action":"lookup"}]}`),
	}
	summary, err := r.Run(context.Background(), files)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("got completed=%d, want 2; results: %+v", summary.Completed, summary.Results)
	}
	if probes != 1 {
		t.Errorf("got %d reachability probes, want 1", probes)
	}
}

func TestRunWritesArchive(t *testing.T) {
	sess := newFakeSession()
	sess.connected = true
	sess.addResult("dns_lookup_20250603_120000.json", passDoc)
	cfg := testConfig(t)
	cfg.ArchiveDir = t.TempDir()
	r, _, _ := newTestRunner(t, cfg, sess)

	file := writeDef(t, "dns_lookup.json",
		`{"test_cases":[{"service":"dns","action":"lookup"}]}`)
	if _, err := r.Run(context.Background(), []string{file}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(cfg.ArchiveDir, "runs", "*", "*", "*", "dns_lookup-*.json.gz"))
	if err != nil || len(matches) != 1 {
		t.Errorf("archive file not written: %v (%d matches)", err, len(matches))
	}
}

func TestFriendlyMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", locator.ErrResultTimeout), "Timeout - Test took too long"},
		{fmt.Errorf("%w: rejected", sshx.ErrAuth), "Authentication failed - Check credentials"},
		{errors.New("read: connection lost"), "Connection problem - Check target device"},
		{sshx.ErrNotConnected, "Connection problem - Check target device"},
		{errors.New("definition rejected: invalid JSON"), "Processing failed - See logs for details"},
	}
	for _, tt := range tests {
		if got := friendlyMessage(tt.err); got != tt.want {
			t.Errorf("friendlyMessage(%v): got %q, want %q", tt.err, got, tt.want)
		}
	}
}
