// Package runner drives the per-file pipeline against the appliance:
// upload the definition, wait for the asynchronously produced result
// artifact, download it, normalize it and persist the run. Files are
// processed strictly one at a time; a failed file never aborts the batch.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/juno-kyojin/tcman/internal/locator"
	"github.com/juno-kyojin/tcman/internal/persistence"
	"github.com/juno-kyojin/tcman/internal/retry"
	"github.com/juno-kyojin/tcman/internal/sshx"
	"github.com/juno-kyojin/tcman/pkg/results"
	"github.com/juno-kyojin/tcman/pkg/testdef"
)

// Status is the operator-facing processing state of one file.
type Status string

// Per-file statuses. A retried file moves back through Sending and
// Testing; Failed is permanent for the batch.
const (
	StatusPending   Status = "Pending"
	StatusSending   Status = "Sending"
	StatusTesting   Status = "Testing"
	StatusCompleted Status = "Completed"
	StatusRetrying  Status = "Error/Retrying"
	StatusFailed    Status = "Error/Failed"
	StatusSkipped   Status = "Skipped"
)

// Session is the appliance channel the runner drives. It is satisfied by
// *sshx.Session and by test fakes, and is a superset of locator.Session.
type Session interface {
	Connect(host string, port int, user, password string, timeout time.Duration) error
	Close()
	IsConnected() bool
	Run(cmd string, timeout time.Duration) (sshx.CmdResult, error)
	UploadFile(localPath, remotePath string) error
	DownloadFile(remotePath, localPath string) error
	FileExists(remotePath string) bool
	FileSize(remotePath string) int64
}

// Config holds the target appliance and pipeline tuning.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// ConfigPath is the remote directory the appliance watches for
	// definitions; ResultPath is where it writes result artifacts.
	ConfigPath string
	ResultPath string

	// LocalResultDir receives downloaded artifacts. ArchiveDir, when set,
	// additionally receives a gzipped archive per run.
	LocalResultDir string
	ArchiveDir     string

	ConnectTimeout time.Duration
	// UploadSettle is the pause after upload before the result wait starts,
	// giving the appliance time to notice the new definition.
	UploadSettle time.Duration
	// SettleInterval is the pause after a network-affecting test before the
	// next file, and between reachability probes.
	SettleInterval time.Duration
	ProbeTimeout   time.Duration

	Locator locator.Config
	Gate    locator.Gate
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Port:           22,
		User:           "root",
		ConfigPath:     "/root/config",
		ResultPath:     "/root/result",
		LocalResultDir: "results",
		ConnectTimeout: 10 * time.Second,
		UploadSettle:   time.Second,
		SettleInterval: 5 * time.Second,
		ProbeTimeout:   5 * time.Second,
		Locator:        locator.DefaultConfig(),
		Gate:           locator.DefaultGate(),
	}
}

// FileResult is the outcome of one file's processing.
type FileResult struct {
	Name     string
	Status   Status
	Overall  string
	RunID    string
	Outcomes []results.Outcome
	Attempts int
	Elapsed  time.Duration
	// NetworkAffecting records whether the file was classified as
	// disruptive to the appliance's own network stack.
	NetworkAffecting bool
	Err              error
}

// BatchSummary aggregates one Run call.
type BatchSummary struct {
	Results   []FileResult
	Completed int
	Failed    int
	Skipped   int
	Cancelled bool
	Duration  time.Duration
}

// Runner executes batches of test definition files sequentially over a
// single appliance session.
type Runner struct {
	cfg    Config
	sess   Session
	store  persistence.Store
	emit   Emitter
	budget *retry.FileBudget

	// connectPolicy governs ordinary connects; networkPolicy governs
	// reconnects while a disruptive test is in flight.
	connectPolicy retry.Policy
	networkPolicy retry.Policy

	// probe checks raw TCP reachability after disruptive tests; sleep is a
	// seam for tests and must honor the context.
	probe func(addr string, timeout time.Duration) error
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Runner. store errors never abort processing; they are
// logged and the pipeline continues.
func New(cfg Config, sess Session, store persistence.Store, emit Emitter) *Runner {
	return &Runner{
		cfg:           cfg,
		sess:          sess,
		store:         store,
		emit:          emit,
		budget:        retry.NewFileBudget(retry.DefaultMaxFileRetries),
		connectPolicy: retry.DefaultPolicy(),
		networkPolicy: retry.NetworkAffectingPolicy(),
		probe:         dialProbe,
		sleep:         sleepCtx,
	}
}

func dialProbe(addr string, timeout time.Duration) error {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err == nil {
		c.Close()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run processes files in order. A session that cannot be established at
// all fails the whole batch; once connected, every failure is contained to
// its file. Cancellation stops between stages, leaving the last recorded
// status in place.
func (r *Runner) Run(ctx context.Context, files []string) (BatchSummary, error) {
	start := time.Now()
	summary := BatchSummary{}
	r.emit.OnBatchStart(len(files))

	if err := r.ensureConnected(ctx, r.connectPolicy); err != nil {
		r.logConnection("Failed", err.Error())
		if ctx.Err() != nil {
			summary.Cancelled = true
			summary.Duration = time.Since(start)
			r.emit.OnBatchComplete(summary)
			return summary, nil
		}
		summary.Duration = time.Since(start)
		r.emit.OnBatchComplete(summary)
		return summary, fmt.Errorf("cannot establish session: %w", err)
	}
	r.logConnection("Connected", "")
	r.emit.OnConnect(r.cfg.Host)

	r.budget.Reset()
	prevDisruptive := false

	for i, file := range files {
		if ctx.Err() != nil {
			summary.Cancelled = true
			summary.Skipped += len(files) - i
			break
		}
		if prevDisruptive {
			r.settle(ctx)
		}
		name := filepath.Base(file)
		r.emit.OnFileStart(name, i, len(files))

		res := r.processWithRetry(ctx, file)
		summary.Results = append(summary.Results, res)
		prevDisruptive = res.NetworkAffecting

		switch res.Status {
		case StatusCompleted:
			summary.Completed++
			filesProcessed.WithLabelValues("completed").Inc()
		case StatusFailed:
			summary.Failed++
			filesProcessed.WithLabelValues("failed").Inc()
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			summary.Skipped += len(files) - i - 1
			break
		}
	}

	summary.Duration = time.Since(start)
	r.emit.OnBatchComplete(summary)
	return summary, nil
}

// processWithRetry re-runs the whole per-file pipeline until it succeeds,
// the file's retry budget is exhausted, or the failure is terminal.
func (r *Runner) processWithRetry(ctx context.Context, file string) FileResult {
	name := filepath.Base(file)
	for attempt := 1; ; attempt++ {
		res, err := r.processFile(ctx, file)
		res.Attempts = attempt
		if err == nil {
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			// Leave the last recorded status; the batch loop reports the
			// cancellation.
			return res
		}
		if r.budget.ShouldRetry(name, err) {
			fileRetries.Inc()
			res.Status = StatusRetrying
			r.emit.OnFileStatus(name, StatusRetrying)
			r.emit.OnFileError(name, friendlyMessage(err), err)
			log.Warn("retrying file", "file", name,
				"used", r.budget.Used(name), "max", retry.DefaultMaxFileRetries, "error", err)
			if !r.sess.IsConnected() {
				if cerr := r.ensureConnected(ctx, r.connectPolicy); cerr != nil {
					log.Error("reconnect for retry failed", "file", name, "error", cerr)
				}
			}
			continue
		}
		res.Status = StatusFailed
		r.emit.OnFileStatus(name, StatusFailed)
		r.emit.OnFileError(name, friendlyMessage(err), err)
		log.Error("file failed permanently", "file", name, "attempts", attempt, "error", err)
		r.persistFailure(res)
		return res
	}
}

// processFile runs one attempt of the full pipeline for a single file.
func (r *Runner) processFile(ctx context.Context, file string) (FileResult, error) {
	name := filepath.Base(file)
	res := FileResult{Name: name, Status: StatusPending}
	start := time.Now()

	def, err := testdef.Load(file)
	if err != nil {
		return res, fmt.Errorf("definition rejected: %w", err)
	}
	impact := testdef.AnalyzeImpacts(def)
	res.NetworkAffecting = impact.NetworkAffecting() ||
		testdef.NameSuggestsNetworkImpact(def.BaseName())
	log.Info("processing file", "file", name, "cases", def.Summary(),
		"network_affecting", res.NetworkAffecting)

	res.Status = StatusSending
	r.emit.OnFileStatus(name, StatusSending)
	remote := path.Join(r.cfg.ConfigPath, name)
	if err := r.sess.UploadFile(file, remote); err != nil {
		return res, fmt.Errorf("upload: %w", err)
	}
	// The appliance polls its config directory; give it a beat before we
	// start looking for output.
	if err := r.sleep(ctx, r.cfg.UploadSettle); err != nil {
		return res, err
	}

	res.Status = StatusTesting
	r.emit.OnFileStatus(name, StatusTesting)
	loc := locator.New(r.sess, r.cfg.Gate, r.cfg.Locator, r.reconnector(res.NetworkAffecting))
	waitStart := time.Now()
	art, err := loc.Find(ctx, r.cfg.ResultPath, def.BaseName(), res.NetworkAffecting)
	resultWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return res, err
	}

	if err := os.MkdirAll(r.cfg.LocalResultDir, 0755); err != nil {
		return res, fmt.Errorf("cannot create result dir: %w", err)
	}
	local := filepath.Join(r.cfg.LocalResultDir, art.FileName)
	if err := r.sess.DownloadFile(art.RemotePath, local); err != nil {
		return res, fmt.Errorf("download: %w", err)
	}
	raw, err := os.ReadFile(local)
	if err != nil {
		return res, fmt.Errorf("cannot read downloaded result: %w", err)
	}

	service, action := runIdentity(def)
	res.Outcomes = results.Normalize(raw, service, action)
	res.Overall = results.Overall(raw)
	res.Elapsed = time.Since(start)
	res.Status = StatusCompleted

	res.RunID = r.persistRun(persistence.RunRecord{
		FileName:      name,
		FileSize:      def.Size,
		TestCount:     def.TestCount(),
		SendStatus:    string(StatusCompleted),
		OverallResult: res.Overall,
		AffectsWAN:    impact.AffectsWAN,
		AffectsLAN:    impact.AffectsLAN,
		ExecutionTime: res.Elapsed.Seconds(),
		TargetHost:    r.cfg.Host,
		TargetUser:    r.cfg.User,
	}, res.Outcomes, def.BaseName(), raw)

	r.emit.OnFileComplete(name, res.Overall, res.Elapsed)
	log.Info("file completed", "file", name, "overall", res.Overall,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// runIdentity resolves the (service, action) pair a result document is
// normalized under: the first test case when present, else the file name
// convention.
func runIdentity(def *testdef.Definition) (string, string) {
	if len(def.TestCases) > 0 {
		return def.TestCases[0].Service, def.TestCases[0].Action
	}
	return results.IdentityFromBaseName(def.BaseName())
}

// archiveDocument is the shape written to the gzip archive per run.
type archiveDocument struct {
	Record   persistence.RunRecord `json:"record"`
	Outcomes []results.Outcome     `json:"outcomes"`
	Raw      json.RawMessage       `json:"raw"`
}

// persistRun saves the record, its outcomes and the optional archive copy.
// History loss never fails the run.
func (r *Runner) persistRun(rec persistence.RunRecord, outcomes []results.Outcome, baseName string, raw []byte) string {
	runID, err := r.store.SaveRun(rec)
	if err != nil {
		log.Error("cannot save run record", "file", rec.FileName, "error", err)
		return ""
	}
	if err := r.store.SaveOutcomes(runID, outcomes); err != nil {
		log.Error("cannot save outcomes", "run", runID, "error", err)
	}
	if r.cfg.ArchiveDir != "" {
		rec.ID = runID
		doc := archiveDocument{Record: rec, Outcomes: outcomes, Raw: raw}
		if _, err := persistence.WriteArchive(r.cfg.ArchiveDir, baseName, runID, doc); err != nil {
			log.Error("cannot write archive", "run", runID, "error", err)
		}
	}
	return runID
}

func (r *Runner) persistFailure(res FileResult) {
	_, err := r.store.SaveRun(persistence.RunRecord{
		FileName:      res.Name,
		SendStatus:    string(StatusFailed),
		OverallResult: results.OverallUnknown,
		AffectsWAN:    false,
		AffectsLAN:    false,
		ExecutionTime: res.Elapsed.Seconds(),
		TargetHost:    r.cfg.Host,
		TargetUser:    r.cfg.User,
	})
	if err != nil {
		log.Error("cannot save failure record", "file", res.Name, "error", err)
	}
}

func (r *Runner) logConnection(status, details string) {
	err := r.store.LogConnection(persistence.ConnectionEvent{
		Host:    r.cfg.Host,
		Status:  status,
		Details: details,
	})
	if err != nil {
		log.Error("cannot log connection event", "error", err)
	}
}

// ensureConnected connects under the given policy unless the session is
// already live.
func (r *Runner) ensureConnected(ctx context.Context, policy retry.Policy) error {
	if r.sess.IsConnected() {
		return nil
	}
	return policy.Run(ctx, "connect", func() error {
		connectAttempts.Inc()
		return r.sess.Connect(r.cfg.Host, r.cfg.Port, r.cfg.User, r.cfg.Password, r.cfg.ConnectTimeout)
	})
}

// reconnector returns the locator's reconnect hook. Disruptive tests sever
// the channel on purpose, so they get the larger attempt budget.
func (r *Runner) reconnector(networkAffecting bool) func(ctx context.Context) error {
	policy := r.connectPolicy
	if networkAffecting {
		policy = r.networkPolicy
	}
	return func(ctx context.Context) error {
		return r.ensureConnected(ctx, policy)
	}
}

// settle pauses after a disruptive test and confirms raw TCP reachability
// before the next file. Lack of confirmation is logged, not fatal: the next
// connect attempt will surface the real failure.
func (r *Runner) settle(ctx context.Context) {
	log.Info("network-affecting test finished, settling", "interval", r.cfg.SettleInterval)
	if r.sleep(ctx, r.cfg.SettleInterval) != nil {
		return
	}
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	for i := 0; i < 5; i++ {
		err := r.probe(addr, r.cfg.ProbeTimeout)
		if err == nil {
			log.Debug("appliance reachable again", "addr", addr)
			return
		}
		log.Warn("appliance not reachable yet", "addr", addr, "error", err)
		if r.sleep(ctx, r.cfg.SettleInterval) != nil {
			return
		}
	}
	log.Warn("proceeding without reachability confirmation", "addr", addr)
}

// friendlyMessage maps an internal failure to the concise explanation shown
// to the operator; the full error stays in the logs.
func friendlyMessage(err error) string {
	switch {
	case errors.Is(err, locator.ErrResultTimeout):
		return "Timeout - Test took too long"
	case errors.Is(err, sshx.ErrAuth):
		return "Authentication failed - Check credentials"
	case errors.Is(err, sshx.ErrNotConnected) || retry.Retryable(err):
		return "Connection problem - Check target device"
	default:
		return "Processing failed - See logs for details"
	}
}
