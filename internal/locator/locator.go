// Package locator finds the result artifact produced asynchronously by the
// appliance for an uploaded test definition. The appliance gives no
// completion signal, so several independent search strategies are tried on
// every poll cycle, with a log-scrape fallback once the deadline passes.
package locator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"

	"github.com/juno-kyojin/tcman/internal/sshx"
)

// ErrResultTimeout is returned when every strategy, including the
// log-scrape fallback, failed to produce an artifact before the deadline.
var ErrResultTimeout = errors.New("timeout waiting for result file")

// Session is the subset of the SSH session the locator needs. It is
// satisfied by *sshx.Session and by test fakes.
type Session interface {
	IsConnected() bool
	Run(cmd string, timeout time.Duration) (sshx.CmdResult, error)
	FileExists(path string) bool
	FileSize(path string) int64
}

// Artifact is a located, stability-checked result file on the appliance.
type Artifact struct {
	RemotePath   string
	FileName     string
	DiscoveredAt time.Time
}

// Config tunes the search.
type Config struct {
	// BaseTimeout is the overall wait budget for ordinary tests.
	BaseTimeout time.Duration
	// NetworkTimeoutFloor is the minimum budget for network-affecting
	// tests; such tests get max(2*BaseTimeout, NetworkTimeoutFloor).
	NetworkTimeoutFloor time.Duration
	// PollMin, PollExpected and PollMax shape the jittered poll interval.
	PollMin      time.Duration
	PollExpected time.Duration
	PollMax      time.Duration
	// GraceBase is the first wait after a connection loss; consecutive
	// failures grow the wait linearly up to GraceMax, and a successful
	// reconnect shrinks it back one step.
	GraceBase time.Duration
	GraceMax  time.Duration
	// Extension is the expected result file extension.
	Extension string
	// LogPaths are remote log files scanned by the fallback strategy.
	LogPaths []string
	// CmdTimeout bounds each individual remote command.
	CmdTimeout time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		BaseTimeout:         120 * time.Second,
		NetworkTimeoutFloor: 300 * time.Second,
		PollMin:             2 * time.Second,
		PollExpected:        3 * time.Second,
		PollMax:             5 * time.Second,
		GraceBase:           5 * time.Second,
		GraceMax:            30 * time.Second,
		Extension:           ".json",
		LogPaths: []string{
			"/var/log/messages",
			"/var/log/syslog",
			"/tmp/test_runner.log",
		},
		CmdTimeout: 15 * time.Second,
	}
}

// Locator searches a remote directory for the result artifact matching a
// base name.
type Locator struct {
	sess Session
	gate Gate
	cfg  Config

	// reconnect re-establishes the session after a connection loss. The
	// search state survives the reconnect.
	reconnect func(ctx context.Context) error

	// sleep is a seam for tests; it must honor the context.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Locator using sess for all remote queries. reconnect is
// invoked after a connection loss and its failures are absorbed into the
// grace-wait loop rather than aborting the search.
func New(sess Session, gate Gate, cfg Config, reconnect func(ctx context.Context) error) *Locator {
	return &Locator{
		sess:      sess,
		gate:      gate,
		cfg:       cfg,
		reconnect: reconnect,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Timeout returns the overall wait budget for the given run class.
func (l *Locator) Timeout(networkAffecting bool) time.Duration {
	if !networkAffecting {
		return l.cfg.BaseTimeout
	}
	t := 2 * l.cfg.BaseTimeout
	if t < l.cfg.NetworkTimeoutFloor {
		t = l.cfg.NetworkTimeoutFloor
	}
	return t
}

// Find waits for the result artifact corresponding to baseName to appear in
// dir. networkAffecting selects the extended timeout, the lenient stability
// policy and the larger reconnect budget. Cumulative reconnection delay
// counts against the overall budget: the deadline is wall clock from entry.
func (l *Locator) Find(ctx context.Context, dir, baseName string, networkAffecting bool) (Artifact, error) {
	timeout := l.Timeout(networkAffecting)
	deadline := time.Now().Add(timeout)
	start := time.Now()

	log.Info("waiting for result file", "dir", dir, "base", baseName,
		"timeout", timeout, "network_affecting", networkAffecting)

	// Snapshot the directory so strategies 2 and 3 can tell new files from
	// leftovers of earlier runs. A failed listing degrades to an empty
	// snapshot rather than aborting the wait.
	known := l.listDir(dir)

	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      l.cfg.PollMin,
		Expected: l.cfg.PollExpected,
		Max:      l.cfg.PollMax,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("cannot create poll ticker: %w", err)
	}
	defer ticker.Stop()

	graceFailures := 0
	lastProgress := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			return Artifact{}, err
		}

		if time.Now().After(deadline) {
			// Last resort: the appliance logs result writes even when the
			// directory scan misses them.
			if art, ok := l.logScrape(dir, baseName); ok {
				return art, nil
			}
			return Artifact{}, fmt.Errorf("%w after %v", ErrResultTimeout, time.Since(start).Round(time.Second))
		}

		if !l.sess.IsConnected() {
			// Many targeted tests restart the appliance's networking stack
			// and sever this very channel. Give it time to come back
			// before burning a reconnect attempt.
			grace := graceDelay(l.cfg.GraceBase, l.cfg.GraceMax, graceFailures)
			log.Warn("connection lost during result wait", "grace", grace,
				"consecutive_failures", graceFailures)
			if err := l.sleep(ctx, grace); err != nil {
				return Artifact{}, err
			}
			if err := l.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return Artifact{}, ctx.Err()
				}
				graceFailures++
				continue
			}
			if graceFailures > 0 {
				graceFailures--
			}
			log.Info("reconnected, resuming result wait", "elapsed", time.Since(start).Round(time.Second))
			continue
		}

		if art, ok := l.searchOnce(dir, baseName, known, networkAffecting); ok {
			log.Info("result file found", "name", art.FileName,
				"elapsed", time.Since(start).Round(time.Second))
			return art, nil
		}

		if time.Since(lastProgress) >= 15*time.Second {
			log.Info("still waiting for result file",
				"elapsed", time.Since(start).Round(time.Second), "base", baseName)
			lastProgress = time.Now()
		}

		select {
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// graceDelay grows linearly with consecutive reconnect failures: base,
// 2*base, 3*base... capped at max.
func graceDelay(base, max time.Duration, consecutiveFailures int) time.Duration {
	d := base * time.Duration(consecutiveFailures+1)
	if d > max {
		return max
	}
	return d
}

// searchOnce runs the ordered strategies for one poll cycle. The first
// candidate that passes the stability gate wins.
func (l *Locator) searchOnce(dir, baseName string, known map[string]bool, lenient bool) (Artifact, bool) {
	for _, strategy := range []func(string, string, map[string]bool) (string, bool){
		l.byPatternRecency,
		l.byModTime,
		l.byDirDiff,
	} {
		name, ok := strategy(dir, baseName, known)
		if !ok {
			continue
		}
		remote := path.Join(dir, name)
		if !l.gate.Ready(l.sess, remote, lenient) {
			log.Debug("candidate not stable yet", "name", name)
			continue
		}
		return Artifact{RemotePath: remote, FileName: name, DiscoveredAt: time.Now()}, true
	}
	return Artifact{}, false
}

// byPatternRecency lists files whose name contains the base name and picks
// the newest by the embedded _YYYYMMDD_HHMMSS suffix; when no candidate
// carries a parseable timestamp the lexically greatest name wins.
func (l *Locator) byPatternRecency(dir, baseName string, _ map[string]bool) (string, bool) {
	var candidates []string
	for _, name := range l.listDirNames(dir, "ls -1") {
		if strings.Contains(name, baseName) && strings.HasSuffix(name, l.cfg.Extension) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return selectNewest(candidates), true
}

// byModTime asks for the single most recently modified file of the expected
// extension; it is accepted only if it contains the base name and was not
// present when the wait began.
func (l *Locator) byModTime(dir, baseName string, known map[string]bool) (string, bool) {
	cmd := fmt.Sprintf(
		"find %s -maxdepth 1 -type f -name '*%s' -printf '%%T@ %%p\\n' | sort -nr | head -1",
		shellQuote(dir), l.cfg.Extension)
	res, err := l.sess.Run(cmd, l.cfg.CmdTimeout)
	if err != nil || !res.Success {
		return "", false
	}
	line := strings.TrimSpace(res.Stdout)
	if line == "" {
		return "", false
	}
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return "", false
	}
	name := path.Base(strings.TrimSpace(fields[1]))
	if strings.Contains(name, baseName) && !known[name] {
		return name, true
	}
	return "", false
}

// byDirDiff diffs the current listing against the wait-start snapshot. New
// names containing the base name win; failing that, the single newest new
// file is accepted as a last resort within this strategy only.
func (l *Locator) byDirDiff(dir, baseName string, known map[string]bool) (string, bool) {
	var newNames []string
	// ls -1t sorts newest first, so the first new entry is the newest.
	for _, name := range l.listDirNames(dir, "ls -1t") {
		if !known[name] && strings.HasSuffix(name, l.cfg.Extension) {
			newNames = append(newNames, name)
		}
	}
	if len(newNames) == 0 {
		return "", false
	}
	for _, name := range newNames {
		if strings.Contains(name, baseName) {
			return name, true
		}
	}
	return newNames[0], true
}

// logScrape searches the configured remote log files for a recorded write
// of a result file for this base name. A hit bypasses the stability gate
// except for a bare existence check. Called once, after the deadline.
func (l *Locator) logScrape(dir, baseName string) (Artifact, bool) {
	log.Info("deadline passed, scraping appliance logs", "base", baseName)
	pattern := fmt.Sprintf("%s[0-9A-Za-z_]*\\%s", baseName, l.cfg.Extension)
	for _, logPath := range l.cfg.LogPaths {
		cmd := fmt.Sprintf("grep -ho '%s' %s 2>/dev/null | tail -1", pattern, shellQuote(logPath))
		res, err := l.sess.Run(cmd, l.cfg.CmdTimeout)
		if err != nil || !res.Success {
			continue
		}
		name := strings.TrimSpace(res.Stdout)
		if name == "" {
			continue
		}
		remote := path.Join(dir, name)
		if !l.sess.FileExists(remote) {
			continue
		}
		log.Info("result file recovered from appliance log", "name", name, "log", logPath)
		return Artifact{RemotePath: remote, FileName: name, DiscoveredAt: time.Now()}, true
	}
	return Artifact{}, false
}

func (l *Locator) listDir(dir string) map[string]bool {
	names := map[string]bool{}
	for _, name := range l.listDirNames(dir, "ls -1") {
		names[name] = true
	}
	return names
}

func (l *Locator) listDirNames(dir, lsCmd string) []string {
	res, err := l.sess.Run(fmt.Sprintf("%s %s", lsCmd, shellQuote(dir)), l.cfg.CmdTimeout)
	if err != nil || !res.Success {
		return nil
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// timestampRe matches the _YYYYMMDD_HHMMSS suffix convention. The format is
// a documented contract with the appliance, not an incidental string shape.
var timestampRe = regexp.MustCompile(`_(\d{8})_(\d{6})`)

// resultTimestamp extracts the last embedded timestamp from name as a
// sortable integer.
func resultTimestamp(name string) (int64, bool) {
	matches := timestampRe.FindAllStringSubmatch(name, -1)
	if len(matches) == 0 {
		return 0, false
	}
	m := matches[len(matches)-1]
	v, err := strconv.ParseInt(m[1]+m[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// selectNewest picks the candidate with the greatest embedded timestamp,
// falling back to lexical order when no candidate has one.
func selectNewest(candidates []string) string {
	best := ""
	var bestTS int64 = -1
	for _, name := range candidates {
		if ts, ok := resultTimestamp(name); ok && ts > bestTS {
			best, bestTS = name, ts
		}
	}
	if best != "" {
		return best
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return sorted[len(sorted)-1]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
