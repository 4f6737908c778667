package locator

import (
	"time"
)

// Gate confirms that a candidate artifact is fully written before it is
// downloaded.
type Gate struct {
	// MinSize is the minimum acceptable file size in bytes.
	MinSize int64
	// Interval separates the two size reads of the strict check.
	Interval time.Duration

	// sleep is a seam for tests.
	sleep func(time.Duration)
}

// DefaultGate returns the production stability gate: at least 10 bytes,
// sampled twice 500ms apart.
func DefaultGate() Gate {
	return Gate{MinSize: 10, Interval: 500 * time.Millisecond}
}

// Ready reports whether the remote file is complete and stable. The file
// must exist and be at least MinSize bytes. Under the lenient policy that
// is sufficient: network-affecting tests write their result atomically in
// one short-lived process, and re-checking risks missing the narrow window
// before a subsequent reboot. Otherwise the size is read twice, Interval
// apart, and must not change.
func (g Gate) Ready(sess Session, path string, lenient bool) bool {
	if !sess.FileExists(path) {
		return false
	}
	size := sess.FileSize(path)
	if size < g.MinSize {
		return false
	}
	if lenient {
		return true
	}
	if g.sleep != nil {
		g.sleep(g.Interval)
	} else {
		time.Sleep(g.Interval)
	}
	return sess.FileSize(path) == size
}
