package runner

import (
	"fmt"
	"time"
)

// Emitter is an interface for reporting batch progress.
type Emitter interface {
	// OnBatchStart is called once before the first file is processed.
	OnBatchStart(total int)
	// OnConnect is called when the appliance session is established.
	OnConnect(host string)
	// OnFileStart is called when a file's processing begins.
	OnFileStart(name string, index, total int)
	// OnFileStatus is called on every per-file status transition.
	OnFileStatus(name string, status Status)
	// OnFileComplete is called when a file finishes successfully.
	OnFileComplete(name, overall string, elapsed time.Duration)
	// OnFileError is called when a file attempt fails. msg is the concise
	// operator-facing explanation; err carries the detail.
	OnFileError(name, msg string, err error)
	// OnBatchComplete is called once, after the last file or on cancellation.
	OnBatchComplete(s BatchSummary)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnBatchStart prints the batch size.
func (HumanReadable) OnBatchStart(total int) {
	fmt.Printf("Processing %d test file(s)\n", total)
}

// OnConnect is called when the connection to the appliance is established.
func (HumanReadable) OnConnect(host string) {
	fmt.Printf("Connected to %s\n", host)
}

// OnFileStart prints the file being processed.
func (HumanReadable) OnFileStart(name string, index, total int) {
	fmt.Printf("[%d/%d] %s\n", index+1, total, name)
}

// OnFileStatus prints per-file status transitions.
func (HumanReadable) OnFileStatus(name string, status Status) {
	fmt.Printf("  %s: %s\n", name, status)
}

// OnFileComplete prints the file's overall result.
func (HumanReadable) OnFileComplete(name, overall string, elapsed time.Duration) {
	fmt.Printf("  %s: %s (%.1fs)\n", name, overall, elapsed.Seconds())
}

// OnFileError prints the concise failure explanation.
func (HumanReadable) OnFileError(name, msg string, err error) {
	fmt.Printf("  %s: %s\n", name, msg)
}

// OnBatchComplete prints the batch summary.
func (HumanReadable) OnBatchComplete(s BatchSummary) {
	fmt.Println()
	if s.Cancelled {
		fmt.Println("Batch cancelled")
	}
	fmt.Printf("Batch complete: %d ok, %d failed, %d skipped (%.1fs)\n",
		s.Completed, s.Failed, s.Skipped, s.Duration.Seconds())
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
