// Package streamcapture implements stream capture (spec §4.K): redirecting
// the kernel process's own stdout/stderr into IOPub "stream" publications,
// attributed via internal/msgctx when no explicit parent is known.
//
// Grounded on the teacher's kernel/pipeexec.go, which pipes a *subprocess's*
// stdout/stderr to Jupyter via io.Copy; adapted here to capture this
// process's own output, since this core has no subprocess of its own to exec
// (spec §1 places the interpreter that would run such subprocesses out of
// scope). Capture replaces the os.Stdout and os.Stderr variables with pipe
// write ends; file descriptors 1 and 2 are not redirected, so output written
// to them directly (by cgo code, child processes, or through an *os.File
// obtained before Start) is not captured.
package streamcapture

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/iopub"
	"github.com/arkgo/kernelcore/internal/wire"
)

// Behavior selects whether capture is active; tests that need direct access
// to stdout/stderr (e.g. `go test -v` output) disable it.
type Behavior int

const (
	CaptureEnabled Behavior = iota
	CaptureDisabled
)

// Capture owns the pipe and copy goroutine for one stream (stdout or
// stderr).
type Capture struct {
	name     string
	original *os.File
	writeEnd *os.File
	readEnd  *os.File
	wg       sync.WaitGroup
}

// Controller manages capture of both stdout and stderr.
type Controller struct {
	pub      *iopub.Broadcaster
	stdout   *Capture
	stderr   *Capture
	behavior Behavior
}

// New creates a Controller. Start must be called to begin redirection.
func New(pub *iopub.Broadcaster, behavior Behavior) *Controller {
	return &Controller{pub: pub, behavior: behavior}
}

// Start redirects os.Stdout and os.Stderr into pipes copied onto IOPub
// "stream" messages, attributed to parent (or the msgctx fallback if parent
// is zero).
func (c *Controller) Start(parent wire.Header) error {
	if c.behavior == CaptureDisabled {
		return nil
	}
	var err error
	if c.stdout, err = startOne("stdout", os.Stdout, func(s string) { c.pub.Stream(parent, iopub.StreamStdout, s) }); err != nil {
		return errors.WithMessage(err, "streamcapture: failed to redirect stdout")
	}
	if c.stderr, err = startOne("stderr", os.Stderr, func(s string) { c.pub.Stream(parent, iopub.StreamStderr, s) }); err != nil {
		c.stdout.Stop(restoreStdout)
		return errors.WithMessage(err, "streamcapture: failed to redirect stderr")
	}
	return nil
}

// Stop restores the original os.Stdout and os.Stderr values and waits for the
// copy goroutines to drain.
func (c *Controller) Stop() {
	if c.stdout != nil {
		c.stdout.Stop(restoreStdout)
	}
	if c.stderr != nil {
		c.stderr.Stop(restoreStderr)
	}
}

func restoreStdout(f *os.File) { os.Stdout = f }
func restoreStderr(f *os.File) { os.Stderr = f }

func startOne(name string, original *os.File, emit func(string)) (*Capture, error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	capture := &Capture{name: name, original: original, writeEnd: writeEnd, readEnd: readEnd}
	switch name {
	case "stdout":
		os.Stdout = writeEnd
	case "stderr":
		os.Stderr = writeEnd
	}
	capture.wg.Add(1)
	go func() {
		defer capture.wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := readEnd.Read(buf)
			if n > 0 {
				emit(string(buf[:n]))
			}
			if err != nil {
				if err != io.EOF {
					klog.Warningf("streamcapture: %s read failed: %+v", name, err)
				}
				return
			}
		}
	}()
	return capture, nil
}

// Stop closes the write end (unblocking the reader's Read with EOF), waits
// for the copy goroutine, and restores the original *os.File via restore.
func (c *Capture) Stop(restore func(*os.File)) {
	restore(c.original)
	_ = c.writeEnd.Close()
	c.wg.Wait()
	_ = c.readEnd.Close()
}
