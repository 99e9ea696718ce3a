// Package supervisor wires every component of the kernel core together:
// sockets, message context, IOPub, comm manager, the Shell and Control
// routers, the StdIn channel, stream capture, and (optionally) the embedded
// LSP host. It is the single place that knows the full startup order.
//
// Grounded on the teacher's main.go + internal/dispatcher.RunKernel, which
// together construct a kernel.Kernel, a goexec.State, and hand both to
// RunKernel's per-socket polling loop; Supervisor generalizes that sequence
// away from the hardcoded Go-execution state into the handler.Set capability
// bundle an embedding runtime supplies.
package supervisor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/comm"
	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/iopub"
	"github.com/arkgo/kernelcore/internal/kernel"
	"github.com/arkgo/kernelcore/internal/lsphost"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/router"
	"github.com/arkgo/kernelcore/internal/stdin"
	"github.com/arkgo/kernelcore/internal/streamcapture"
	"github.com/arkgo/kernelcore/internal/util"
	"github.com/arkgo/kernelcore/internal/wire"
)

// IOPubQueueCapacity bounds the number of buffered, not-yet-sent IOPub
// publications; once it is full, publishers block until the IOPub drain
// goroutine has sent enough to make room.
const IOPubQueueCapacity = 4096

// Options configures a Supervisor beyond the required connection file and
// handler set.
type Options struct {
	// LspAddr is the address (host:port) the embedded LSP host binds, e.g.
	// "127.0.0.1:0" to pick an ephemeral port. Ignored if Handlers.Lsp is nil.
	LspAddr string
	// LspWorkspaceRoots, if set, are watched with fsnotify for every accepted
	// LSP connection and forwarded as synthetic workspace/didChangeWatchedFiles
	// notifications. Ignored if Handlers.Lsp is nil.
	LspWorkspaceRoots []string
	// CaptureStreams controls whether the process's own stdout/stderr are
	// redirected onto IOPub "stream" messages.
	CaptureStreams bool
}

// Supervisor owns every running component of one kernel instance.
type Supervisor struct {
	Kernel  *kernel.Kernel
	IOPub   *iopub.Broadcaster
	Comms   *comm.Manager
	Stdin   *stdin.Channel
	Capture *streamcapture.Controller
	LspHost *lsphost.Host

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start parses connectionFile, binds the five sockets, and starts every
// component, dispatching Shell/Control requests to handlers and driving the
// LSP host (if handlers.Lsp is set). It returns once startup succeeds; the
// components continue running on their own goroutines until Stop is called
// or the kernel is shut down by a front end's shutdown_request.
func Start(connectionFile string, handlers handler.Set, opts Options) (*Supervisor, error) {
	k, err := kernel.New(connectionFile)
	if err != nil {
		return nil, errors.WithMessage(err, "supervisor: failed to start kernel")
	}
	k.HandleSignals()

	session, err := wire.NewSession(k.Sockets.Key, "kernel")
	if err != nil {
		return nil, errors.WithMessage(err, "supervisor: failed to create session")
	}

	ctx := msgctx.New()
	pub := iopub.New(session, k.Sockets.IOPub, ctx, IOPubQueueCapacity)
	comms := comm.New(pub)

	sup := &Supervisor{Kernel: k, IOPub: pub, Comms: comms}

	shellRouter := router.New("shell", session, k.Sockets.Shell, pub, ctx, comms)
	shellRouter.Shell = handlers.Shell
	shellRouter.Control = handlers.Control

	controlRouter := router.New("control", session, k.Sockets.Control, pub, ctx, comms)
	controlRouter.Shell = handlers.Shell
	controlRouter.Control = handlers.Control

	runCtx := context.Background()
	sup.runRouter(runCtx, shellRouter, k.Shell())
	sup.runRouter(runCtx, controlRouter, k.Control())

	sup.Stdin = stdin.New(session, k.Sockets.Stdin, ctx, handlers.Shell)
	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		sup.Stdin.Run(runCtx, k.Stdin(), k.StoppedChan())
	}()
	k.SubscribeInterrupt(func(kernel.SubscriptionID) { sup.Stdin.Interrupt() })

	if opts.CaptureStreams {
		sup.Capture = streamcapture.New(pub, streamcapture.CaptureEnabled)
		if err := sup.Capture.Start(wire.Header{}); err != nil {
			klog.Warningf("supervisor: failed to start stream capture: %+v", err)
		}
	}

	if handlers.Lsp != nil {
		addr := opts.LspAddr
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		host, err := lsphost.NewHost(addr, handlers.Lsp, opts.LspWorkspaceRoots...)
		if err != nil {
			sup.Stop()
			return nil, errors.WithMessage(err, "supervisor: failed to start LSP host")
		}
		sup.LspHost = host
		sup.wg.Add(1)
		go func() {
			defer sup.wg.Done()
			util.ReportError(host.Serve(runCtx))
		}()
	}

	return sup, nil
}

// runRouter starts a router draining in until the kernel stops, stopping the
// kernel itself if the router reports a fatal condition (e.g. a
// shutdown_request).
func (sup *Supervisor) runRouter(ctx context.Context, r *router.Router, in <-chan kernel.Envelope) {
	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		r.Run(ctx, in, sup.Kernel.StoppedChan(), func(err error) {
			if err != nil {
				klog.Errorf("supervisor: %s router reported a fatal error, stopping kernel:\n%s\n%+v",
					r.Name, util.GetStackTrace(), err)
			}
			sup.Stop()
		})
	}()
}

// Stop shuts down every component and returns without waiting for their
// goroutines; Wait blocks until they have exited.
func (sup *Supervisor) Stop() {
	sup.stopOnce.Do(func() {
		sup.Kernel.Stop()
		if sup.Capture != nil {
			sup.Capture.Stop()
		}
		sup.Comms.Stop()
		sup.IOPub.Stop()
		if sup.LspHost != nil {
			_ = sup.LspHost.Close()
		}
	})
}

// Wait blocks until every component's goroutines have exited.
func (sup *Supervisor) Wait() {
	sup.Kernel.ExitWait()
	sup.wg.Wait()
}
