// Package lsphost implements the embedded LSP host (spec §4.L): a TCP
// listener speaking JSON-RPC 2.0 over go.lsp.dev/jsonrpc2, a writer-priority
// lease coordinator guarding the shared document set, and the document store
// itself. The actual language-analysis logic (hover, completion, diagnostics)
// is an LspHandler supplied by the embedding runtime; the host only owns the
// connection lifecycle and the concurrency discipline around it.
//
// Grounded on original_source's backend.rs, whose backend_read_method! and
// backend_write_method! macros wrap every LSP request in a
// tokio::sync::RwLock<()> read or write guard before dispatch, ensuring
// document edits never interleave with reads that assume a stable snapshot.
// Go has no built-in writer-priority RWMutex (sync.RWMutex favors neither
// side and can starve writers under steady reader load), so the discipline
// is rebuilt here as a small admission-queue coordinator in the style of
// this core's internal/stdin wake-channel pattern.
package lsphost

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type leaseKind int

const (
	leaseRead leaseKind = iota
	leaseWrite
)

// admitRequest is one ticket waiting to be granted the lease. Requests are
// always handled by pointer identity so the coordinator's run loop can find
// and withdraw one that its caller abandoned (ctx cancelled) before grant.
type admitRequest struct {
	kind    leaseKind
	granted chan struct{}
}

// releaseNotice reports that a previously granted lease of kind has ended.
type releaseNotice struct {
	kind leaseKind
}

// LeaseCoordinator grants shared ("read") and exclusive ("write") leases over
// an abstract resource (here, the open document set) with writer priority:
// once a write request is queued, no further read request is admitted ahead
// of it, and the writer itself waits only for already-admitted readers to
// finish.
//
// A single goroutine (run) owns all admission bookkeeping, so decisions never
// race; callers interact with it only through channels.
type LeaseCoordinator struct {
	admit   chan *admitRequest
	cancel  chan *admitRequest
	release chan releaseNotice
	done    chan struct{}

	stopOnce sync.Once
}

// NewLeaseCoordinator creates a coordinator and starts its admission loop.
func NewLeaseCoordinator() *LeaseCoordinator {
	c := &LeaseCoordinator{
		admit:   make(chan *admitRequest),
		cancel:  make(chan *admitRequest),
		release: make(chan releaseNotice),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Stop terminates the admission loop. Leases already granted remain valid
// until released; callers must not invoke WithReadLease/WithWriteLease
// concurrently with or after Stop. Calling Stop more than once is safe.
func (c *LeaseCoordinator) Stop() { c.stopOnce.Do(func() { close(c.done) }) }

// WithReadLease runs fn holding a shared lease.
func (c *LeaseCoordinator) WithReadLease(ctx context.Context, fn func() error) error {
	return c.withLease(ctx, leaseRead, fn)
}

// WithWriteLease runs fn holding the exclusive lease.
func (c *LeaseCoordinator) WithWriteLease(ctx context.Context, fn func() error) error {
	return c.withLease(ctx, leaseWrite, fn)
}

func (c *LeaseCoordinator) withLease(ctx context.Context, kind leaseKind, fn func() error) error {
	req := &admitRequest{kind: kind, granted: make(chan struct{})}
	select {
	case c.admit <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("lsphost: lease coordinator stopped")
	}

	select {
	case <-req.granted:
	case <-ctx.Done():
		c.withdraw(req, kind)
		return ctx.Err()
	case <-c.done:
		return errors.New("lsphost: lease coordinator stopped")
	}

	err := fn()

	select {
	case c.release <- releaseNotice{kind: kind}:
	case <-c.done:
	}
	return err
}

// withdraw tells run() to abandon req: either it was still queued (simply
// removed, no lease ever held) or it had already been granted in the race
// between ctx firing and run() admitting it (run() then synthesizes the
// matching release so counts stay correct).
func (c *LeaseCoordinator) withdraw(req *admitRequest, kind leaseKind) {
	select {
	case c.cancel <- req:
	case <-c.done:
	}
}

// run is the coordinator's single admission loop: a FIFO queue of pending
// requests, plus counts of currently active readers/writer. Writer priority
// falls out of always scanning the queue from the head and never admitting a
// read request that sits behind a not-yet-admitted write request.
func (c *LeaseCoordinator) run() {
	var queue []*admitRequest
	activeReaders := 0
	writerActive := false

	tryAdmit := func() {
		for len(queue) > 0 {
			head := queue[0]
			if head.kind == leaseWrite {
				if writerActive || activeReaders > 0 {
					return
				}
				writerActive = true
				queue = queue[1:]
				close(head.granted)
				continue
			}
			// head.kind == leaseRead
			if writerActive {
				return
			}
			activeReaders++
			queue = queue[1:]
			close(head.granted)
		}
	}

	release := func(kind leaseKind) {
		switch kind {
		case leaseWrite:
			writerActive = false
		case leaseRead:
			if activeReaders > 0 {
				activeReaders--
			}
		}
	}

	for {
		select {
		case req := <-c.admit:
			queue = append(queue, req)
			tryAdmit()
		case notice := <-c.release:
			release(notice.kind)
			tryAdmit()
		case req := <-c.cancel:
			found := false
			for i, q := range queue {
				if q == req {
					queue = append(queue[:i], queue[i+1:]...)
					found = true
					break
				}
			}
			if !found {
				// Already admitted before the cancellation was observed;
				// the caller never ran fn, so synthesize its release.
				release(req.kind)
			}
			tryAdmit()
		case <-c.done:
			return
		}
	}
}
