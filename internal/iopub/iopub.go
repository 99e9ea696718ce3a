// Package iopub implements the IOPub broadcaster (spec §4.E): a bounded
// FIFO of outgoing publications, drained by a single goroutine onto the PUB
// socket so that ordering within the socket is preserved. Messages with no
// explicit parent fall back to the shared internal/msgctx slot, grounded on
// the Rust kernel's IOPubMessage channel in comm/comm_manager.rs.
package iopub

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/metrics"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/wire"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	StatusStarting = "starting"
	StatusBusy     = "busy"
	StatusIdle     = "idle"
)

// Sender is the minimal socket-sending surface iopub needs; satisfied by
// internal/kernel's SyncSocket.
type Sender interface {
	Send(ids wire.Identities, msg *wire.ComposedMsg) error
}

// Publication is one pending outgoing IOPub message.
type Publication struct {
	Parent  wire.Header // empty -> fall back to the msgctx.Slot, else empty object
	MsgType string
	Content interface{}
}

// Broadcaster owns the outgoing IOPub queue and its draining goroutine.
type Broadcaster struct {
	session Session
	sender  Sender
	ctx     *msgctx.Slot
	queue   chan Publication
	done    chan struct{}
}

// Session is the subset of wire.Session the broadcaster needs to stamp headers.
type Session = wire.Session

// New creates a Broadcaster with the given outgoing queue capacity and starts
// its drain loop.
func New(session Session, sender Sender, ctx *msgctx.Slot, capacity int) *Broadcaster {
	b := &Broadcaster{
		session: session,
		sender:  sender,
		ctx:     ctx,
		queue:   make(chan Publication, capacity),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues a publication. It never blocks the caller on socket I/O.
func (b *Broadcaster) Publish(p Publication) {
	select {
	case b.queue <- p:
		metrics.SetIOPubQueueDepth(len(b.queue))
	case <-b.done:
		klog.Warningf("iopub: dropping %q publication, broadcaster stopped", p.MsgType)
	}
}

// Status publishes a kernel status message ("starting"/"busy"/"idle").
func (b *Broadcaster) Status(parent wire.Header, state string) {
	b.Publish(Publication{
		Parent:  parent,
		MsgType: "status",
		Content: map[string]interface{}{"execution_state": state},
	})
}

// Stream publishes captured stdout/stderr text.
func (b *Broadcaster) Stream(parent wire.Header, stream, text string) {
	b.Publish(Publication{
		Parent:  parent,
		MsgType: "stream",
		Content: map[string]interface{}{"name": stream, "text": text},
	})
}

// ExecuteInput publishes the echoed code of an execute_request.
func (b *Broadcaster) ExecuteInput(parent wire.Header, execCount int, code string) {
	b.Publish(Publication{
		Parent:  parent,
		MsgType: "execute_input",
		Content: map[string]interface{}{"execution_count": execCount, "code": code},
	})
}

// ExecuteResult publishes the value of an execute_request.
func (b *Broadcaster) ExecuteResult(parent wire.Header, execCount int, data, metadata map[string]interface{}) {
	b.Publish(Publication{
		Parent:  parent,
		MsgType: "execute_result",
		Content: map[string]interface{}{
			"execution_count": execCount,
			"data":            ensureMap(data),
			"metadata":        ensureMap(metadata),
		},
	})
}

// DisplayData publishes rich content not tied to a particular execution_count.
func (b *Broadcaster) DisplayData(parent wire.Header, data, metadata, transient map[string]interface{}) {
	b.Publish(Publication{
		Parent:  parent,
		MsgType: "display_data",
		Content: map[string]interface{}{
			"data":      ensureMap(data),
			"metadata":  ensureMap(metadata),
			"transient": ensureMap(transient),
		},
	})
}

// Error publishes an execution error as an IOPub "error" frame.
func (b *Broadcaster) Error(parent wire.Header, ename, evalue string, traceback []string) {
	b.Publish(Publication{
		Parent:  parent,
		MsgType: "error",
		Content: map[string]interface{}{"ename": ename, "evalue": evalue, "traceback": traceback},
	})
}

// CommOpen/CommMsgOut/CommClose mirror the comm lifecycle events that the
// comm manager needs to broadcast on IOPub (spec §4.J).
func (b *Broadcaster) CommOpen(parent wire.Header, commID, targetName string, data map[string]interface{}) {
	b.Publish(Publication{Parent: parent, MsgType: "comm_open", Content: map[string]interface{}{
		"comm_id": commID, "target_name": targetName, "data": ensureMap(data),
	}})
}

func (b *Broadcaster) CommMsgOut(parent wire.Header, commID string, data map[string]interface{}) {
	b.Publish(Publication{Parent: parent, MsgType: "comm_msg", Content: map[string]interface{}{
		"comm_id": commID, "data": ensureMap(data),
	}})
}

func (b *Broadcaster) CommClose(parent wire.Header, commID string, data map[string]interface{}) {
	b.Publish(Publication{Parent: parent, MsgType: "comm_close", Content: map[string]interface{}{
		"comm_id": commID, "data": ensureMap(data),
	}})
}

// Stop signals the drain goroutine to finish: it sends whatever is already
// queued and then exits. Stop itself returns immediately, without waiting
// for that drain.
func (b *Broadcaster) Stop() {
	close(b.done)
}

func (b *Broadcaster) run() {
	for {
		select {
		case p := <-b.queue:
			metrics.SetIOPubQueueDepth(len(b.queue))
			if err := b.send(p); err != nil {
				klog.Errorf("iopub: failed to send %q: %+v", p.MsgType, err)
				metrics.RecordError("iopub_send")
			}
		case <-b.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case p := <-b.queue:
					if err := b.send(p); err != nil {
						klog.Errorf("iopub: failed to send %q during drain: %+v", p.MsgType, err)
					}
				default:
					return
				}
			}
		}
	}
}

func (b *Broadcaster) send(p Publication) error {
	parent := p.Parent
	if parent.IsZero() {
		if ctxParent, ok := b.ctx.Get(); ok {
			parent = ctxParent
		}
	}
	header, err := b.session.NewHeader(p.MsgType)
	if err != nil {
		return errors.WithMessage(err, "iopub: building header")
	}
	msg := &wire.ComposedMsg{Header: header, ParentHeader: parent, Content: p.Content}
	return b.sender.Send(nil, msg)
}

func ensureMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
