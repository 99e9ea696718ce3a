// Package router implements the Shell and Control routers (spec §4.F/§4.G):
// busy/idle bracketing around serialized request types, async dispatch of
// comm traffic, and a reply-or-drop policy for everything else. Grounded on
// the teacher's internal/dispatcher/dispatcher.go, generalized from a
// GoNB-specific goexec.State switch into the fixed ShellHandler/
// ControlHandler capability dispatch spec.md §3/§6 describe.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/comm"
	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/iopub"
	"github.com/arkgo/kernelcore/internal/kernel"
	"github.com/arkgo/kernelcore/internal/metrics"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/wire"
)

// serializedMsgTypes must be processed one at a time, in order, bracketed by
// a busy/idle status pair on IOPub.
var serializedMsgTypes = []string{
	"execute_request", "inspect_request", "complete_request", "kernel_info_request",
}

// asyncMsgTypes are handled concurrently with whatever serialized request is
// in flight; they never take part in the busy/idle envelope.
var asyncMsgTypes = []string{
	"comm_open", "comm_msg", "comm_close", "comm_info_request", "is_complete_request",
}

// replySocket is the minimal sending surface a router needs for Shell replies.
type replySocket interface {
	Send(ids wire.Identities, msg *wire.ComposedMsg) error
}

// Router drains one socket's Envelope channel and dispatches to a ShellHandler.
type Router struct {
	Name      string // "shell" or "control"
	Session   wire.Session
	Reply     replySocket
	IOPub     *iopub.Broadcaster
	Ctx       *msgctx.Slot
	Comms     *comm.Manager
	Shell     handler.ShellHandler
	Control   handler.ControlHandler
	ExecCount int

	muExec sync.Mutex
	queue  chan queuedRequest
	once   sync.Once
}

type queuedRequest struct {
	ids wire.Identities
	msg *wire.ComposedMsg
}

// New creates a Router; call Run to start draining in.
func New(name string, session wire.Session, reply replySocket, pub *iopub.Broadcaster, ctx *msgctx.Slot, comms *comm.Manager) *Router {
	return &Router{
		Name:    name,
		Session: session,
		Reply:   reply,
		IOPub:   pub,
		Ctx:     ctx,
		Comms:   comms,
		queue:   make(chan queuedRequest, 10000),
	}
}

// Run drains in until it closes or stop fires, dispatching each message.
// onFatal is invoked after a shutdown_request has been handled. An Envelope
// that carries an error (a socket receive failure or a decode failure alike)
// is counted, logged and dropped; it does not call onFatal or stop Run.
func (r *Router) Run(ctx context.Context, in <-chan kernel.Envelope, stop <-chan struct{}, onFatal func(error)) {
	r.once.Do(func() { go r.drainSerialized(ctx) })
	for {
		select {
		case <-stop:
			close(r.queue)
			return
		case env, ok := <-in:
			if !ok {
				close(r.queue)
				return
			}
			if env.Err != nil {
				metrics.RecordError("router_" + r.Name)
				klog.Warningf("%s: message error: %+v", r.Name, env.Err)
				continue
			}
			r.dispatch(ctx, env.Identities, env.Msg, onFatal)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg, onFatal func(error)) {
	msgType := msg.Header.MsgType
	metrics.RecordRequest(r.Name, msgType)
	klog.V(2).Infof("%s: dispatching %q", r.Name, msgType)

	switch {
	case slices.Contains(serializedMsgTypes, msgType):
		select {
		case r.queue <- queuedRequest{ids: ids, msg: msg}:
		default:
			err := errors.Errorf("%s: request queue full (%d), dropping %q", r.Name, len(r.queue), msgType)
			klog.Errorf("%v", err)
			metrics.RecordError("queue_full")
		}

	case slices.Contains(asyncMsgTypes, msgType):
		go func() {
			if err := r.handleAsync(ctx, ids, msg); err != nil {
				klog.Errorf("%s: handling %q failed: %+v", r.Name, msgType, err)
			}
		}()

	case msgType == "shutdown_request":
		err := r.handleShutdown(ctx, ids, msg)
		if err != nil {
			klog.Errorf("%s: shutdown_request failed: %+v", r.Name, err)
		}
		// A shutdown_request always ends the kernel, whether or not the
		// handler itself reported an error.
		onFatal(err)

	case msgType == "interrupt_request":
		if err := r.handleInterrupt(ctx, ids, msg); err != nil {
			klog.Errorf("%s: interrupt_request failed: %+v", r.Name, err)
		}

	default:
		err := errors.Wrapf(wire.ErrUnknownType, "message type %q", msgType)
		metrics.RecordError("unknown_type")
		if !strings.HasSuffix(msgType, "_request") {
			klog.Warningf("%s: %v; dropping", r.Name, err)
			return
		}
		klog.Warningf("%s: %v; replying with an error", r.Name, err)
		replyType := strings.TrimSuffix(msgType, "_request") + "_reply"
		content := map[string]interface{}{
			"status": "error", "ename": "UnknownType", "evalue": err.Error(), "traceback": []string{},
		}
		if replyErr := r.reply(msg, ids, replyType, content); replyErr != nil {
			klog.Errorf("%s: failed to reply to unknown request type %q: %+v", r.Name, msgType, replyErr)
		}
	}
}

// drainSerialized processes the serialized-request queue one at a time,
// wrapping each in a busy/idle IOPub status pair.
func (r *Router) drainSerialized(ctx context.Context) {
	for req := range r.queue {
		r.IOPub.Status(req.msg.Header, iopub.StatusBusy)
		if err := r.handleSerialized(ctx, req.ids, req.msg); err != nil {
			klog.Errorf("%s: handling %q failed: %+v", r.Name, req.msg.Header.MsgType, err)
		}
		r.IOPub.Status(req.msg.Header, iopub.StatusIdle)
	}
}

func (r *Router) reply(parent *wire.ComposedMsg, ids wire.Identities, msgType string, content interface{}) error {
	header, err := r.Session.NewHeader(msgType)
	if err != nil {
		return err
	}
	out := &wire.ComposedMsg{Header: header, ParentHeader: parent.Header, Content: content}
	return r.Reply.Send(ids, out)
}

func (r *Router) originator(ids wire.Identities, msg *wire.ComposedMsg) handler.Originator {
	return handler.Originator{Identities: ids, Header: msg.Header}
}

func contentMap(msg *wire.ComposedMsg) map[string]interface{} {
	if m, ok := msg.Content.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}
