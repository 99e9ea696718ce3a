// Package stdin implements the StdIn reverse-request channel (spec §4.I): a
// dual-flow socket carrying both input_request/input_reply and
// comm_request/comm_reply, with a single in-flight request at a time and an
// Idle -> SentRequest -> Idle state machine.
//
// Grounded on original_source's socket/stdin.rs forwarder loop, extended
// with the wake-channel dispatch spec.md additionally requires: instead of
// a single `input_request_rx` receiver, any number of outbound sources
// (handler PromptInput calls, comm back-end RPCs) enqueue onto one request
// queue and signal a single-slot "wake" channel, so the forwarder never
// needs a reflect.Select over a dynamic source set.
package stdin

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/kernel"
	"github.com/arkgo/kernelcore/internal/metrics"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/wire"
)

// State is the forwarder's current position in its state machine.
type State int32

const (
	Idle State = iota
	SentRequest
)

// sender is the minimal socket-send surface the Channel needs.
type sender interface {
	Send(ids wire.Identities, msg *wire.ComposedMsg) error
}

// request is one queued outbound StdIn request.
type request struct {
	originator handler.Originator
	msgType    string // "input_request" or "comm_request"
	content    map[string]interface{}
	reply      chan map[string]interface{} // delivered the front end's reply content
}

// Channel owns the StdIn socket's forwarder loop.
type Channel struct {
	session wire.Session
	send    sender
	ctx     *msgctx.Slot
	shell   handler.ShellHandler

	state atomic.Int32

	mu      sync.Mutex
	pending *request // the request currently awaiting a reply, if any

	queue chan request
	wake  chan struct{}

	interruptCh chan struct{}
}

// New creates a Channel. Run must be called to start its forwarder loop.
func New(session wire.Session, send sender, ctx *msgctx.Slot, shellHandler handler.ShellHandler) *Channel {
	return &Channel{
		session:     session,
		send:        send,
		ctx:         ctx,
		shell:       shellHandler,
		queue:       make(chan request, 64),
		wake:        make(chan struct{}, 1),
		interruptCh: make(chan struct{}, 1),
	}
}

// State returns the forwarder's current state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Interrupt unblocks a pending wait, returning the forwarder to Idle.
// internal/supervisor calls it from the kernel's interrupt subscription,
// which fires on a captured OS signal (see kernel.HandleSignals). A Control
// interrupt_request is passed to the ControlHandler only and does not call
// Interrupt.
func (c *Channel) Interrupt() {
	select {
	case c.interruptCh <- struct{}{}:
	default:
	}
}

// PromptInput enqueues an input_request addressed to originator and returns
// the front end's reply value once received (or an error on interrupt/stop).
func (c *Channel) PromptInput(ctx context.Context, originator handler.Originator, prompt string, password bool) (string, error) {
	reply := make(chan map[string]interface{}, 1)
	c.enqueue(request{
		originator: originator,
		msgType:    "input_request",
		content:    map[string]interface{}{"prompt": prompt, "password": password},
		reply:      reply,
	})
	select {
	case content, ok := <-reply:
		if !ok {
			return "", errors.New("stdin: interrupted before reply")
		}
		value, _ := content["value"].(string)
		return value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CommRequest enqueues a comm_request (the reverse-RPC variant used by a
// back-end comm to ask the front end a question) and returns its reply data.
func (c *Channel) CommRequest(ctx context.Context, originator handler.Originator, data map[string]interface{}) (map[string]interface{}, error) {
	reply := make(chan map[string]interface{}, 1)
	c.enqueue(request{originator: originator, msgType: "comm_request", content: data, reply: reply})
	select {
	case content, ok := <-reply:
		if !ok {
			return nil, errors.New("stdin: interrupted before reply")
		}
		return content, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) enqueue(r request) {
	c.queue <- r
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drains incoming StdIn replies (in) and dispatches queued outbound
// requests one at a time until stop fires or in closes.
func (c *Channel) Run(ctx context.Context, in <-chan kernel.Envelope, stop <-chan struct{}) {
	for {
		select {
		case req := <-c.queue:
			// Already have work queued from a prior wake; serve it directly
			// without waiting on the wake channel again.
			c.serve(ctx, req, in, stop)
			continue
		default:
		}

		// Idle: wait for a queued request, shutdown, or a reply arriving with
		// nothing outstanding to match it against.
		select {
		case <-stop:
			return
		case <-c.wake:
		case env, ok := <-in:
			if !ok {
				return
			}
			c.dropUnsolicited(env)
		}
	}
}

// dropUnsolicited logs and discards a StdIn frame that arrived while no
// request was outstanding, instead of letting it sit in the channel where a
// later, unrelated request would wrongly receive it as its reply.
func (c *Channel) dropUnsolicited(env kernel.Envelope) {
	if env.Err != nil {
		klog.Warningf("stdin: receive error while idle: %+v", env.Err)
		return
	}
	klog.Warningf("stdin: dropping unsolicited %q received with no request outstanding", env.Msg.Header.MsgType)
	metrics.RecordError("stdin_unsolicited")
}

func (c *Channel) serve(ctx context.Context, req request, in <-chan kernel.Envelope, stop <-chan struct{}) {
	c.state.Store(int32(SentRequest))
	c.mu.Lock()
	c.pending = &req
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.state.Store(int32(Idle))
	}()

	header, err := c.session.NewHeader(req.msgType)
	if err != nil {
		klog.Errorf("stdin: failed to build header: %+v", err)
		close(req.reply)
		return
	}
	out := &wire.ComposedMsg{Header: header, ParentHeader: req.originator.Header, Content: req.content}
	if err := c.send.Send(req.originator.Identities, out); err != nil {
		klog.Errorf("stdin: failed to send %s: %+v", req.msgType, err)
		metrics.RecordError("stdin_send")
		close(req.reply)
		return
	}

	for {
		select {
		case <-stop:
			close(req.reply)
			return
		case <-c.interruptCh:
			klog.V(1).Infof("stdin: interrupted while awaiting reply to %q", req.msgType)
			close(req.reply)
			return
		case env, ok := <-in:
			if !ok {
				close(req.reply)
				return
			}
			if env.Err != nil {
				klog.Warningf("stdin: receive error: %+v", env.Err)
				continue
			}
			msgType := env.Msg.Header.MsgType
			if msgType != "input_reply" && msgType != "comm_reply" {
				klog.Warningf("stdin: unexpected message type %q on StdIn socket", msgType)
				continue
			}
			c.ctx.Set(env.Msg.Header)
			content, _ := env.Msg.Content.(map[string]interface{})
			req.reply <- content
			if msgType == "input_reply" {
				orig := handler.Originator{Identities: env.Identities, Header: env.Msg.Header}
				if err := c.shell.InputReply(ctx, valueOf(content), orig); err != nil {
					klog.Warningf("stdin: handler.InputReply failed: %+v", err)
				}
			}
			return
		}
	}
}

func valueOf(content map[string]interface{}) string {
	v, _ := content["value"].(string)
	return v
}
