package stdin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/kernel"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/wire"
)

type fakeSender struct{ sent chan *wire.ComposedMsg }

func (f *fakeSender) Send(_ wire.Identities, msg *wire.ComposedMsg) error {
	f.sent <- msg
	return nil
}

type fakeShellHandler struct{ replies chan string }

func (fakeShellHandler) Info(context.Context) wire.KernelInfo { return wire.KernelInfo{} }
func (fakeShellHandler) Execute(context.Context, handler.ExecuteRequest, handler.Originator) (handler.ExecuteResult, error) {
	return handler.ExecuteResult{}, nil
}
func (fakeShellHandler) IsComplete(context.Context, string) (string, string, error) { return "", "", nil }
func (fakeShellHandler) Complete(context.Context, string, int) (handler.CompleteReply, error) {
	return handler.CompleteReply{}, nil
}
func (fakeShellHandler) Inspect(context.Context, string, int, int) (handler.InspectReply, error) {
	return handler.InspectReply{}, nil
}
func (fakeShellHandler) CommOpen(context.Context, string, string, map[string]interface{}) error { return nil }
func (fakeShellHandler) CommInfo(context.Context, string) (map[string]handler.CommInfoEntry, error) {
	return nil, nil
}
func (h fakeShellHandler) InputReply(_ context.Context, value string, _ handler.Originator) error {
	h.replies <- value
	return nil
}

func TestPromptInputRoundTrip(t *testing.T) {
	sender := &fakeSender{sent: make(chan *wire.ComposedMsg, 10)}
	session, err := wire.NewSession([]byte("k"), "kernel")
	require.NoError(t, err)
	h := fakeShellHandler{replies: make(chan string, 1)}
	c := New(session, sender, msgctx.New(), h)

	in := make(chan kernel.Envelope, 1)
	stop := make(chan struct{})
	go c.Run(context.Background(), in, stop)

	resultCh := make(chan string, 1)
	go func() {
		value, err := c.PromptInput(context.Background(), handler.Originator{}, "name?", false)
		require.NoError(t, err)
		resultCh <- value
	}()

	var sent *wire.ComposedMsg
	select {
	case sent = <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for input_request")
	}
	assert.Equal(t, "input_request", sent.Header.MsgType)
	assert.Equal(t, SentRequest, c.State())

	in <- kernel.Envelope{Msg: &wire.ComposedMsg{
		Header:  wire.Header{MsgType: "input_reply"},
		Content: map[string]interface{}{"value": "Ada"},
	}}

	select {
	case value := <-resultCh:
		assert.Equal(t, "Ada", value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	assert.Eventually(t, func() bool { return c.State() == Idle }, time.Second, time.Millisecond)
	close(stop)
}

func TestStrayReplyWhileIdleIsDroppedNotMisdelivered(t *testing.T) {
	sender := &fakeSender{sent: make(chan *wire.ComposedMsg, 10)}
	session, err := wire.NewSession([]byte("k"), "kernel")
	require.NoError(t, err)
	h := fakeShellHandler{replies: make(chan string, 1)}
	c := New(session, sender, msgctx.New(), h)

	in := make(chan kernel.Envelope, 1)
	stop := make(chan struct{})
	go c.Run(context.Background(), in, stop)

	// A reply arrives with no request outstanding; it must be dropped, not
	// queued up to be wrongly handed to the next, unrelated request.
	in <- kernel.Envelope{Msg: &wire.ComposedMsg{
		Header:  wire.Header{MsgType: "input_reply"},
		Content: map[string]interface{}{"value": "stray"},
	}}
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan string, 1)
	go func() {
		value, err := c.PromptInput(context.Background(), handler.Originator{}, "name?", false)
		require.NoError(t, err)
		resultCh <- value
	}()
	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for input_request")
	}

	in <- kernel.Envelope{Msg: &wire.ComposedMsg{
		Header:  wire.Header{MsgType: "input_reply"},
		Content: map[string]interface{}{"value": "Ada"},
	}}
	select {
	case value := <-resultCh:
		assert.Equal(t, "Ada", value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the genuine reply")
	}
	close(stop)
}

func TestInterruptAbandonsPendingWait(t *testing.T) {
	sender := &fakeSender{sent: make(chan *wire.ComposedMsg, 10)}
	session, err := wire.NewSession([]byte("k"), "kernel")
	require.NoError(t, err)
	h := fakeShellHandler{replies: make(chan string, 1)}
	c := New(session, sender, msgctx.New(), h)

	in := make(chan kernel.Envelope, 1)
	stop := make(chan struct{})
	go c.Run(context.Background(), in, stop)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.PromptInput(context.Background(), handler.Originator{}, "name?", false)
		errCh <- err
	}()
	<-sender.sent
	assert.Equal(t, SentRequest, c.State())

	c.Interrupt()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupted prompt to return")
	}
	close(stop)
}
