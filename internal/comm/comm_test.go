package comm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkgo/kernelcore/internal/iopub"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/wire"
)

type fakeSender struct {
	mu   chan struct{}
	msgs []*wire.ComposedMsg
}

func newFakeSender() *fakeSender { return &fakeSender{mu: make(chan struct{}, 1000)} }

func (f *fakeSender) Send(_ wire.Identities, msg *wire.ComposedMsg) error {
	f.msgs = append(f.msgs, msg)
	f.mu <- struct{}{}
	return nil
}

func (f *fakeSender) waitForN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.mu:
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for publication")
		}
	}
}

func newTestManager() (*Manager, *fakeSender) {
	sender := newFakeSender()
	session, _ := wire.NewSession([]byte("k"), "kernel")
	pub := iopub.New(session, sender, msgctx.New(), 256)
	return New(pub), sender
}

func TestOpenAtMostOnceAndClose(t *testing.T) {
	m, sender := newTestManager()
	s := m.Open("comm-1", "my.target", InitiatorBackEnd, map[string]interface{}{"a": 1})
	sender.waitForN(t, 1) // comm_open
	assert.Equal(t, 1, m.OpenCount())

	m.Close(s.CommID)
	sender.waitForN(t, 1) // comm_close
	assert.Eventually(t, func() bool { return m.OpenCount() == 0 }, time.Second, time.Millisecond)
}

func TestPendingRPCConsumedOnReply(t *testing.T) {
	m, sender := newTestManager()
	s := m.Open("comm-2", "tgt", InitiatorBackEnd, nil)
	sender.waitForN(t, 1)

	header := wire.Header{MsgID: "req-123", MsgType: "comm_msg"}
	req := &wire.ComposedMsg{Header: header, Content: map[string]interface{}{"comm_id": "comm-2", "data": map[string]interface{}{}}}
	require.NoError(t, m.HandleMsg(context.Background(), nil, req))

	time.Sleep(10 * time.Millisecond) // let the evPendingRPC event register before the reply races it

	s.Send(CommMsg{Kind: MsgRPC, RequestID: "req-123", Data: map[string]interface{}{"ok": true}})
	sender.waitForN(t, 1) // comm_msg reply
	reply := sender.msgs[len(sender.msgs)-1]
	assert.Equal(t, "comm_msg", reply.Header.MsgType)
	assert.Equal(t, "req-123", reply.ParentHeader.MsgID)
}

func TestHandleMsgUnknownCommLogsAndReturnsNil(t *testing.T) {
	m, _ := newTestManager()
	req := &wire.ComposedMsg{
		Header:  wire.Header{MsgID: "x"},
		Content: map[string]interface{}{"comm_id": "does-not-exist", "data": map[string]interface{}{}},
	}
	assert.NoError(t, m.HandleMsg(context.Background(), nil, req))
}
