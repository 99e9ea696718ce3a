package streamcapture

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkgo/kernelcore/internal/iopub"
	"github.com/arkgo/kernelcore/internal/msgctx"
	"github.com/arkgo/kernelcore/internal/wire"
)

type fakeSender struct{ msgs chan *wire.ComposedMsg }

func (f *fakeSender) Send(_ wire.Identities, msg *wire.ComposedMsg) error {
	f.msgs <- msg
	return nil
}

func TestCaptureRedirectsStdout(t *testing.T) {
	sender := &fakeSender{msgs: make(chan *wire.ComposedMsg, 10)}
	session, err := wire.NewSession([]byte("k"), "kernel")
	require.NoError(t, err)
	pub := iopub.New(session, sender, msgctx.New(), 16)

	ctl := New(pub, CaptureEnabled)
	require.NoError(t, ctl.Start(wire.Header{MsgID: "parent-1", MsgType: "execute_request"}))

	fmt.Fprint(os.Stdout, "hello from captured stdout")
	ctl.Stop()

	select {
	case msg := <-sender.msgs:
		assert.Equal(t, "stream", msg.Header.MsgType)
		content := msg.Content.(map[string]interface{})
		assert.Equal(t, iopub.StreamStdout, content["name"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for captured stream publication")
	}
}

func TestCaptureDisabledIsNoop(t *testing.T) {
	sender := &fakeSender{msgs: make(chan *wire.ComposedMsg, 10)}
	session, err := wire.NewSession([]byte("k"), "kernel")
	require.NoError(t, err)
	pub := iopub.New(session, sender, msgctx.New(), 16)
	ctl := New(pub, CaptureDisabled)
	require.NoError(t, ctl.Start(wire.Header{}))
	ctl.Stop()
}
