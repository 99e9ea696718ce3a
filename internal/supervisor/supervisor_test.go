package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/kernel"
	"github.com/arkgo/kernelcore/internal/wire"
)

type fakeHandler struct{}

func (fakeHandler) Info(context.Context) wire.KernelInfo { return wire.KernelInfo{Implementation: "test"} }
func (fakeHandler) Execute(context.Context, handler.ExecuteRequest, handler.Originator) (handler.ExecuteResult, error) {
	return handler.ExecuteResult{Status: "ok"}, nil
}
func (fakeHandler) IsComplete(context.Context, string) (string, string, error) { return "complete", "", nil }
func (fakeHandler) Complete(context.Context, string, int) (handler.CompleteReply, error) {
	return handler.CompleteReply{}, nil
}
func (fakeHandler) Inspect(context.Context, string, int, int) (handler.InspectReply, error) {
	return handler.InspectReply{}, nil
}
func (fakeHandler) CommOpen(context.Context, string, string, map[string]interface{}) error { return nil }
func (fakeHandler) CommInfo(context.Context, string) (map[string]handler.CommInfoEntry, error) {
	return nil, nil
}
func (fakeHandler) InputReply(context.Context, string, handler.Originator) error { return nil }
func (fakeHandler) Interrupt(context.Context) error                             { return nil }
func (fakeHandler) Shutdown(context.Context, bool) error                        { return nil }

func writeConnectionFile(t *testing.T) string {
	t.Helper()
	info := kernel.ConnectionInfo{
		Transport: "tcp", IP: "127.0.0.1", Key: "test-key", SignatureScheme: "hmac-sha256",
		ShellPort: 0, ControlPort: 0, IOPubPort: 0, HBPort: 0, StdinPort: 0,
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "kernel-test-0000.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestStartAndStop(t *testing.T) {
	connFile := writeConnectionFile(t)
	h := fakeHandler{}
	sup, err := Start(connFile, handler.Set{Shell: h, Control: h}, Options{})
	require.NoError(t, err)

	sup.Stop()
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down its goroutines in time")
	}
}
