package lsphost

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkgo/kernelcore/internal/handler"
)

// echoHandler answers every "ping" call with "pong" under a read lease and
// closes served once it has started serving the connection.
type echoHandler struct {
	served chan struct{}
}

func (h *echoHandler) Serve(ctx context.Context, conn handler.RPCConn, backend handler.LspBackend) error {
	conn.Go(ctx, func(ctx context.Context, reply handler.Replier, req handler.RPCRequest) error {
		if req.Method() != "ping" {
			return reply(ctx, nil, nil)
		}
		var result string
		err := backend.WithReadLease(ctx, func() error {
			result = "pong"
			return nil
		})
		if err != nil {
			return reply(ctx, nil, err)
		}
		return reply(ctx, result, nil)
	})
	close(h.served)
	<-conn.Done()
	return nil
}

func TestHostAcceptAndServe(t *testing.T) {
	h := &echoHandler{served: make(chan struct{})}
	host, err := NewHost("127.0.0.1:0", h)
	require.NoError(t, err)
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = host.Serve(ctx) }()

	conn, err := net.DialTimeout("tcp", host.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-h.served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started serving the accepted connection")
	}
}
