package lsphost

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.lsp.dev/jsonrpc2"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/metrics"
)

// Host is the embedded LSP host: it accepts TCP connections, wraps each in a
// go.lsp.dev/jsonrpc2 stream, and hands the connection off to an LspHandler
// together with a fresh per-connection LeaseCoordinator and document store.
//
// Grounded on the teacher's goplsclient/conn.go Connect, which dials out to
// `gopls` and wires jsonrpc2.NewStream/NewConn/Go/Call/Notify as a *client*;
// Host inverts that into a server accepting connections from a front end's
// editor integration instead of dialing one.
type Host struct {
	listener       net.Listener
	handler        handler.LspHandler
	workspaceRoots []string

	mu    sync.Mutex
	conns map[net.Conn]*LeaseCoordinator
}

// NewHost binds addr (host:port, empty host binds all interfaces) and
// returns a Host ready to Serve. h answers every accepted connection.
// workspaceRoots, if non-empty, are watched with fsnotify for each accepted
// connection and forwarded as synthetic workspace/didChangeWatchedFiles
// notifications, supplementing whatever the front end itself watches.
func NewHost(addr string, h handler.LspHandler, workspaceRoots ...string) (*Host, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "lsphost: failed to listen on %q", addr)
	}
	return &Host{listener: ln, handler: h, workspaceRoots: workspaceRoots, conns: make(map[net.Conn]*LeaseCoordinator)}, nil
}

// Addr returns the host's bound address, letting callers that passed port 0
// discover the port actually chosen.
func (host *Host) Addr() net.Addr { return host.listener.Addr() }

// Serve accepts connections until ctx is done or the listener is closed.
func (host *Host) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = host.listener.Close()
	}()
	for {
		conn, err := host.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "lsphost: accept failed")
		}
		go host.handleConn(ctx, conn)
	}
}

// Close closes the listener and every still-open connection's lease
// coordinator.
func (host *Host) Close() error {
	host.mu.Lock()
	for conn, coord := range host.conns {
		coord.Stop()
		_ = conn.Close()
	}
	host.mu.Unlock()
	return host.listener.Close()
}

func (host *Host) handleConn(ctx context.Context, conn net.Conn) {
	stream := jsonrpc2.NewStream(conn)
	rpcConn := jsonrpc2.NewConn(stream)
	coordinator := NewLeaseCoordinator()

	host.mu.Lock()
	host.conns[conn] = coordinator
	host.mu.Unlock()
	defer func() {
		host.mu.Lock()
		delete(host.conns, conn)
		host.mu.Unlock()
		coordinator.Stop()
		_ = conn.Close()
	}()

	backend := &backend{coordinator: coordinator, docs: newDocumentStore()}
	adapted := &connAdapter{conn: rpcConn}

	if len(host.workspaceRoots) > 0 {
		watcher, err := WatchWorkspace(host.workspaceRoots)
		if err != nil {
			klog.Warningf("lsphost: workspace watch disabled for %s: %+v", conn.RemoteAddr(), err)
		} else {
			defer watcher.Close()
			go Forward(ctx, watcher, adapted)
		}
	}

	if err := host.handler.Serve(ctx, adapted, backend); err != nil {
		klog.Warningf("lsphost: connection %s ended with error: %+v", conn.RemoteAddr(), err)
		metrics.RecordError("lsp_serve")
	}
}

// backend implements handler.LspBackend over one connection's
// LeaseCoordinator and documentStore.
type backend struct {
	coordinator *LeaseCoordinator
	docs        *documentStore
}

func (b *backend) WithReadLease(ctx context.Context, fn func() error) error {
	return b.coordinator.WithReadLease(ctx, fn)
}

func (b *backend) WithWriteLease(ctx context.Context, fn func() error) error {
	return b.coordinator.WithWriteLease(ctx, fn)
}

func (b *backend) Documents() handler.DocumentStore { return b.docs }

// connAdapter adapts a go.lsp.dev/jsonrpc2.Conn to handler.RPCConn, keeping
// the jsonrpc2 dependency out of internal/handler.
type connAdapter struct {
	conn jsonrpc2.Conn
}

func (a *connAdapter) Go(ctx context.Context, h handler.RPCHandlerFunc) {
	a.conn.Go(ctx, func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		return h(ctx, handler.Replier(reply), requestAdapter{req})
	})
}

// requestAdapter adapts a jsonrpc2.Request (whose Params() returns a named
// json.RawMessage) to handler.RPCRequest's plain []byte.
type requestAdapter struct{ req jsonrpc2.Request }

func (r requestAdapter) Method() string { return r.req.Method() }
func (r requestAdapter) Params() []byte { return []byte(r.req.Params()) }

func (a *connAdapter) Done() <-chan struct{} { return a.conn.Done() }

func (a *connAdapter) Call(ctx context.Context, method string, params, result interface{}) error {
	_, err := a.conn.Call(ctx, method, params, result)
	return err
}

func (a *connAdapter) Notify(ctx context.Context, method string, params interface{}) error {
	return a.conn.Notify(ctx, method, params)
}
