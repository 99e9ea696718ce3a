// Package handler declares the capability interfaces the kernel core consumes
// but never implements itself: the language/runtime-specific logic that
// answers execute_request, interrupt, and LSP queries. The core drives these
// interfaces from internal/router, internal/stdin and internal/lsphost;
// each handler is invoked by exactly one goroutine at a time per instance —
// internal concurrency inside a handler is the handler's own concern.
package handler

import (
	"context"

	"github.com/arkgo/kernelcore/internal/wire"
)

// Originator identifies which front-end request a reply or asynchronous
// output is attributed to; it is carried so handlers can correlate an
// input_reply with the execute_request that triggered the prompt.
type Originator struct {
	Identities wire.Identities
	Header     wire.Header
}

// ExecuteResult is the outcome of a Shell execute_request.
type ExecuteResult struct {
	Status         string // "ok" or "error"
	ExecutionCount int
	ErrorName      string
	ErrorValue     string
	Traceback      []string
}

// ShellHandler answers every request carried on the Shell socket. Implemented
// by the embedding runtime; the core only calls it.
type ShellHandler interface {
	// Info returns the content of a kernel_info_reply.
	Info(ctx context.Context) wire.KernelInfo

	// Execute runs req's code and returns the reply content. The originator
	// is threaded through so asynchronous StdIn input_reply delivery and
	// IOPub output can be attributed back to this request.
	Execute(ctx context.Context, req ExecuteRequest, originator Originator) (ExecuteResult, error)

	IsComplete(ctx context.Context, code string) (status string, indent string, err error)
	Complete(ctx context.Context, code string, cursorPos int) (CompleteReply, error)
	Inspect(ctx context.Context, code string, cursorPos int, detailLevel int) (InspectReply, error)

	// CommOpen is invoked when a front end opens a new comm targeting this
	// handler's runtime (as opposed to one opened by the core's own comm
	// manager on the runtime's behalf).
	CommOpen(ctx context.Context, name string, commID string, data map[string]interface{}) error
	CommInfo(ctx context.Context, targetName string) (map[string]CommInfoEntry, error)

	// InputReply delivers a front end's reply to a prior PromptInput call.
	InputReply(ctx context.Context, value string, originator Originator) error
}

// ControlHandler answers every request carried on the Control socket.
type ControlHandler interface {
	Interrupt(ctx context.Context) error
	Shutdown(ctx context.Context, restart bool) error
}

// LspHandler is the boot routine for the embedded LSP host: given the
// accepted connection's RPCConn and the read/write lease coordinator plus
// document store backing it, it registers its own request handler and runs
// until the connection closes. It is invoked once per accepted connection,
// on its own goroutine, and is expected to block until conn is done.
type LspHandler interface {
	Serve(ctx context.Context, conn RPCConn, backend LspBackend) error
}

// Replier delivers the result of one incoming JSON-RPC call or notification,
// mirroring go.lsp.dev/jsonrpc2's Replier.
type Replier func(ctx context.Context, result interface{}, err error) error

// RPCRequest is one incoming JSON-RPC call or notification.
type RPCRequest interface {
	Method() string
	Params() []byte
}

// RPCHandlerFunc handles one incoming RPCRequest, replying through reply
// (only meaningful for calls; notifications ignore the reply).
type RPCHandlerFunc func(ctx context.Context, reply Replier, req RPCRequest) error

// RPCConn is the JSON-RPC 2.0 connection surface an LspHandler needs: enough
// to both serve incoming requests (Go) and originate outgoing ones (Call,
// Notify), kept free of a direct go.lsp.dev/jsonrpc2 dependency so
// internal/handler stays a pure capability-declaration package.
type RPCConn interface {
	// Go starts h serving incoming requests on this connection. It returns
	// immediately; incoming requests are handled on the connection's own
	// goroutine(s) until Done fires.
	Go(ctx context.Context, h RPCHandlerFunc)
	// Done closes once the connection has shut down.
	Done() <-chan struct{}
	Call(ctx context.Context, method string, params, result interface{}) error
	Notify(ctx context.Context, method string, params interface{}) error
}

// Set bundles every capability the embedding runtime must supply to drive a
// kernel instance. It is the single argument the core's startup sequence
// (internal/supervisor) needs from the embedder, analogous to how the
// teacher's main.go wired one hardcoded Go-execution state into its
// dispatcher; here the same wiring point is generalized to an interface
// bundle so this core carries no language-specific logic of its own.
type Set struct {
	Shell   ShellHandler
	Control ControlHandler
	Lsp     LspHandler // optional: nil disables the embedded LSP host
}

// ExecuteRequest is the content of an execute_request message.
type ExecuteRequest struct {
	Code            string
	Silent          bool
	StoreHistory    bool
	UserExpressions map[string]string
	AllowStdin      bool
	StopOnError     bool
}

// CompleteReply is the content of a complete_reply message.
type CompleteReply struct {
	Status      string
	Matches     []string
	CursorStart int
	CursorEnd   int
}

// InspectReply is the content of an inspect_reply message.
type InspectReply struct {
	Status string
	Found  bool
	Data   map[string]interface{}
}

// CommInfoEntry describes one comm in a comm_info_reply.
type CommInfoEntry struct {
	TargetName string
}

// LspBackend is the surface the embedded LSP host exposes to an LspHandler
// alongside its RPCConn: the writer-priority lease discipline and the shared
// document store, without exposing the host's internal connection plumbing.
type LspBackend interface {
	// WithReadLease runs fn holding a shared ("reader") lease: any number of
	// readers may hold the lease concurrently, but none may start while a
	// writer is waiting, and all must drain before a writer is granted one.
	WithReadLease(ctx context.Context, fn func() error) error

	// WithWriteLease runs fn holding the exclusive ("writer") lease.
	WithWriteLease(ctx context.Context, fn func() error) error

	// Documents returns the store of currently open documents.
	Documents() DocumentStore
}

// Document is one open LSP text document.
type Document struct {
	URI     string
	Text    string
	Version int
}

// DocumentStore is a concurrency-safe uri -> Document map. Put applies
// updates in version order: an update whose Version is more than one ahead
// of the document's current Version is queued until its predecessors
// arrive, and one whose Version is not newer is dropped, so a
// didChange that gets reordered behind a concurrently-dispatched sibling
// notification still lands correctly (see Settled).
type DocumentStore interface {
	Get(uri string) (Document, bool)
	Put(doc Document)
	Delete(uri string)

	// Settled reports whether uri has no queued out-of-order updates
	// waiting on a missing predecessor version. A handler should gate
	// diagnostics refresh on Settled returning true, so it never
	// publishes diagnostics against a document state with a known gap.
	Settled(uri string) bool
}
