package lsphost

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"k8s.io/klog/v2"
)

// WatchedFileEvent is one filesystem change observed under a watched
// workspace folder, supplementing whatever didChangeWatchedFiles
// notifications the front end sends explicitly (a client may not watch
// every glob the handler cares about, or may be a thin editor integration
// that doesn't watch at all).
type WatchedFileEvent struct {
	Path string
	Kind string // "create", "write", "remove", "rename"
}

// WorkspaceWatcher wraps fsnotify to emit WatchedFileEvent for a set of
// workspace root directories, forwarded by the caller to the active
// connection as synthetic workspace/didChangeWatchedFiles notifications.
type WorkspaceWatcher struct {
	watcher *fsnotify.Watcher
	events  chan WatchedFileEvent
}

// WatchWorkspace starts watching roots (non-recursively; callers add
// subdirectories via Add as they're discovered, mirroring how an LSP client
// would register additional globs after initialize).
func WatchWorkspace(roots []string) (*WorkspaceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "lsphost: failed to start workspace watcher")
	}
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			_ = w.Close()
			return nil, errors.Wrapf(err, "lsphost: failed to watch %q", root)
		}
	}
	ww := &WorkspaceWatcher{watcher: w, events: make(chan WatchedFileEvent, 64)}
	go ww.run()
	return ww, nil
}

// Add starts watching an additional directory.
func (w *WorkspaceWatcher) Add(dir string) error {
	return w.watcher.Add(dir)
}

// Events returns the channel of observed file changes.
func (w *WorkspaceWatcher) Events() <-chan WatchedFileEvent { return w.events }

// Close stops the watcher.
func (w *WorkspaceWatcher) Close() error {
	close(w.events)
	return w.watcher.Close()
}

func (w *WorkspaceWatcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			kind := "write"
			switch {
			case ev.Op&fsnotify.Create != 0:
				kind = "create"
			case ev.Op&fsnotify.Remove != 0:
				kind = "remove"
			case ev.Op&fsnotify.Rename != 0:
				kind = "rename"
			case ev.Op&fsnotify.Write != 0:
				kind = "write"
			default:
				continue
			}
			select {
			case w.events <- WatchedFileEvent{Path: ev.Name, Kind: kind}:
			default:
				klog.Warningf("lsphost: workspace watch event dropped, consumer too slow: %s", ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("lsphost: workspace watcher error: %+v", err)
		}
	}
}

// Forward relays ww's events to conn as workspace/didChangeWatchedFiles
// notifications until ctx is done or ww closes. Intended to run on its own
// goroutine alongside an LspHandler's Serve call.
func Forward(ctx context.Context, ww *WorkspaceWatcher, conn interface {
	Notify(ctx context.Context, method string, params interface{}) error
}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ww.Events():
			if !ok {
				return
			}
			params := &protocol.DidChangeWatchedFilesParams{
				Changes: []*protocol.FileEvent{
					{URI: protocol.DocumentURI(uri.File(ev.Path)), Type: changeType(ev.Kind)},
				},
			}
			if err := conn.Notify(ctx, protocol.MethodWorkspaceDidChangeWatchedFiles, params); err != nil {
				klog.Warningf("lsphost: failed to forward watched-file change: %+v", err)
			}
		}
	}
}

func changeType(kind string) protocol.FileChangeType {
	switch kind {
	case "create":
		return protocol.FileChangeTypeCreated
	case "remove":
		return protocol.FileChangeTypeDeleted
	default:
		return protocol.FileChangeTypeChanged
	}
}
