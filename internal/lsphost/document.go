package lsphost

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/handler"
)

// docState holds one document's current text plus any updates that arrived
// ahead of their predecessor's version.
type docState struct {
	doc     handler.Document
	pending map[int]handler.Document // version -> not-yet-applied update
}

// documentStore is a concurrency-safe uri -> handler.Document map. host.go
// takes no lease around store calls; an LspHandler takes its own leases
// through LspBackend.WithReadLease/WithWriteLease. The internal mutex makes
// each method safe on its own, and the version-ordered queue in Put resolves
// Put calls for the same uri that arrive out of version order.
type documentStore struct {
	mu   sync.Mutex
	docs map[string]*docState
}

func newDocumentStore() *documentStore {
	return &documentStore{docs: make(map[string]*docState)}
}

func (s *documentStore) Get(uri string) (handler.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.docs[uri]
	if !ok {
		return handler.Document{}, false
	}
	return st.doc, true
}

// Put applies doc if it is the document's first version or the immediate
// successor of its current version, then drains any queued updates that
// chain off it. A doc whose Version jumps ahead is queued until its
// predecessor arrives; one whose Version is not newer than the current
// document is a stale duplicate and is dropped.
func (s *documentStore) Put(doc handler.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.docs[doc.URI]
	if !ok {
		s.docs[doc.URI] = &docState{doc: doc}
		return
	}
	switch {
	case doc.Version <= st.doc.Version:
		klog.Warningf("lsphost: dropping stale update for %q at version %d (current %d)",
			doc.URI, doc.Version, st.doc.Version)
	case doc.Version == st.doc.Version+1:
		st.doc = doc
		s.drainQueued(st)
	default:
		if st.pending == nil {
			st.pending = map[int]handler.Document{}
		}
		st.pending[doc.Version] = doc
	}
}

func (s *documentStore) drainQueued(st *docState) {
	for {
		next, ok := st.pending[st.doc.Version+1]
		if !ok {
			return
		}
		delete(st.pending, st.doc.Version+1)
		st.doc = next
	}
}

// Settled reports whether uri has no queued out-of-order updates awaiting a
// missing predecessor version.
func (s *documentStore) Settled(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.docs[uri]
	if !ok {
		return true
	}
	return len(st.pending) == 0
}

func (s *documentStore) Delete(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, uri)
}
