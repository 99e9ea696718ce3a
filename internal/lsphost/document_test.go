package lsphost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arkgo/kernelcore/internal/handler"
)

func TestDocumentStoreRoundTrip(t *testing.T) {
	s := newDocumentStore()
	_, ok := s.Get("file:///a.go")
	assert.False(t, ok)

	s.Put(handler.Document{URI: "file:///a.go", Text: "package a", Version: 1})
	doc, ok := s.Get("file:///a.go")
	assert.True(t, ok)
	assert.Equal(t, 1, doc.Version)

	s.Put(handler.Document{URI: "file:///a.go", Text: "package a\n", Version: 2})
	doc, ok = s.Get("file:///a.go")
	assert.True(t, ok)
	assert.Equal(t, 2, doc.Version)

	s.Delete("file:///a.go")
	_, ok = s.Get("file:///a.go")
	assert.False(t, ok)
}

func TestDocumentStoreOutOfOrderQueue(t *testing.T) {
	s := newDocumentStore()
	s.Put(handler.Document{URI: "file:///b.go", Text: "package b", Version: 1})
	assert.True(t, s.Settled("file:///b.go"))

	// Version 3 arrives before version 2: it must be queued, not applied.
	s.Put(handler.Document{URI: "file:///b.go", Text: "package b\nv3", Version: 3})
	doc, _ := s.Get("file:///b.go")
	assert.Equal(t, 1, doc.Version)
	assert.False(t, s.Settled("file:///b.go"))

	// A stale duplicate of the current version is dropped.
	s.Put(handler.Document{URI: "file:///b.go", Text: "stale", Version: 1})
	doc, _ = s.Get("file:///b.go")
	assert.Equal(t, 1, doc.Version)

	// Version 2 arrives, unblocking the queued version 3.
	s.Put(handler.Document{URI: "file:///b.go", Text: "package b\nv2", Version: 2})
	doc, _ = s.Get("file:///b.go")
	assert.Equal(t, 3, doc.Version)
	assert.Equal(t, "package b\nv3", doc.Text)
	assert.True(t, s.Settled("file:///b.go"))
}
