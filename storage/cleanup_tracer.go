package storage

import (
	"strings"
	"sync"
)

// CleanupInfoTracer accumulates deferred-deletion work discovered during a
// mode transition. A fresh tracer is installed at the start of every
// SetMode; admin tooling reads the report afterward.
type CleanupInfoTracer struct {
	mu    sync.Mutex
	paths []string
	notes []string
}

// NewCleanupInfoTracer creates an empty tracer.
func NewCleanupInfoTracer() *CleanupInfoTracer {
	return &CleanupInfoTracer{}
}

// AddCleanupPath records a path discovered as safe to delete.
func (c *CleanupInfoTracer) AddCleanupPath(path string) {
	c.mu.Lock()
	c.paths = append(c.paths, path)
	c.mu.Unlock()
}

// SetCleanupInfo records a free-form note about deferred cleanup.
func (c *CleanupInfoTracer) SetCleanupInfo(note string) {
	c.mu.Lock()
	c.notes = append(c.notes, note)
	c.mu.Unlock()
}

// CleanupPaths returns the recorded paths.
func (c *CleanupInfoTracer) CleanupPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

// GetCleanupInfoText renders the tracer for diagnostics.
func (c *CleanupInfoTracer) GetCleanupInfoText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, p := range c.paths {
		b.WriteString("path: ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	for _, n := range c.notes {
		b.WriteString("note: ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	return b.String()
}
