package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTransitionTable enumerates the full transition matrix against the
// data-driven table.
func TestTransitionTable(t *testing.T) {
	legal := map[[2]Mode]bool{
		{ModeUnInitialized, ModeAdmin}:    true,
		{ModeAdmin, ModeUnInitialized}:    true,
		{ModeAdmin, ModeReadable}:         true,
		{ModeAdmin, ModeWritable}:         true,
		{ModeReadable, ModeUnInitialized}: true,
		{ModeReadable, ModeAdmin}:         true,
		{ModeReadable, ModeWritable}:      true,
		{ModeWritable, ModeUnInitialized}: true,
		{ModeWritable, ModeAdmin}:         true,
		{ModeWritable, ModeReadable}:      true,
	}

	modes := []Mode{ModeUnInitialized, ModeAdmin, ModeReadable, ModeWritable}
	for _, from := range modes {
		for _, to := range modes {
			got := transitionLegal(from, to)
			want := legal[[2]Mode{from, to}]
			assert.Equal(t, want, got, "%s -> %s", from, to)
		}
	}
}

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "uninitialized", ModeUnInitialized.String())
	assert.Equal(t, "admin", ModeAdmin.String())
	assert.Equal(t, "readable", ModeReadable.String())
	assert.Equal(t, "writable", ModeWritable.String())
	assert.Equal(t, "phase1", Phase1.String())
	assert.Equal(t, "phase2", Phase2.String())
}
