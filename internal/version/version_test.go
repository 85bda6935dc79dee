package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func restore(t *testing.T) {
	t.Helper()
	v, bt, gc, gv := Version, BuildTime, GitCommit, GoVersion
	t.Cleanup(func() {
		Version, BuildTime, GitCommit, GoVersion = v, bt, gc, gv
	})
}

func TestSetInfo(t *testing.T) {
	restore(t)

	SetInfo("1.0.0", "2026-01-01T00:00:00Z", "abc123", "go1.26")

	assert.Equal(t, Info{
		Version:   "1.0.0",
		BuildTime: "2026-01-01T00:00:00Z",
		GitCommit: "abc123",
		GoVersion: "go1.26",
	}, Get())
}

func TestSetInfoEmptyValues(t *testing.T) {
	restore(t)
	before := Get()

	SetInfo("", "", "", "")

	assert.Equal(t, before, Get())
}

func TestFormatStartupMessage(t *testing.T) {
	restore(t)
	SetInfo("2.3.4", "today", "deadbee", "")

	assert.Equal(t, "pipetimer 2.3.4 (built today, commit deadbee)", FormatStartupMessage())
}
