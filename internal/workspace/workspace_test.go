package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	ws := New("~/.pipetimer")
	assert.Equal(t, filepath.Join(home, ".pipetimer"), ws.Path())
	assert.Equal(t, "~/.pipetimer", ws.BasePath())
}

func TestEnsureDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")
	ws := New(root)

	require.NoError(t, ws.EnsureDir())
	info, err := os.Stat(ws.RunsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// idempotent
	require.NoError(t, ws.EnsureDir())
}

func TestEnsureDir_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	err := New(file).EnsureDir()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")

	assert.Error(t, New("").EnsureDir())
}

func TestLayout(t *testing.T) {
	ws := New("/srv/pt")

	assert.Equal(t, "/srv/pt/state.json", ws.StateFile())
	assert.Equal(t, "/srv/pt/activity.db", ws.ActivityDB())
	assert.Equal(t, "/srv/pt/pipetimer.pid", ws.PIDFile())
	assert.Equal(t, "/srv/pt/pipetimer.sock", ws.SocketPath())
	assert.Equal(t, "/srv/pt/pipetimer.lock", ws.LockFile())
	assert.Equal(t, "/srv/pt/runs/42.log", ws.RunOutput(42))
}

func TestResolvePath(t *testing.T) {
	ws := New("/srv/pt")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"relative", "runs/1.log", "/srv/pt/runs/1.log", false},
		{"absolute", "/etc/../tmp/x", "/tmp/x", false},
		{"inner dotdot", "runs/../state.json", "/srv/pt/state.json", false},
		{"escape", "../etc/passwd", "", true},
		{"bare dotdot", "..", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ws.ResolvePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
