package logging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_StderrOnly(t *testing.T) {
	var stderr bytes.Buffer
	out := Open(Config{}, &stderr)
	defer out.Close()

	out.New("sync").Printf("flushed %d jobs", 3)

	assert.Contains(t, stderr.String(), "[sync] ")
	assert.Contains(t, stderr.String(), "flushed 3 jobs")
}

func TestOpen_FileAndStderr(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "itsync.log")

	out := Open(Config{File: path, MaxSizeMB: 1, MaxBackups: 1}, &stderr)
	out.New("daemon").Println("Starting daemon")
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[daemon] Starting daemon")
	assert.Contains(t, stderr.String(), "[daemon] Starting daemon")
}

func TestOpen_QuietWritesOnlyToFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "itsync.log")

	out := Open(Config{File: path, Quiet: true}, &stderr)
	out.New("store").Println("Warning: falling back")
	require.NoError(t, out.Close())

	assert.Empty(t, stderr.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[store] Warning: falling back")
}

func TestQuietWithoutFileDiscards(t *testing.T) {
	out := Open(Config{Quiet: true}, nil)
	assert.Equal(t, io.Discard, out.Writer())
	assert.NoError(t, out.Close())
}

func TestNew_EmptyComponent(t *testing.T) {
	assert.Equal(t, "", Discard().New("").Prefix())
	assert.Equal(t, "[queue] ", Discard().New("queue").Prefix())
}
