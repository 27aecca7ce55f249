package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeMB(t *testing.T) {
	mb := FreeMB(filepath.Join(t.TempDir(), "out.avi"))
	assert.Greater(t, mb, int64(0))
}

func TestFreeMBMissingDir(t *testing.T) {
	assert.Equal(t, int64(UnknownFreeMB), FreeMB("/nonexistent/dir/out.avi"))
}

func TestSyncData(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("frame"))
	require.NoError(t, err)
	assert.NoError(t, SyncData(int(f.Fd())))
	assert.NoError(t, SyncData(-1))
}
