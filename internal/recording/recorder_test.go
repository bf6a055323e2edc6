package recording

import (
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catCommand(path string, fps int) *exec.Cmd {
	return exec.Command("sh", "-c", `cat > "$0"`, path)
}

func newTestRecorder(t *testing.T) (*Recorder, string) {
	dir := filepath.Join(t.TempDir(), "videos")
	r := NewRecorder(dir, nil)
	r.newCommand = catCommand
	r.now = func() time.Time { return time.Date(2024, 6, 1, 7, 8, 9, 0, time.Local) }
	return r, dir
}

func TestRecorder_LazyOpenAndClose(t *testing.T) {
	r, dir := newTestRecorder(t)
	assert.Empty(t, r.Path())

	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	require.NoError(t, r.AddImage(img))
	require.NoError(t, r.AddImage(img))

	want := filepath.Join(dir, "20240601_070809.mp4")
	assert.Equal(t, want, r.Path())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "second close is a no-op")

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "frames are piped as JPEG")

	assert.ErrorIs(t, r.AddImage(img), ErrClosed)
}

func TestRecorder_CloseWithoutFrames(t *testing.T) {
	r, dir := newTestRecorder(t)
	require.NoError(t, r.Close())

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "nothing created")
}

func TestFFmpegCommand(t *testing.T) {
	cmd := FFmpegCommand("/tmp/out.mp4", 1)
	assert.Equal(t, "/tmp/out.mp4", cmd.Args[len(cmd.Args)-1])
	assert.Contains(t, cmd.Args, "image2pipe")
}
