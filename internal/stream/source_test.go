package stream

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	img image.Image
	err error
}

type fakeCapture struct {
	fps    float64
	mu     sync.Mutex
	script []readResult
	closed bool
}

func (c *fakeCapture) FPS() float64 { return c.fps }

func (c *fakeCapture) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return nil, io.EOF
	}
	r := c.script[0]
	c.script = c.script[1:]
	return r.img, r.err
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	failures int
	captures []*fakeCapture
	opened   int
}

func (o *fakeOpener) Open(ctx context.Context) (Capture, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	if o.failures > 0 {
		o.failures--
		return nil, errors.New("connection refused")
	}
	if len(o.captures) == 0 {
		return nil, errors.New("no more captures")
	}
	c := o.captures[0]
	o.captures = o.captures[1:]
	return c, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

func goodFrames(n int) []readResult {
	out := make([]readResult, n)
	for i := range out {
		out[i] = readResult{img: image.NewRGBA(image.Rect(0, 0, 4, 4))}
	}
	return out
}

func corruptedFrames(n int) []readResult {
	out := make([]readResult, n)
	for i := range out {
		out[i] = readResult{err: ErrCorruptedFrame}
	}
	return out
}

func TestDecimationFactor(t *testing.T) {
	cases := map[float64]int{0: 0, 0.4: 1, 1: 1, 15: 15, 25: 25, 29.97: 30, -3: 0}
	for fps, want := range cases {
		assert.Equal(t, want, decimationFactor(fps), "fps %v", fps)
	}
}

func TestConsume_KeepsAboutOneFramePerSecond(t *testing.T) {
	s := NewSource(&fakeOpener{}, Config{})
	require.NoError(t, s.flag.Start())

	s.consume(&fakeCapture{fps: 25, script: goodFrames(100)})

	assert.Equal(t, 4, s.Frames().Len(), "4 seconds at 25fps")
	stats := s.Stats()
	assert.Equal(t, uint64(100), stats.FramesRead)
	assert.Equal(t, uint64(96), stats.FramesDiscarded)
	assert.Equal(t, 25, stats.DecimationFactor)

	var seqs []uint64
	for {
		f, ok := s.Frames().TryPop()
		if !ok {
			break
		}
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestConsume_UnknownFPSSamplesByWallClock(t *testing.T) {
	s := NewSource(&fakeOpener{}, Config{})
	require.NoError(t, s.flag.Start())

	// 100 frames 40ms apart: four seconds of a 25fps camera
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now := clock
		clock = clock.Add(40 * time.Millisecond)
		return now
	}

	s.consume(&fakeCapture{fps: 0, script: goodFrames(100)})

	assert.Equal(t, 4, s.Frames().Len())
	stats := s.Stats()
	assert.Equal(t, uint64(96), stats.FramesDiscarded)
	assert.Equal(t, 0, stats.DecimationFactor)

	var prev time.Time
	for {
		f, ok := s.Frames().TryPop()
		if !ok {
			break
		}
		if !prev.IsZero() {
			assert.GreaterOrEqual(t, f.Timestamp.Sub(prev), time.Second)
		}
		prev = f.Timestamp
	}
}

func TestConsume_CorruptedCounterResetsOnGoodFrame(t *testing.T) {
	s := NewSource(&fakeOpener{}, Config{CorruptedMaxFrames: 3})
	require.NoError(t, s.flag.Start())

	script := append(corruptedFrames(3), goodFrames(1)...)
	script = append(script, corruptedFrames(3)...)
	script = append(script, goodFrames(1)...)
	script = append(script, readResult{}) // absent frame
	script = append(script, corruptedFrames(3)...)
	c := &fakeCapture{fps: 1, script: script}

	s.consume(c)

	assert.Equal(t, 2, s.Frames().Len())
	assert.Empty(t, c.script, "only the final burst ends the read loop")
	assert.Equal(t, uint64(10), s.Stats().FramesCorrupted)
}

func TestSource_ReconnectsAfterOpenFailureAndCorruptedBurst(t *testing.T) {
	opener := &fakeOpener{
		failures: 2,
		captures: []*fakeCapture{
			{fps: 1, script: append(goodFrames(1), corruptedFrames(3)...)},
			{fps: 1, script: goodFrames(2)},
		},
	}
	s := NewSource(opener, Config{ReconnectDelay: time.Millisecond, CorruptedMaxFrames: 2})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Frames().Len() == 3 }, 2*time.Second, time.Millisecond)

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("source did not stop")
	}

	assert.GreaterOrEqual(t, opener.openCount(), 4)
	assert.GreaterOrEqual(t, s.Stats().Reconnects, uint64(3))
}

func TestSource_StopWhileDisconnected(t *testing.T) {
	opener := &fakeOpener{failures: 1 << 30}
	s := NewSource(opener, Config{ReconnectDelay: time.Hour})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return opener.openCount() == 1 }, time.Second, time.Millisecond)

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not interrupt the reconnect delay")
	}
	assert.Equal(t, "stopped", s.Stats().State)
}
