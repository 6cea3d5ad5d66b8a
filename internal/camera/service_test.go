package camera

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/bilbercode/hsec-client/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesFrames(t *testing.T) {
	dir := t.TempDir()
	var tick int64
	r := &recorder{basePath: dir, now: func() time.Time {
		tick++
		return time.Unix(0, tick)
	}}

	frames := make(chan events.Frame, 3)
	frames <- events.Frame{MAC: "aa:bb:cc:dd:ee:ff", Frame: "AAEC"}
	frames <- events.Frame{MAC: "aa:bb:cc:dd:ee:ff", Frame: "not base64!"}
	frames <- events.Frame{MAC: "aa:bb:cc:dd:ee:ff", Frame: "data:image/jpeg;base64,AwQF"}
	close(frames)

	require.NoError(t, r.Run(context.Background(), frames))

	entries, err := os.ReadDir(path.Join(dir, "ddeeff"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	b, err := os.ReadFile(path.Join(dir, "ddeeff", "3.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, b)
}

func TestRecorderStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewRecorder(t.TempDir()).Run(ctx, make(chan events.Frame)))
}

func TestSaveSnapshotAndPlayback(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)

	loc, err := r.SaveSnapshot(events.RedZoneTrigger{MAC: "aa:bb:cc:dd:ee:ff", Frame: "AAEC"}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, path.Join(dir, "ddeeff", "alert-1700000000.jpg"), loc)

	loc, err = r.SaveSnapshot(events.RedZoneTrigger{MAC: "aa:bb:cc:dd:ee:ff"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, loc)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	loc, err = r.SavePlayback("aa:bb:cc:dd:ee:ff", start, []byte("mp4"))
	require.NoError(t, err)
	assert.Equal(t, path.Join(dir, "ddeeff", "playback-20240301T100000Z.mp4"), loc)
}
