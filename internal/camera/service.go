package camera

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bilbercode/hsec-client/internal/events"
	"github.com/bilbercode/hsec-client/internal/hub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	cameraErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "camera_errors",
		Namespace: "hsec_client",
		Help:      "number of frames the recorder failed to write",
	}, []string{"camera"})
	framesSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "frames_saved",
		Namespace: "hsec_client",
		Help:      "number of frames written to disk",
	}, []string{"camera"})
)

type recorder struct {
	basePath string
	now      func() time.Time
}

// NewRecorder writes media under basePath, one folder per camera.
func NewRecorder(basePath string) Service {
	return &recorder{basePath: basePath, now: time.Now}
}

// Run writes every frame received until ctx is done or frames is closed. A
// frame that cannot be written is counted and skipped.
func (r *recorder) Run(ctx context.Context, frames <-chan events.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			name := fmt.Sprintf("%d.jpg", r.now().UnixNano())
			if _, err := r.writeImage(frame.MAC, name, frame.Frame); err != nil {
				cameraErrors.WithLabelValues(cameraID(frame.MAC)).Inc()
				log.WithError(err).WithField("mac", frame.MAC).Warn("failed to save frame")
			}
		}
	}
}

// SaveSnapshot writes the frame attached to a redzone trigger received at at.
func (r *recorder) SaveSnapshot(trigger events.RedZoneTrigger, at time.Time) (string, error) {
	if trigger.Frame == "" {
		return "", nil
	}
	return r.writeImage(trigger.MAC, fmt.Sprintf("alert-%d.jpg", at.Unix()), trigger.Frame)
}

func (r *recorder) SavePlayback(mac string, start time.Time, video []byte) (string, error) {
	name := fmt.Sprintf("playback-%s.mp4", start.UTC().Format("20060102T150405Z"))
	return r.write(mac, name, video)
}

func (r *recorder) writeImage(mac, name, encoded string) (string, error) {
	// frames may arrive as data URLs
	if i := strings.Index(encoded, ";base64,"); i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode frame: %w", err)
	}
	return r.write(mac, name, img)
}

func (r *recorder) write(mac, name string, b []byte) (string, error) {
	id := cameraID(mac)
	dir := path.Join(r.basePath, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create camera folder: %w", err)
	}
	location := path.Join(dir, name)
	if err := os.WriteFile(location, b, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", location, err)
	}
	framesSaved.WithLabelValues(id).Inc()
	return location, nil
}

func cameraID(mac string) string {
	id := hub.Camera{MAC: mac}.ID()
	if id == "" {
		return "unknown"
	}
	return id
}
