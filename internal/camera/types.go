package camera

import (
	"context"
	"time"

	"github.com/bilbercode/hsec-client/internal/events"
)

type Service interface {
	Run(ctx context.Context, frames <-chan events.Frame) error
	SaveSnapshot(trigger events.RedZoneTrigger, at time.Time) (string, error)
	SavePlayback(mac string, start time.Time, video []byte) (string, error)
}
