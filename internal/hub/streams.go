package hub

import (
	"context"
	"time"

	"github.com/bilbercode/hsec-client/internal/protocol"
	log "github.com/sirupsen/logrus"
)

// StreamKind names a family of hub push streams. At most one stream of each
// kind is tracked at a time.
type StreamKind string

const (
	StreamDiscovery StreamKind = "discovery"
	StreamLive      StreamKind = "live"
)

// StreamHandle ties an open stream to the transaction id its messages carry.
type StreamHandle struct {
	Kind          StreamKind
	TransactionID uint32
	MAC           string
	StartedAt     time.Time
}

// ActiveStream returns the tracked stream of kind, if any.
func (c *Client) ActiveStream(kind StreamKind) (StreamHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.streams[kind]
	return h, ok
}

// StartDiscoverCameras asks the hub to scan for unpaired cameras. Results
// arrive as camera_discovered events, each camera reported once per scan. A
// scan already running is stopped first.
func (c *Client) StartDiscoverCameras(ctx context.Context, opts ...CallOption) StreamResult {
	if prev, ok := c.ActiveStream(StreamDiscovery); ok {
		c.log.WithField("transaction_id", prev.TransactionID).Info("stopping running discovery before starting a new one")
		c.StopDiscoverCameras(ctx, opts...)
	}

	c.mu.Lock()
	c.discovered = make(map[string]struct{})
	c.mu.Unlock()

	return c.startStream(ctx, StreamDiscovery, protocol.OpStartDiscoverCameras, "", nil, opts)
}

func (c *Client) StopDiscoverCameras(ctx context.Context, opts ...CallOption) Result {
	return c.stopStream(ctx, StreamDiscovery, protocol.OpStopDiscoverCameras, "", nil, opts)
}

// StartStreamCamera starts the live frame feed of a camera. Frames arrive as
// frame events. A live stream already running, for any camera, is stopped
// first.
func (c *Client) StartStreamCamera(ctx context.Context, mac string, opts ...CallOption) StreamResult {
	if prev, ok := c.ActiveStream(StreamLive); ok {
		c.log.WithFields(log.Fields{"mac": prev.MAC, "transaction_id": prev.TransactionID}).
			Info("stopping running live stream before starting a new one")
		c.StopStreamCamera(ctx, prev.MAC, opts...)
	}
	return c.startStream(ctx, StreamLive, protocol.OpStartStreamCamera, mac, macBody{MAC: mac}, opts)
}

func (c *Client) StopStreamCamera(ctx context.Context, mac string, opts ...CallOption) Result {
	return c.stopStream(ctx, StreamLive, protocol.OpStopStreamCamera, mac, macBody{MAC: mac}, opts)
}

func (c *Client) startStream(ctx context.Context, kind StreamKind, op protocol.Operation, mac string, body interface{}, opts []CallOption) StreamResult {
	id, ch, res := c.send(op, body, opts)
	if !res.Success {
		return StreamResult{Result: res}
	}

	handle := StreamHandle{Kind: kind, TransactionID: id, MAC: mac, StartedAt: time.Now()}
	c.mu.Lock()
	c.streams[kind] = handle
	c.mu.Unlock()

	_, res = c.await(ctx, op, id, ch)
	if !res.Success {
		c.mu.Lock()
		if cur, ok := c.streams[kind]; ok && cur.TransactionID == id {
			delete(c.streams, kind)
		}
		c.mu.Unlock()
	}
	return StreamResult{Result: res, Handle: handle}
}

// stopStream sends the stop request with the id of the tracked stream; the
// hub finds the stream to stop by that id. Nothing is sent when no stream of
// kind, for mac when given, is tracked.
func (c *Client) stopStream(ctx context.Context, kind StreamKind, op protocol.Operation, mac string, body interface{}, opts []CallOption) Result {
	c.mu.Lock()
	handle, ok := c.streams[kind]
	if !ok || (mac != "" && handle.MAC != mac) {
		c.mu.Unlock()
		operationResults.WithLabelValues(op.String(), FailureNoStream.String()).Inc()
		return failed(FailureNoStream, InfoNoStream)
	}
	delete(c.streams, kind)
	c.mu.Unlock()

	// a start still awaiting its ack holds the id
	c.registry.Cancel(handle.TransactionID, "stream stopped")

	ch, res := c.sendWithID(op, handle.TransactionID, body, opts)
	if !res.Success {
		return res
	}
	_, res = c.await(ctx, op, handle.TransactionID, ch)
	return res
}
