// Package events delivers messages the hub pushes without being asked.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bilbercode/hsec-client/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name:      "events_dispatched",
	Namespace: "hsec_client",
	Help:      "number of pushed events handed to a handler",
}, []string{"type"})

// Event is a pushed message. Data is the raw data object, type member included.
type Event struct {
	Type          protocol.EventType
	Success       bool
	TransactionID uint32
	Data          json.RawMessage
}

// Handler receives events of one type.
type Handler func(Event)

// Router maps an event type to at most one handler. It is not a pub/sub:
// registering a second handler for a type drops the first.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.EventType]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[protocol.EventType]Handler)}
}

// Register sets the handler for typ, replacing any previous one.
func (r *Router) Register(typ protocol.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, typ)
		return
	}
	if _, ok := r.handlers[typ]; ok {
		log.WithField("event", typ).Debug("replacing event handler")
	}
	r.handlers[typ] = h
}

func (r *Router) Unregister(typ protocol.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, typ)
}

// Has reports whether a handler is registered for typ.
func (r *Router) Has(typ protocol.EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typ]
	return ok
}

// Dispatch hands env to the handler registered for its data.type and reports
// whether one ran. The handler is called without the router lock held.
func (r *Router) Dispatch(env protocol.Envelope) bool {
	typ, ok := env.EventType()
	if !ok {
		return false
	}

	r.mu.RLock()
	h := r.handlers[typ]
	r.mu.RUnlock()
	if h == nil {
		return false
	}

	eventsDispatched.WithLabelValues(typ.String()).Inc()
	h(Event{
		Type:          typ,
		Success:       env.Succeeded(),
		TransactionID: env.TransactionID,
		Data:          env.Data,
	})
	return true
}

// Frame is the payload of a frame event.
type Frame struct {
	MAC   string `json:"mac"`
	Frame string `json:"frame"`
}

// CameraDiscovered is the payload of a camera_discovered event.
type CameraDiscovered struct {
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	Port int    `json:"port"`
}

// RedZoneTrigger is the payload of a red_zone_trigger event. The hub pushes
// only the camera and the triggering frame; titles and times live on the
// stored notification.
type RedZoneTrigger struct {
	MAC   string `json:"mac"`
	Frame string `json:"frame,omitempty"`
}

func (e Event) Frame() (Frame, error) {
	var f Frame
	return f, e.decode(protocol.EventFrame, &f)
}

func (e Event) CameraDiscovered() (CameraDiscovered, error) {
	var c CameraDiscovered
	return c, e.decode(protocol.EventCameraDiscovered, &c)
}

func (e Event) RedZoneTrigger() (RedZoneTrigger, error) {
	var z RedZoneTrigger
	return z, e.decode(protocol.EventRedZoneTrigger, &z)
}

func (e Event) decode(want protocol.EventType, v interface{}) error {
	if e.Type != want {
		return fmt.Errorf("event is %s, not %s", e.Type, want)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s event: %s", protocol.ErrMalformed, want, err.Error())
	}
	return nil
}
