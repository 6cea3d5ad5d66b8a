// Package transaction correlates hub responses with the requests that caused
// them.
package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bilbercode/hsec-client/internal/protocol"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout applies when Send is given a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// TimeoutReason is the error text of a response synthesised on timeout.
const TimeoutReason = "Request timed out"

var (
	ErrNotConnected = errors.New("not connected")
	ErrIDInUse      = errors.New("transaction id in use")
)

// Outcome records how a pending transaction was settled.
type Outcome int

const (
	OutcomeResponse Outcome = iota
	OutcomeTimeout
	OutcomeDisconnected
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTimeout:
		return "timeout"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "response"
	}
}

// Response is what a caller of Send receives, exactly once.
type Response struct {
	protocol.Envelope
	Outcome Outcome
}

// Sender is the slice of the transport the registry needs.
type Sender interface {
	IsConnected() bool
	Send(payload []byte) error
}

type pending struct {
	id        uint32
	op        protocol.Operation
	createdAt time.Time
	timer     *time.Timer
	done      chan Response
	// reused ids share the channel with pushed events of the same stream
	skipEvents bool
}

// Option configures a Registry.
type Option func(*Registry)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithIDSource replaces the random id generator.
func WithIDSource(f func() uint32) Option {
	return func(r *Registry) { r.nextID = f }
}

// Registry holds the table of requests awaiting a response.
type Registry struct {
	mu             sync.Mutex
	items          map[uint32]*pending
	defaultTimeout time.Duration
	nextID         func() uint32
}

func New(opts ...Option) *Registry {
	r := &Registry{
		items:          make(map[uint32]*pending),
		defaultTimeout: DefaultTimeout,
		nextID:         randomID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func randomID() uint32 {
	return uuid.New().ID()
}

// NextID returns an id that is neither reserved nor pending.
func (r *Registry) NextID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextFreeID()
}

func (r *Registry) nextFreeID() uint32 {
	for {
		id := r.nextID()
		if id == protocol.ReservedTransactionID {
			continue
		}
		if _, ok := r.items[id]; ok {
			idCollisions.Inc()
			continue
		}
		return id
	}
}

// Send registers a transaction for op and writes the request through s. The
// returned channel yields exactly one Response: the matching hub message, or a
// synthetic one on timeout, disconnect or cancellation.
//
// When s is not connected nothing is registered and ErrNotConnected is returned
// with the reserved id.
func (r *Registry) Send(s Sender, op protocol.Operation, body interface{}, timeout time.Duration) (uint32, <-chan Response, error) {
	if !s.IsConnected() {
		return protocol.ReservedTransactionID, nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	id := r.nextFreeID()
	return r.register(s, op, id, body, timeout, false)
}

// SendWithID is Send for a request that must carry an existing id, such as the
// stop request of a stream, which the hub matches on the id of the start
// request. Envelopes with that id whose data carries an event type are left to
// the event router and do not settle the transaction.
//
// The id must not be reserved or pending; ErrIDInUse is returned otherwise.
func (r *Registry) SendWithID(s Sender, op protocol.Operation, id uint32, body interface{}, timeout time.Duration) (<-chan Response, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	if _, ok := r.items[id]; ok || id == protocol.ReservedTransactionID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrIDInUse, id)
	}
	_, done, err := r.register(s, op, id, body, timeout, true)
	return done, err
}

// register is called with r.mu held and releases it.
func (r *Registry) register(s Sender, op protocol.Operation, id uint32, body interface{}, timeout time.Duration, skipEvents bool) (uint32, <-chan Response, error) {
	payload, err := protocol.EncodeRequest(op, id, body)
	if err != nil {
		r.mu.Unlock()
		return protocol.ReservedTransactionID, nil, err
	}
	p := &pending{
		id:         id,
		op:         op,
		createdAt:  time.Now(),
		done:       make(chan Response, 1),
		skipEvents: skipEvents,
	}
	p.timer = time.AfterFunc(timeout, func() {
		r.expire(p)
	})
	r.items[id] = p
	pendingGauge.Set(float64(len(r.items)))
	r.mu.Unlock()

	transactionsSent.WithLabelValues(op.String()).Inc()
	log.WithFields(log.Fields{"op": op, "transaction_id": id}).Debug("sending request")

	if err := s.Send(payload); err != nil {
		// The pending record stays; it settles through timeout or disconnect.
		log.WithError(err).WithFields(log.Fields{"op": op, "transaction_id": id}).Warn("failed to send request")
	}
	return id, p.done, nil
}

// Resolve settles the transaction named by env. It reports false, and does
// nothing else, when no such transaction is pending or when the pending one
// was sent with SendWithID and env is an event.
func (r *Registry) Resolve(env protocol.Envelope) bool {
	if env.TransactionID == protocol.ReservedTransactionID {
		return false
	}
	r.mu.Lock()
	p, ok := r.items[env.TransactionID]
	if !ok {
		r.mu.Unlock()
		orphanResponses.Inc()
		return false
	}
	if _, isEvent := env.EventType(); isEvent && p.skipEvents {
		r.mu.Unlock()
		return false
	}
	delete(r.items, p.id)
	pendingGauge.Set(float64(len(r.items)))
	r.mu.Unlock()

	p.timer.Stop()
	roundTrip.WithLabelValues(p.op.String()).Observe(time.Since(p.createdAt).Seconds())
	p.done <- Response{Envelope: env, Outcome: OutcomeResponse}
	return true
}

// Cancel settles a pending transaction locally, for example because its
// caller stopped waiting.
func (r *Registry) Cancel(id uint32, reason string) bool {
	p, ok := r.take(id)
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- synthetic(id, OutcomeCancelled, reason)
	return true
}

// FailAll settles every pending transaction with the given outcome and
// returns how many were settled.
func (r *Registry) FailAll(outcome Outcome, reason string) int {
	r.mu.Lock()
	items := r.items
	r.items = make(map[uint32]*pending)
	pendingGauge.Set(0)
	r.mu.Unlock()

	for id, p := range items {
		p.timer.Stop()
		p.done <- synthetic(id, outcome, reason)
	}
	if len(items) > 0 {
		log.WithField("count", len(items)).Infof("failed pending transactions: %s", reason)
	}
	return len(items)
}

// Pending returns the number of unsettled transactions.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Registry) expire(p *pending) {
	r.mu.Lock()
	current, ok := r.items[p.id]
	if !ok || current != p {
		r.mu.Unlock()
		return
	}
	delete(r.items, p.id)
	pendingGauge.Set(float64(len(r.items)))
	r.mu.Unlock()

	timeouts.WithLabelValues(p.op.String()).Inc()
	log.WithFields(log.Fields{"op": p.op, "transaction_id": p.id}).Warn("request timed out")
	p.done <- synthetic(p.id, OutcomeTimeout, TimeoutReason)
}

func (r *Registry) take(id uint32) (*pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return nil, false
	}
	delete(r.items, id)
	pendingGauge.Set(float64(len(r.items)))
	return p, true
}

func synthetic(id uint32, outcome Outcome, reason string) Response {
	return Response{
		Envelope: protocol.Envelope{
			TransactionID: id,
			Status:        "error",
			Error:         reason,
		},
		Outcome: outcome,
	}
}

func (r Response) String() string {
	return fmt.Sprintf("transaction %d (%s): %s", r.TransactionID, r.Outcome, r.Status)
}
