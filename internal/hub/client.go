// Package hub is the typed client of a security hub. One Client owns the
// session, the pending transaction table and the event handlers.
//
// Operations block until the hub answers, the request times out or ctx is
// done, and report failure through their result value rather than an error.
// Run them on their own goroutine where a caller must not block.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bilbercode/hsec-client/internal/address"
	"github.com/bilbercode/hsec-client/internal/events"
	"github.com/bilbercode/hsec-client/internal/profile"
	"github.com/bilbercode/hsec-client/internal/protocol"
	"github.com/bilbercode/hsec-client/internal/transaction"
	"github.com/bilbercode/hsec-client/internal/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	operationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "operation_results",
		Namespace: "hsec_client",
		Help:      "number of completed operations by outcome",
	}, []string{"op", "failure"})
	malformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "malformed_messages",
		Namespace: "hsec_client",
		Help:      "number of inbound messages that could not be parsed",
	})
	duplicateDiscoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "duplicate_discoveries",
		Namespace: "hsec_client",
		Help:      "number of camera_discovered events suppressed as repeats",
	})
)

// Option configures a Client.
type Option func(*Client)

// WithPort overrides the port connection codes resolve to.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithRequestTimeout sets the default per-operation timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithFailPendingOnDisconnect controls whether outstanding operations are
// failed as soon as the connection drops, or left to time out.
func WithFailPendingOnDisconnect(v bool) Option {
	return func(c *Client) { c.failPendingOnDisconnect = v }
}

func WithProfileStore(s profile.Store) Option {
	return func(c *Client) { c.profile = s }
}

func WithSession(s *transport.Session) Option {
	return func(c *Client) { c.session = s }
}

func WithRegistry(r *transaction.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// CallOption adjusts a single operation.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the request timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

type Client struct {
	mu  sync.Mutex
	log *log.Entry

	session  *transport.Session
	registry *transaction.Registry
	router   *events.Router
	profile  profile.Store

	port                    int
	requestTimeout          time.Duration
	failPendingOnDisconnect bool

	onConnection func(connected bool)
	streams      map[StreamKind]StreamHandle
	discovered   map[string]struct{}
}

func New(opts ...Option) *Client {
	id := uuid.NewString()
	c := &Client{
		log:                     log.WithField("client", id),
		router:                  events.NewRouter(),
		port:                    address.DefaultPort,
		requestTimeout:          transaction.DefaultTimeout,
		failPendingOnDisconnect: true,
		streams:                 make(map[StreamKind]StreamHandle),
		discovered:              make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = transport.NewSession()
	}
	if c.registry == nil {
		c.registry = transaction.New(transaction.WithDefaultTimeout(c.requestTimeout))
	}
	return c
}

// ConnectToServer resolves code and opens the hub session. An invalid code
// fails before any network activity.
func (c *Client) ConnectToServer(ctx context.Context, code string, timeout time.Duration) error {
	addr, err := address.DecodeWithPort(code, c.port)
	if err != nil {
		c.log.WithError(err).Warn("rejected connection code")
		return err
	}

	c.session.OnStateChange(c.handleState)
	c.session.OnMessage(c.handleInbound)

	if err := c.session.Connect(ctx, addr, timeout); err != nil {
		return err
	}
	c.log.WithField("hub", addr.String()).Info("connected to hub")

	c.rememberCode(code)
	return nil
}

func (c *Client) IsConnected() bool {
	return c.session.IsConnected()
}

// Close ends the session. Outstanding operations settle per the disconnect
// policy.
func (c *Client) Close() error {
	return c.session.Close()
}

// OnConnectionChange sets the single connection observer; nil clears it.
func (c *Client) OnConnectionChange(h func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = h
}

// AddEventListener sets the handler for one pushed event type, replacing any
// handler already set for it.
//
// Handlers run on the session read goroutine, so no other message is read
// while one runs. An operation called from a handler waits for a response that
// cannot be read and fails only at its timeout; start such calls on their own
// goroutine.
func (c *Client) AddEventListener(typ protocol.EventType, h events.Handler) {
	c.router.Register(typ, h)
}

func (c *Client) RemoveEventListener(typ protocol.EventType) {
	c.router.Unregister(typ)
}

// Pending returns the number of operations awaiting the hub.
func (c *Client) Pending() int {
	return c.registry.Pending()
}

// handleInbound runs on the session read goroutine. Every message goes through
// event dispatch and then transaction resolution; a stream frame is both.
func (c *Client) handleInbound(payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		malformedMessages.Inc()
		c.log.WithError(err).Warn("dropping unreadable message from hub")
		return
	}

	if c.admitEvent(env) {
		c.router.Dispatch(env)
	}

	if env.TransactionID != protocol.ReservedTransactionID {
		c.registry.Resolve(env)
	}
}

// admitEvent suppresses repeated discovery notices for the same camera.
func (c *Client) admitEvent(env protocol.Envelope) bool {
	typ, ok := env.EventType()
	if !ok || typ != protocol.EventCameraDiscovered {
		return ok
	}
	ev := events.Event{Type: typ, Data: env.Data}
	found, err := ev.CameraDiscovered()
	if err != nil || found.MAC == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.discovered[found.MAC]; seen {
		duplicateDiscoveries.Inc()
		return false
	}
	c.discovered[found.MAC] = struct{}{}
	return true
}

func (c *Client) handleState(state transport.State) {
	var connected bool
	switch state {
	case transport.StateOpen:
		connected = true
	case transport.StateDisconnected, transport.StateFailed:
		c.mu.Lock()
		c.streams = make(map[StreamKind]StreamHandle)
		c.mu.Unlock()
		if c.failPendingOnDisconnect {
			c.registry.FailAll(transaction.OutcomeDisconnected, InfoDisconnected)
		}
	default:
		return
	}

	c.mu.Lock()
	h := c.onConnection
	c.mu.Unlock()
	if h != nil {
		h(connected)
	}
}

// send registers and writes a request. A non-success Result means nothing
// was sent.
func (c *Client) send(op protocol.Operation, body interface{}, opts []CallOption) (uint32, <-chan transaction.Response, Result) {
	cfg := callConfig{timeout: c.requestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	id, ch, err := c.registry.Send(c.session, op, body, cfg.timeout)
	return id, ch, c.sendResult(op, err)
}

// sendWithID is send for a request that reuses the id of a running stream.
func (c *Client) sendWithID(op protocol.Operation, id uint32, body interface{}, opts []CallOption) (<-chan transaction.Response, Result) {
	cfg := callConfig{timeout: c.requestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch, err := c.registry.SendWithID(c.session, op, id, body, cfg.timeout)
	return ch, c.sendResult(op, err)
}

func (c *Client) sendResult(op protocol.Operation, err error) Result {
	switch {
	case errors.Is(err, transaction.ErrNotConnected):
		operationResults.WithLabelValues(op.String(), FailureNotConnected.String()).Inc()
		return failed(FailureNotConnected, InfoNotConnected)
	case err != nil:
		c.log.WithError(err).WithField("op", op).Error("failed to build request")
		operationResults.WithLabelValues(op.String(), FailureMalformed.String()).Inc()
		return failed(FailureMalformed, err.Error())
	}
	return ok("")
}

// await waits for the transaction to settle and classifies the outcome.
func (c *Client) await(ctx context.Context, op protocol.Operation, id uint32, ch <-chan transaction.Response) (protocol.Envelope, Result) {
	var resp transaction.Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		// Whether Cancel wins or the transaction settled concurrently, the
		// channel holds exactly one response.
		c.registry.Cancel(id, ctx.Err().Error())
		resp = <-ch
	}

	var res Result
	switch {
	case resp.Outcome == transaction.OutcomeTimeout:
		res = failed(FailureTimeout, resp.Error)
	case resp.Outcome == transaction.OutcomeDisconnected:
		res = failed(FailureDisconnected, resp.Error)
	case resp.Outcome == transaction.OutcomeCancelled:
		res = failed(FailureCancelled, resp.Error)
	case !resp.Succeeded():
		res = failed(FailureServer, resp.Reason())
	default:
		res = ok(resp.Reason())
	}

	operationResults.WithLabelValues(op.String(), res.Failure.String()).Inc()
	if !res.Success {
		c.log.WithFields(log.Fields{"op": op, "transaction_id": id, "failure": res.Failure}).Debugf("operation failed: %s", res.Info)
	}
	return resp.Envelope, res
}

func (c *Client) call(ctx context.Context, op protocol.Operation, body interface{}, opts []CallOption) (protocol.Envelope, Result) {
	id, ch, res := c.send(op, body, opts)
	if !res.Success {
		return protocol.Envelope{}, res
	}
	return c.await(ctx, op, id, ch)
}

// malformed converts a decode error on a successful response.
func (c *Client) malformed(op protocol.Operation, err error) Result {
	c.log.WithError(err).WithField("op", op).Warn("hub sent an unexpected response")
	malformedMessages.Inc()
	return failed(FailureMalformed, err.Error())
}
