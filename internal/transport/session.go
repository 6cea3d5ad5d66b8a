// Package transport owns the single WebSocket connection to the hub.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bilbercode/hsec-client/internal/address"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrNotOpen        = errors.New("session not open")
	ErrSuperseded     = errors.New("connect superseded")
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// DialFunc opens a WebSocket connection to url.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Option configures a Session.
type Option func(*Session)

func WithDialer(d DialFunc) Option {
	return func(s *Session) { s.dial = d }
}

// WithPingInterval sets the keepalive period. The read deadline is twice the
// interval; a non-positive value disables keepalive.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pingInterval = d
		s.pongTimeout = 2 * d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) { s.writeTimeout = d }
}

// Session is the one live connection to the hub. It never reconnects on its
// own; a new Connect call replaces whatever came before.
//
// OnMessage and OnStateChange each hold at most one handler. Registering again
// replaces the previous one.
type Session struct {
	sync.Mutex
	writeMu sync.Mutex

	dial         DialFunc
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	state      State
	conn       *websocket.Conn
	gen        uint64
	dialCancel context.CancelFunc
	loopCancel context.CancelFunc
	err        error

	onMessage func(payload []byte)
	onState   func(state State)
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		dial:         defaultDial,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// OnMessage sets the inbound payload handler. It runs on the read goroutine,
// one message at a time in arrival order.
func (s *Session) OnMessage(h func(payload []byte)) {
	s.Lock()
	defer s.Unlock()
	s.onMessage = h
}

// OnStateChange sets the handler for Open, Disconnected and Failed transitions.
func (s *Session) OnStateChange(h func(state State)) {
	s.Lock()
	defer s.Unlock()
	s.onState = h
}

func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == StateOpen
}

// Err returns the error that ended the last connection, if any.
func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

// Connect dials addr, first tearing down any connection that is open or still
// connecting. It fails with ErrConnectTimeout when the handshake does not
// complete within timeout; nothing is left open in that case.
func (s *Session) Connect(ctx context.Context, addr address.ServerAddress, timeout time.Duration) error {
	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	s.Lock()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	prev, prevState := s.conn, s.state
	s.gen++
	gen := s.gen
	s.conn = nil
	s.dialCancel = cancel
	s.setState(StateConnecting)
	s.Unlock()

	if prev != nil {
		log.WithField("state", prevState).Info("closing previous hub session before reconnecting")
		s.closeConn(prev)
		if prevState == StateOpen {
			s.notify(StateDisconnected)
		}
	}

	log.WithField("url", addr.URL()).Info("connecting to hub")
	conn, err := s.dial(dialCtx, addr.URL())
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	var netErr net.Error
	if !timedOut && err != nil && errors.As(err, &netErr) && netErr.Timeout() {
		timedOut = true
	}
	cancel()

	s.Lock()
	if gen != s.gen {
		s.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		connectAttempts.WithLabelValues("superseded").Inc()
		return ErrSuperseded
	}
	s.dialCancel = nil

	if err == nil && timedOut {
		err = context.DeadlineExceeded
	}
	if err != nil {
		s.err = err
		s.setState(StateFailed)
		s.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.notify(StateFailed)
		if timedOut {
			connectAttempts.WithLabelValues("timeout").Inc()
			log.WithField("url", addr.URL()).Warnf("hub did not answer within %s", timeout)
			return fmt.Errorf("%w: no answer from %s within %s", ErrConnectTimeout, addr, timeout)
		}
		connectAttempts.WithLabelValues("error").Inc()
		log.WithError(err).WithField("url", addr.URL()).Warn("failed to connect to hub")
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.err = nil
	s.loopCancel = loopCancel
	s.setState(StateOpen)
	s.Unlock()

	connectAttempts.WithLabelValues("open").Inc()
	s.notify(StateOpen)
	go s.run(loopCtx, conn, gen)
	return nil
}

// Send writes one text frame. Outside the Open state the payload is dropped
// and ErrNotOpen returned; callers are expected to check IsConnected first.
func (s *Session) Send(payload []byte) error {
	s.Lock()
	conn, state := s.conn, s.state
	s.Unlock()

	if state != StateOpen || conn == nil {
		log.WithField("state", state).Warn("dropping outbound message, session not open")
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.WithError(err).Warn("failed to write to hub")
		return fmt.Errorf("failed to write message: %w", err)
	}
	framesSent.Inc()
	return nil
}

// Close ends the current connection, if any.
func (s *Session) Close() error {
	s.Lock()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.gen++
	conn, state := s.conn, s.state
	cancel := s.loopCancel
	s.conn = nil
	s.loopCancel = nil
	if conn == nil {
		if state == StateConnecting || state == StateOpen {
			s.setState(StateDisconnected)
		}
		s.Unlock()
		return nil
	}
	s.setState(StateClosing)
	s.Unlock()

	s.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.writeTimeout))
	s.writeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = conn.Close()

	s.Lock()
	s.setState(StateDisconnected)
	s.Unlock()
	if state == StateOpen {
		s.notify(StateDisconnected)
	}

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

// run supervises the read and keepalive loops of one connection and reports
// the drop when it was not initiated locally.
func (s *Session) run(ctx context.Context, conn *websocket.Conn, gen uint64) {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.readLoop(conn)
	})
	group.Go(func() error {
		return s.pingLoop(ctx, conn)
	})
	group.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	err := group.Wait()

	s.Lock()
	if gen != s.gen || s.state != StateOpen {
		s.Unlock()
		return
	}
	s.err = err
	s.conn = nil
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	s.setState(StateDisconnected)
	s.Unlock()

	log.WithError(err).Warn("hub connection lost")
	s.notify(StateDisconnected)
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	if s.pongTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	}

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read from hub: %w", err)
		}
		if s.pongTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		framesReceived.Inc()

		s.Lock()
		h := s.onMessage
		s.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if s.pingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			if err != nil {
				return fmt.Errorf("failed to ping hub: %w", err)
			}
		}
	}
}

func (s *Session) closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.writeTimeout))
	_ = conn.Close()
}

// setState must be called with the lock held.
func (s *Session) setState(state State) {
	s.state = state
	sessionState.Set(float64(state))
}

func (s *Session) notify(state State) {
	s.Lock()
	h := s.onState
	s.Unlock()
	if h != nil {
		h(state)
	}
}
