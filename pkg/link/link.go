// Package link keeps one authenticated control socket open to a node agent.
//
// A Supervisor owns the socket for a single node. Its supervising goroutine
// dials, waits for the socket to drop and dials again, strictly one attempt
// at a time, until Disconnect is called. A receiver goroutine per socket
// decodes inbound envelopes. Connectivity is observable through IsConnected,
// the Broadcaster and logs; dial and read failures never escape the loop.
package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/internal/clock"
	"github.com/Profiidev/smaug/internal/telemetry"
	"github.com/Profiidev/smaug/pkg/auth"
	"github.com/Profiidev/smaug/pkg/node"
	"github.com/Profiidev/smaug/pkg/wire"
)

const (
	DefaultRetryDelay  = 5 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("node link is not established")
	// ErrStopped is returned by Send after Disconnect. It matches
	// ErrNotConnected.
	ErrStopped = fmt.Errorf("node link is stopped: %w", ErrNotConnected)
)

// Broadcaster is told when a node's connected flag flips. It is never told
// about individual failed attempts.
//
// ConnectivityChanged runs on the supervising goroutine, which Disconnect
// waits for. It must not call Disconnect on the same supervisor, or Connect
// or Disconnect on a registry for the same node, except from a goroutine of
// its own.
type Broadcaster interface {
	ConnectivityChanged(id uuid.UUID, connected bool)
}

type Options struct {
	// RetryDelay separates failed attempts. DefaultRetryDelay when zero.
	RetryDelay time.Duration
	// DialTimeout bounds a single dial including the upgrade handshake.
	DialTimeout time.Duration
	TLSConfig   *tls.Config

	Broadcaster Broadcaster
	// OnMessage receives decoded inbound envelopes on the receiver
	// goroutine. The default logs them. Disconnect waits for that
	// goroutine, so the same rule as for Broadcaster applies: tear the
	// link down from a separate goroutine.
	OnMessage func(id uuid.UUID, msg wire.Message)

	Logger *zap.Logger
	Clock  clock.Clock
	Dial   DialFunc
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Dial == nil {
		tlsConfig := o.TLSConfig
		o.Dial = func(ctx context.Context, url, token string) (*websocket.Conn, error) {
			return Dial(ctx, url, token, tlsConfig)
		}
	}
	return o
}

// Supervisor maintains the control socket of one node.
type Supervisor struct {
	ep      node.Endpoint
	url     string
	baseURL string
	opts    Options
	log     *zap.Logger
	backoff backoff.BackOff
	client  *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	retry  chan struct{}
	done   chan struct{}

	// mu guards the swap of the fields below. It is never held across
	// socket I/O.
	mu       sync.Mutex
	sender   *sender
	receiver *receiver
	timer    *clock.Timer
	state    State
	since    time.Time

	// connected is owned by the supervising goroutine.
	connected bool
}

// New builds the supervisor for ep and starts connecting in the
// background. It fails only when ep cannot form a URL; an unreachable node
// still gets a supervisor that keeps retrying.
func New(ep node.Endpoint, opts Options) (*Supervisor, error) {
	url, err := ep.URL()
	if err != nil {
		return nil, err
	}
	baseURL, err := ep.BaseURL()
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	var base http.RoundTripper = http.DefaultTransport
	if opts.TLSConfig != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = opts.TLSConfig
		base = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		ep:      ep,
		url:     url,
		baseURL: baseURL,
		opts:    opts,
		log:     opts.Logger.With(zap.Stringer("node", ep.ID), zap.String("url", url)),
		backoff: backoff.NewConstantBackOff(opts.RetryDelay),
		client: &http.Client{
			Transport: &auth.Transport{Token: ep.Token, Base: base},
			Timeout:   opts.DialTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
		retry:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  StateDisconnected,
		since:  opts.Clock.Now(),
	}

	// The first attempt runs as soon as the loop starts.
	s.retry <- struct{}{}
	go s.run()
	return s, nil
}

func (s *Supervisor) Endpoint() node.Endpoint { return s.ep }

// IsConnected reports whether a send half currently exists.
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender != nil
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{ID: s.ep.ID, URL: s.url, State: s.state, Since: s.since}
}

// HTTPClient returns a client that signs plain calls to this node, and the
// node's base URL.
func (s *Supervisor) HTTPClient() (*http.Client, string) {
	return s.client, s.baseURL
}

// Send writes msg on the current socket. There is no queueing: without a
// live socket it fails with ErrNotConnected.
func (s *Supervisor) Send(msg wire.Message) error {
	s.mu.Lock()
	snd := s.sender
	s.mu.Unlock()
	if snd == nil {
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		return ErrNotConnected
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := snd.write(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// Disconnect stops the supervisor, closes the socket and waits for both
// goroutines to exit. It is idempotent and safe for concurrent use.
func (s *Supervisor) Disconnect() {
	s.cancel()

	s.mu.Lock()
	rcv, timer := s.receiver, s.timer
	s.sender, s.receiver, s.timer = nil, nil, nil
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if rcv != nil {
		rcv.stop()
	}
	<-s.done
}

// Done is closed once the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) run() {
	defer close(s.done)
	defer func() {
		if s.connected {
			s.setConnected(false)
		}
		s.log.Debug("Link supervisor stopped")
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.retry:
		}

		s.reset()

		dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
		conn, err := s.opts.Dial(dialCtx, s.url, s.ep.Token)
		cancel()

		if s.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		telemetry.ConnectAttempts.WithLabelValues(dialResult(err)).Inc()
		if err != nil {
			s.log.Warn("Failed to connect to node agent", zap.Error(err))
			s.scheduleRetry()
			continue
		}

		if !s.install(conn) {
			conn.Close()
			return
		}
		s.backoff.Reset()
		s.setConnected(true)
		s.log.Debug("Node link established")
	}
}

// reset drops the previous socket, if any, and waits for its receiver so
// that at most one receiver runs per supervisor.
func (s *Supervisor) reset() {
	s.mu.Lock()
	rcv := s.receiver
	s.sender, s.receiver, s.timer = nil, nil, nil
	if s.ctx.Err() == nil {
		s.setStateLocked(StateConnecting)
	}
	s.mu.Unlock()

	if rcv != nil {
		rcv.stop()
	}
	if s.connected {
		s.setConnected(false)
	}
}

func (s *Supervisor) install(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}

	rcv := newReceiver(conn)
	s.sender = &sender{conn: conn}
	s.receiver = rcv
	s.setStateLocked(StateConnected)
	go s.receive(rcv)
	return true
}

func (s *Supervisor) scheduleRetry() {
	delay := s.backoff.NextBackOff()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.setStateLocked(StateDisconnected)
	s.timer = s.opts.Clock.AfterFunc(delay, s.signalRetry)
}

func (s *Supervisor) signalRetry() {
	select {
	case s.retry <- struct{}{}:
	default:
	}
}

func (s *Supervisor) setConnected(connected bool) {
	if s.connected == connected {
		return
	}
	s.connected = connected
	telemetry.SetLinkState(s.ep.ID.String(), connected)
	if connected {
		s.log.Info("Node connected")
	} else {
		s.log.Info("Node disconnected")
	}
	if s.opts.Broadcaster != nil {
		s.opts.Broadcaster.ConnectivityChanged(s.ep.ID, connected)
	}
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state == state || s.state == StateStopped {
		return
	}
	s.state = state
	s.since = s.opts.Clock.Now()
}

// sender is the write half of a socket. The socket allows one concurrent
// writer, so writes are serialized here rather than under Supervisor.mu.
type sender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sender) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
