// Package agent is the node-agent side of the control link: it accepts the
// orchestrator's signed websocket upgrade, proves knowledge of the node token
// with a fresh signed reply and serves envelopes on the socket.
package agent

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/pkg/auth"
	"github.com/Profiidev/smaug/pkg/kv"
	"github.com/Profiidev/smaug/pkg/wire"
)

// seenNonceBytes bounds the replay cache.
const seenNonceBytes = 4 << 20

type Options struct {
	Token string
	// ReplayWindow, when positive, rejects signatures whose timestamp is
	// further than the window from now and nonces already used inside it.
	ReplayWindow time.Duration
	Logger       *zap.Logger
	// OnMessage observes every decoded envelope before the built-in
	// handling.
	OnMessage func(msg wire.Message)
}

type Agent struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
	seen     *kv.Store
	now      func() time.Time

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func New(opts Options) *Agent {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			// Origin carries no weight here: the signature authenticates.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		seen:  kv.NewStore(seenNonceBytes),
		now:   time.Now,
		peers: make(map[*peer]struct{}),
	}
}

// Handler routes /api (socket), /api/test (signed plain call) and /healthz.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", a.ServeSocket)
	mux.Handle("/api/test", a.Signed(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("test"))
	})))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Signed verifies the request signature and signs the response before
// handing over to next.
func (a *Agent) Signed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply, err := a.verify(r)
		if err != nil {
			a.log.Info("Rejected unsigned request", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		for k, v := range reply {
			w.Header()[k] = v
		}
		next.ServeHTTP(w, r)
	})
}

// ServeSocket upgrades a verified request and serves it until it closes.
func (a *Agent) ServeSocket(w http.ResponseWriter, r *http.Request) {
	reply, err := a.verify(r)
	if err != nil {
		a.log.Info("Rejected socket upgrade", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, reply)
	if err != nil {
		a.log.Info("Socket upgrade failed", zap.Error(err))
		return
	}
	p := &peer{conn: conn}
	a.track(p)
	defer a.untrack(p)

	a.log.Info("Established orchestrator socket", zap.String("remote", r.RemoteAddr))
	a.serve(p)
}

// Connections returns the number of open sockets.
func (a *Agent) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

// Broadcast sends msg on every open socket.
func (a *Agent) Broadcast(msg wire.Message) error {
	var errs []error
	for _, p := range a.snapshot() {
		errs = append(errs, p.send(msg))
	}
	return errors.Join(errs...)
}

// CloseConnections drops every open socket without stopping the agent.
func (a *Agent) CloseConnections() {
	for _, p := range a.snapshot() {
		p.conn.Close()
	}
}

func (a *Agent) verify(r *http.Request) (http.Header, error) {
	data, err := auth.VerifyData(r.Header, a.opts.Token, nil)
	if err != nil {
		return nil, err
	}
	if window := a.opts.ReplayWindow; window > 0 {
		if err := auth.CheckFreshness(data.Timestamp, a.now(), window); err != nil {
			return nil, err
		}
		if !a.seen.PutIfAbsent(data.Nonce, nil, 2*window) {
			return nil, auth.ErrNonceReused
		}
	}
	return auth.FromTimestamp(data.Timestamp).Header(a.opts.Token), nil
}

func (a *Agent) serve(p *peer) {
	defer p.conn.Close()
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			a.log.Info("Orchestrator socket closed", zap.Error(err))
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			a.log.Info("Failed to parse orchestrator message", zap.Error(err))
			continue
		}
		if a.opts.OnMessage != nil {
			a.opts.OnMessage(msg)
		}
		if _, ok := msg.(*wire.Hello); ok {
			if err := p.send(wire.World{}); err != nil {
				a.log.Warn("Failed to answer hello", zap.Error(err))
				return
			}
		}
	}
}

func (a *Agent) track(p *peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[p] = struct{}{}
}

func (a *Agent) untrack(p *peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, p)
}

func (a *Agent) snapshot() []*peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*peer, 0, len(a.peers))
	for p := range a.peers {
		out = append(out, p)
	}
	return out
}
