package link

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/internal/telemetry"
	"github.com/Profiidev/smaug/pkg/wire"
)

// There is no heartbeat: the link is considered alive until the read side
// of the socket ends, which immediately schedules a reconnect.

type receiver struct {
	conn *websocket.Conn
	done chan struct{}
}

func newReceiver(conn *websocket.Conn) *receiver {
	return &receiver{conn: conn, done: make(chan struct{})}
}

// stop closes the socket, which unblocks the pending read, and waits for
// the receiver goroutine to return.
func (r *receiver) stop() {
	r.conn.Close()
	<-r.done
}

func (s *Supervisor) receive(r *receiver) {
	defer close(r.done)
	defer r.conn.Close()

	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				s.log.Debug("Receiver stopped by disconnect")
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Node closed the socket", zap.Error(err))
			} else {
				s.log.Debug("Socket read failed", zap.Error(err))
			}
			break
		}

		if kind != websocket.BinaryMessage {
			telemetry.Frames.WithLabelValues(telemetry.FrameIgnored).Inc()
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			telemetry.Frames.WithLabelValues(telemetry.FrameMalformed).Inc()
			s.log.Info("Failed to parse node message", zap.Error(err))
			continue
		}
		telemetry.Frames.WithLabelValues(telemetry.FrameMessage).Inc()
		s.deliver(msg)
	}

	s.signalRetry()
}

func (s *Supervisor) deliver(msg wire.Message) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(s.ep.ID, msg)
		return
	}
	s.log.Info("Received node message", zap.String("type", string(msg.Type())))
}
