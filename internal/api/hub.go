package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchestra-run/orchestrator/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the wire shape for every WebSocket message in both
// directions, per §6: {type, ...}.
type frame struct {
	Type     string         `json:"type"`
	Seq      int64          `json:"seq,omitempty"`
	SinceSeq int64          `json:"sinceSeq,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// serveEvents upgrades to a WebSocket and speaks the Event Bus
// subscribe/ack/replay protocol (§4.6): the hub fans one bus
// subscription out to one connection, rather than FluxForge's
// single-broadcaster-N-clients pattern, since each client carries its
// own lastAckedSeq.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	subID := r.RemoteAddr + ":" + time.Now().String()
	sub, tail, err := s.bus.Subscribe(subID, 0)
	if err != nil {
		writeFrame(conn, frame{Type: "error", Message: err.Error()})
		return
	}
	defer s.bus.Unsubscribe(subID)

	writeFrame(conn, frame{Type: "subscribed"})
	for _, ev := range tail {
		writeFrame(conn, frame{Type: "event", Seq: ev.Seq, Data: ev.Payload, At: ev.At})
	}

	done := make(chan struct{})
	go s.readLoop(conn, sub, done)

	batch := s.bus.BatchWindow()
	ticker := time.NewTicker(batch)
	defer ticker.Stop()

	var pending []frame
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				writeFrame(conn, frame{Type: "error", Message: "gap-too-large, resubscribe"})
				return
			}
			pending = append(pending, frame{Type: "event", Seq: ev.Seq, Data: ev.Payload, At: ev.At})
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			for _, f := range pending {
				if err := writeFrame(conn, f); err != nil {
					return
				}
			}
			pending = nil
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, sub *eventbus.Subscriber, done chan<- struct{}) {
	defer close(done)
	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case "ack":
			sub.Ack(in.Seq)
		case "replay":
			events, err := s.bus.ReplaySince(in.SinceSeq, 1000)
			if err != nil {
				writeFrame(conn, frame{Type: "error", Message: err.Error()})
				continue
			}
			for _, ev := range events {
				writeFrame(conn, frame{Type: "event", Seq: ev.Seq, Data: ev.Payload, At: ev.At})
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f frame) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
