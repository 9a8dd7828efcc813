package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage is the envelope of the run events socket. Clients send
// subscribe/unsubscribe/ping; the server answers with ack, event, error,
// complete and pong.
type wsMessage struct {
	Type  string          `json:"type"`
	RunID string          `json:"runId,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RunsWSHandler handles /v1/runs/ws, multiplexing event streams of several runs
// over one connection.
func (s *Server) RunsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	tenant := s.getPrincipal(r).Tenant

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(m)
	}
	send := func(runID string, evt SSEEvent) error {
		b, _ := json.Marshal(evt.Data)
		return write(wsMessage{Type: "event", RunID: runID, Event: evt.Type, Data: b})
	}

	subs := map[string]chan SSEEvent{}
	defer func() {
		for id, ch := range subs {
			s.Broker.Unsubscribe(id, ch)
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.RunID == "" {
				_ = write(wsMessage{Type: "error", Error: "runId required"})
				continue
			}
			if _, ok := subs[msg.RunID]; ok {
				continue
			}
			if _, err := s.Store.GetRun(r.Context(), tenant, msg.RunID); err != nil {
				_ = write(wsMessage{Type: "error", RunID: msg.RunID, Error: "run not found"})
				continue
			}
			ch, fin, done := s.subscribeRun(r.Context(), tenant, msg.RunID)
			_ = write(wsMessage{Type: "ack", RunID: msg.RunID})
			if done {
				s.Broker.Unsubscribe(msg.RunID, ch)
				_ = send(msg.RunID, fin)
				_ = write(wsMessage{Type: "complete", RunID: msg.RunID})
				continue
			}
			subs[msg.RunID] = ch
			if last, ok := s.Broker.Last(msg.RunID); ok && !terminalEvent(last.Type) {
				_ = send(msg.RunID, last)
			}
			go func(id string, c chan SSEEvent) {
				for evt := range c {
					if err := send(id, evt); err != nil {
						log.WithError(err).WithField("run_id", id).Debug("ws send")
						return
					}
					if terminalEvent(evt.Type) {
						_ = write(wsMessage{Type: "complete", RunID: id})
					}
				}
			}(msg.RunID, ch)
		case "unsubscribe":
			if ch, ok := subs[msg.RunID]; ok {
				s.Broker.Unsubscribe(msg.RunID, ch)
				delete(subs, msg.RunID)
				_ = write(wsMessage{Type: "complete", RunID: msg.RunID})
			}
		default:
			_ = write(wsMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}
