// Package main runs a demo WebSocket client that solves a synthetic instance
// and prints its progress events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"vrptwc/internal/instance"
)

type wsMessage struct {
	Type  string          `json:"type"`
	RunID string          `json:"runId,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	in, err := instance.Generate(instance.DefaultGenerateOptions(30, time.Now().UnixNano()))
	if err != nil {
		log.Fatal(err)
	}
	var doc bytes.Buffer
	if err := instance.EncodeJSON(&doc, in); err != nil {
		log.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{
		"instance": json.RawMessage(doc.Bytes()),
		"params":   map[string]any{"generations": 60, "populationSize": 30},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/solve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("solve: HTTP %d", resp.StatusCode)
	}
	var solved struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&solved); err != nil {
		log.Fatal(err)
	}
	log.WithField("run_id", solved.RunID).Info("run queued")

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/runs/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "subscribe", RunID: solved.RunID}); err != nil {
		log.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Minute))
	for {
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			log.WithError(err).Warn("read")
			return
		}
		log.WithFields(log.Fields{"type": m.Type, "event": m.Event}).Info(string(m.Data) + m.Error)
		if m.Type == "complete" || m.Type == "error" {
			return
		}
	}
}
