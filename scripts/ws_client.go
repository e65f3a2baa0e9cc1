// Package main tails the live change feed. With -demo it also records one
// change so there is something to see.
//
//	go run ./scripts -types dcim.site -demo
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type change struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user"`
	RequestID  string    `json:"request_id"`
	Action     string    `json:"action"`
	ObjectType string    `json:"changed_object_type"`
	ObjectID   string    `json:"changed_object_id"`
	Repr       string    `json:"object_repr"`
}

func main() {
	addr := flag.String("addr", "localhost:8080", "service host:port")
	types := flag.String("types", "", "comma separated object types (empty: all)")
	user := flag.String("user", "tail", "X-User sent with requests")
	demo := flag.Bool("demo", false, "record a demo change after subscribing")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/v1/changes/stream"}
	hdr := http.Header{}
	hdr.Set("X-User", *user)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	var objectTypes []string
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			objectTypes = append(objectTypes, t)
		}
	}
	pl, _ := json.Marshal(map[string]any{"object_types": objectTypes})
	for _, m := range []wsMessage{{Type: "connection_init"}, {Type: "subscribe", ID: "tail", Payload: pl}} {
		if err := c.WriteJSON(m); err != nil {
			log.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "next":
				var ch change
				if err := json.Unmarshal(m.Payload, &ch); err != nil {
					log.Printf("bad change: %v", err)
					continue
				}
				log.Printf("%s %s %s/%s %q by %s (request %s)", ch.Time.Format(time.RFC3339), ch.Action, ch.ObjectType, ch.ObjectID, ch.Repr, ch.User, ch.RequestID)
			case "ping":
				_ = c.WriteJSON(wsMessage{Type: "pong"})
			default:
				log.Printf("<- %s %s", m.Type, string(m.Payload))
			}
		}
	}()

	if *demo {
		time.Sleep(500 * time.Millisecond)
		recordDemo("http://"+*addr, *user)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	select {
	case <-stop:
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-done:
	}
}

func recordDemo(base, user string) {
	body := []byte(`{"mutations":[{"object_type":"dcim.site","object_id":"demo-1","repr":"demo site","action":"create","postchange":{"name":"demo site","status":"active"}}]}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/changes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("demo change: %v", err)
		return
	}
	_ = resp.Body.Close()
	log.Printf("demo change: %s (request %s)", resp.Status, resp.Header.Get("X-Request-Id"))
}
