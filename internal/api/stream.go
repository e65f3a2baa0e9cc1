package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"changehook/internal/model"
)

// Live change feed over WebSocket. Client messages: connection_init,
// subscribe {"object_types": [...]}, complete, ping. Server messages:
// connection_ack, next (one ObjectChange), error, complete, ping, pong.

// originChecker accepts requests without an Origin header, any origin when
// allowed is empty or contains "*", and otherwise exact (case-insensitive) matches.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	ObjectTypes []string `json:"object_types"`
}

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
)

// ChangeStreamHandler handles GET /v1/changes/stream.
func (s *Server) ChangeStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Change feed unavailable", "", r.URL.Path)
		return
	}
	if _, err := s.auth.User(r); err != nil {
		s.writeError(w, r, "Unauthenticated", err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// gorilla connections allow one concurrent writer
	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	subs := map[string]chan model.ObjectChange{}
	defer func() {
		for _, ch := range subs {
			s.feed.Unsubscribe(ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	initialized := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			if initialized {
				continue
			}
			initialized = true
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(wsPingInterval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !initialized {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"connection_init required"}`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup || msg.ID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"subscription id missing or in use"}`)})
				continue
			}
			var pl subscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"invalid subscribe payload"}`)})
					continue
				}
			}
			ch := s.feed.Subscribe(pl.ObjectTypes)
			subs[msg.ID] = ch
			go func(id string, c chan model.ObjectChange) {
				for change := range c {
					data, err := json.Marshal(change)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: data}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if ch, ok := subs[msg.ID]; ok {
				s.feed.Unsubscribe(ch)
				delete(subs, msg.ID)
			}
		}
	}
}
