package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"confsyncd/core"
)

// serveDebug exposes an operational HTTP surface for inspecting server
// state outside the wire protocol: a lastseen dump and a websocket stream
// of SCALLBACK deliveries, useful when driving the daemon interactively
// during an incident.
func serveDebug(addr string, srv *core.Server) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	events := newEventBroadcaster()
	srv.CallbackSink = events.publish

	r := chi.NewRouter()
	r.Get("/debug/lastseen", func(w http.ResponseWriter, req *http.Request) {
		var rows []core.ScanResult
		if srv.Seen != nil {
			_ = srv.Seen.Scan(func(sr core.ScanResult) bool {
				rows = append(rows, sr)
				return true
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})
	r.Get("/debug/events", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.WithError(err).Warn("debug websocket upgrade failed")
			return
		}
		defer conn.Close()
		sub := events.subscribe()
		defer events.unsubscribe(sub)
		for payload := range sub {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	})

	log.WithField("addr", addr).Info("debug HTTP endpoint listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.WithError(err).Warn("debug HTTP endpoint stopped")
	}
}

// eventBroadcaster fans SCALLBACK payloads out to every connected debug
// websocket client.
type eventBroadcaster struct {
	subscribe   func() chan []byte
	unsubscribe func(chan []byte)
	publish     func([]byte)
}

func newEventBroadcaster() *eventBroadcaster {
	subCh := make(chan chan []byte)
	unsubCh := make(chan chan []byte)
	pubCh := make(chan []byte)

	go func() {
		subs := make(map[chan []byte]struct{})
		for {
			select {
			case s := <-subCh:
				subs[s] = struct{}{}
			case s := <-unsubCh:
				delete(subs, s)
				close(s)
			case payload := <-pubCh:
				for s := range subs {
					select {
					case s <- payload:
					default:
					}
				}
			}
		}
	}()

	return &eventBroadcaster{
		subscribe: func() chan []byte {
			ch := make(chan []byte, 16)
			subCh <- ch
			return ch
		},
		unsubscribe: func(ch chan []byte) { unsubCh <- ch },
		publish:     func(payload []byte) { pubCh <- payload },
	}
}
