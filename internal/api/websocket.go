package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/log"
)

const (
	recentEventsCount = 50

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFilter selects the events a client asked for. Empty fields match
// everything.
type streamFilter struct {
	constellationID string
	levels          map[string]bool
	prefix          string
}

// parseStreamFilter reads constellation_id, level (comma separated) and
// prefix from the query string.
func parseStreamFilter(r *http.Request) streamFilter {
	q := r.URL.Query()
	f := streamFilter{constellationID: q.Get("constellation_id"), prefix: q.Get("prefix")}
	if v := q.Get("level"); v != "" {
		f.levels = make(map[string]bool)
		for _, l := range strings.Split(v, ",") {
			f.levels[strings.TrimSpace(l)] = true
		}
	}
	return f
}

func (f streamFilter) match(e events.Event) bool {
	if f.constellationID != "" && e.ConstellationID() != f.constellationID {
		return false
	}
	if f.levels != nil && !f.levels[e.Level] {
		return false
	}
	return strings.HasPrefix(e.Name, f.prefix)
}

// eventStream is one WebSocket client of the live event feed.
type eventStream struct {
	conn   *websocket.Conn
	sub    events.Subscriber
	filter streamFilter
	log    *logrus.Entry
}

func (s *eventStream) send(e events.Event) error {
	if !s.filter.match(e) {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop discards client frames and keeps the read deadline fresh on pong.
// The returned channel closes when the client goes away.
func (s *eventStream) readLoop() <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

// run replays recent history then forwards live events until the client
// disconnects or the broadcaster shuts the subscription down.
func (s *eventStream) run() {
	defer s.conn.Close()

	for _, e := range events.RecentEvents(recentEventsCount) {
		if err := s.send(e); err != nil {
			s.log.WithError(err).Debug("replay failed")
			events.Unsubscribe(s.sub)
			return
		}
	}

	gone := s.readLoop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			events.Unsubscribe(s.sub)
			return
		case e, ok := <-s.sub:
			if !ok {
				return
			}
			if err := s.send(e); err != nil {
				s.log.WithError(err).Debug("write failed")
				events.Unsubscribe(s.sub)
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				events.Unsubscribe(s.sub)
				return
			}
		}
	}
}

// wsEventsHandler upgrades the request and streams matching events.
func wsEventsHandler(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api.ws")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("upgrade failed")
		return
	}

	s := &eventStream{
		conn:   conn,
		sub:    events.Subscribe(),
		filter: parseStreamFilter(r),
		log:    logger.WithField("remote", r.RemoteAddr),
	}
	s.run()
}
