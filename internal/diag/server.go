// Package diag serves the local diagnostics API: a websocket feed of
// live mesh events plus JSON snapshots of history, stats, and per-peer
// link quality. Bound to localhost only; there is no auth.
package diag

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/meshlink/meshlink/internal/eventbus"
	"github.com/meshlink/meshlink/internal/quality"
	"github.com/meshlink/meshlink/internal/reconnect"
	"github.com/meshlink/meshlink/internal/timeout"
)

var log = logging.Logger("meshlink/diag")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local diagnostics only; any origin on the loopback is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the diagnostics endpoints over one HTTP listener.
type Server struct {
	bus      *eventbus.Bus
	quality  *quality.Monitor
	timeouts *timeout.Manager
	reconn   *reconnect.Manager
	srv      *http.Server
}

// New builds the server; Serve starts it.
func New(bus *eventbus.Bus, q *quality.Monitor, t *timeout.Manager, r *reconnect.Manager) *Server {
	return &Server{bus: bus, quality: q, timeouts: t, reconn: r}
}

// Serve listens on addr until the listener fails or Close is called.
func (s *Server) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/ws", s.handleEventsWS)
	mux.HandleFunc("/api/events/history", s.handleHistory)
	mux.HandleFunc("/api/events/stats", s.handleStats)
	mux.HandleFunc("/api/quality", s.handleQuality)
	mux.HandleFunc("/api/timeouts", s.handleTimeouts)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Infof("diagnostics listening on %s", addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the listener down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// handleEventsWS streams every bus event to the client as JSON frames.
// A slow client is disconnected rather than allowed to back-pressure
// the bus.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.bus.SubscribeAll()
	defer cancel()

	// Drain client frames (pings, close) without blocking the writer.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for evt := range events {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			log.Debugf("event feed write: %v", err)
			return
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	writeJSON(w, s.bus.History(limit))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bus.Stats())
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	snap := s.quality.Snapshot()
	out := make(map[string]any, len(snap))
	for id, q := range snap {
		out[id] = map[string]any{
			"level":       q.Level.String(),
			"avg_rtt_ms":  float64(q.AvgRTT) / float64(time.Millisecond),
			"loss_pct":    q.LossPct,
			"signal_dbm":  q.SignalDBm,
			"samples":     q.Samples,
			"last_update": q.LastUpdate,
			"reconnect":   string(s.reconn.StateOf(id)),
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleTimeouts(w http.ResponseWriter, r *http.Request) {
	st := s.timeouts.Stats()
	writeJSON(w, map[string]any{
		"active":       s.timeouts.Active(),
		"profile":      s.timeouts.Profile().Name,
		"started":      st.Started,
		"expired":      st.Expired,
		"completed":    st.Completed,
		"cancelled":    st.Cancelled,
		"success_rate": st.SuccessRate(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}
