// Package opsapi is the supervisor's ambient operability surface: a
// read-only HTTP view of fleet ServiceState and the data service's
// latest-block pointer, Prometheus metrics, and a websocket feed of state
// transitions. Not a spec.md component — every deployed fleet needs some
// operability surface, the way the teacher's cmd/explorer/server.go built
// one for its own domain.
package opsapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"agentd/internal/supervisor"
)

// StateProvider is the subset of *supervisor.Fleet the ops surface reads.
type StateProvider interface {
	State(name supervisor.ServiceName) (supervisor.ServiceState, bool)
}

// LatestBlockProvider exposes the data service's latest-block pointer for
// the /latest_block_id route, as a thunk rather than an interface since
// the natural source (*notification.Service.LatestBlockID) returns a
// concrete uuidx.UUID, not a string.
type LatestBlockProvider func() string

// AdaptLatestBlockSource wraps any value whose LatestBlockID() result
// implements fmt.Stringer (e.g. *notification.Service, via uuidx.UUID)
// for use as New's LatestBlockProvider.
func AdaptLatestBlockSource[T fmt.Stringer](src interface{ LatestBlockID() T }) LatestBlockProvider {
	return func() string { return src.LatestBlockID().String() }
}

// Metrics holds the supervisor/service Prometheus counters this surface
// exports at /metrics.
type Metrics struct {
	Restarts   *prometheus.CounterVec
	FrameCount *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh Metrics set against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "service_restarts_total",
			Help:      "Number of times the supervisor restarted a service.",
		}, []string{"service"}),
		FrameCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "ipc_frames_total",
			Help:      "Number of IPC frames processed, by service and direction.",
		}, []string{"service", "direction"}),
	}
	reg.MustRegister(m.Restarts, m.FrameCount)
	return m
}

// Server is the ops HTTP surface.
type Server struct {
	fleet   StateProvider
	latest  LatestBlockProvider
	metrics *Metrics
	log     *logrus.Entry

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// New builds a Server and its gorilla/mux router, exposing:
//   - GET /services/{name} -> {"service": name, "state": "running"}
//   - GET /latest_block_id
//   - GET /metrics (prometheus)
//   - GET /ws/events (websocket stream of state transitions)
func New(fleet StateProvider, latest LatestBlockProvider, reg *prometheus.Registry, log *logrus.Entry) (*Server, *mux.Router) {
	s := &Server{
		fleet:   fleet,
		latest:  latest,
		metrics: NewMetrics(reg),
		log:     log.WithField("service", "opsapi"),
		subs:    make(map[*websocket.Conn]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/services/{name}", s.handleServiceState).Methods(http.MethodGet)
	r.HandleFunc("/latest_block_id", s.handleLatestBlock).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.handleEvents).Methods(http.MethodGet)
	return s, r
}

func (s *Server) handleServiceState(w http.ResponseWriter, r *http.Request) {
	name := supervisor.ServiceName(mux.Vars(r)["name"])
	state, ok := s.fleet.State(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]string{"service": string(name), "state": state.String()})
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"latest_block_id": s.latest()})
}

// handleEvents upgrades to a websocket and registers the connection for
// Broadcast; it is removed on write failure or peer close.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.mu.Lock()
	s.subs[conn] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer s.removeSub(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeSub(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.subs, conn)
	s.mu.Unlock()
	conn.Close()
}

// StateTransition is one event pushed to /ws/events subscribers.
type StateTransition struct {
	Service string `json:"service"`
	State   string `json:"state"`
}

// Broadcast pushes a state transition to every connected websocket
// subscriber, dropping (and removing) any connection that fails to write
// within the call — a slow subscriber never blocks the supervisor.
func (s *Server) Broadcast(name supervisor.ServiceName, state supervisor.ServiceState) {
	evt := StateTransition{Service: string(name), State: state.String()}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subs))
	for c := range s.subs {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(evt); err != nil {
			s.removeSub(c)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
