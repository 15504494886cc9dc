package network

import (
	"slices"
	"sync"

	"github.com/drpcorg/tabby/utils"
	"github.com/prometheus/client_golang/prometheus"
)

var WsPaths = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "tabby",
	Subsystem: "ws",
	Name:      "paths",
	Help:      "Paths with at least one connected client",
})

var WsClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "tabby",
	Subsystem: "ws",
	Name:      "clients",
	Help:      "Connected clients over all paths",
})

var WsFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabby",
	Subsystem: "ws",
	Name:      "frames",
	Help:      "Relayed frames by outcome",
}, []string{"outcome"})

// PathListener hears a path appear (joined) or vanish.
type PathListener func(path string, joined bool)

// ClientListener hears a client join or leave a path.
type ClientListener func(path, client string, joined bool)

type StatsListenerID uint64

type ServerStatsSnapshot struct {
	Paths      int `json:"paths"`
	Clients    int `json:"clients"`
	MaxPaths   int `json:"maxPaths"`
	MaxClients int `json:"maxClients"`
}

// ServerStats is the relay bookkeeping: which clients sit on which
// path, the peaks seen so far, and the listeners to tell about changes.
// Listeners run outside the lock, in the order changes happen.
type ServerStats struct {
	lock       sync.Mutex
	paths      map[string]map[string]struct{}
	clients    int
	maxPaths   int
	maxClients int

	lastID          StatsListenerID
	pathListeners   map[StatsListenerID]PathListener
	clientListeners map[StatsListenerID]clientListener
}

type clientListener struct {
	path string
	fn   ClientListener
}

func NewServerStats() *ServerStats {
	return &ServerStats{
		paths:           make(map[string]map[string]struct{}),
		pathListeners:   make(map[StatsListenerID]PathListener),
		clientListeners: make(map[StatsListenerID]clientListener),
	}
}

func (s *ServerStats) join(path, client string) {
	s.lock.Lock()
	clients, ok := s.paths[path]
	if !ok {
		clients = make(map[string]struct{})
		s.paths[path] = clients
	}
	clients[client] = struct{}{}
	s.clients++
	s.maxPaths = max(s.maxPaths, len(s.paths))
	s.maxClients = max(s.maxClients, s.clients)
	pls, cls := s.listeners(path)
	s.lock.Unlock()

	WsClients.Inc()
	if !ok {
		WsPaths.Inc()
		for _, l := range pls {
			l(path, true)
		}
	}
	for _, l := range cls {
		l(path, client, true)
	}
}

func (s *ServerStats) leave(path, client string) {
	s.lock.Lock()
	clients, ok := s.paths[path]
	if _, in := clients[client]; !ok || !in {
		s.lock.Unlock()
		return
	}
	delete(clients, client)
	s.clients--
	gone := len(clients) == 0
	if gone {
		delete(s.paths, path)
	}
	pls, cls := s.listeners(path)
	s.lock.Unlock()

	WsClients.Dec()
	for _, l := range cls {
		l(path, client, false)
	}
	if gone {
		WsPaths.Dec()
		for _, l := range pls {
			l(path, false)
		}
	}
}

// listeners snapshots the listeners for path in registration order.
func (s *ServerStats) listeners(path string) (pls []PathListener, cls []ClientListener) {
	for _, id := range utils.SortedKeys(s.pathListeners) {
		pls = append(pls, s.pathListeners[id])
	}
	for _, id := range utils.SortedKeys(s.clientListeners) {
		if l := s.clientListeners[id]; l.path == path {
			cls = append(cls, l.fn)
		}
	}
	return
}

func (s *ServerStats) AddPathIDsListener(l PathListener) StatsListenerID {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastID++
	s.pathListeners[s.lastID] = l
	return s.lastID
}

func (s *ServerStats) AddClientIDsListener(path string, l ClientListener) StatsListenerID {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastID++
	s.clientListeners[s.lastID] = clientListener{path: path, fn: l}
	return s.lastID
}

// DelListener removes a path or client listener. A change already being
// reported may still reach it.
func (s *ServerStats) DelListener(id StatsListenerID) *ServerStats {
	s.lock.Lock()
	delete(s.pathListeners, id)
	delete(s.clientListeners, id)
	s.lock.Unlock()
	return s
}

func (s *ServerStats) GetPathIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(s.paths))
	for path := range s.paths {
		ids = append(ids, path)
	}
	slices.Sort(ids)
	return ids
}

func (s *ServerStats) GetClientIDs(path string) []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(s.paths[path]))
	for id := range s.paths[path] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *ServerStats) GetStats() ServerStatsSnapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return ServerStatsSnapshot{
		Paths:      len(s.paths),
		Clients:    s.clients,
		MaxPaths:   s.maxPaths,
		MaxClients: s.maxClients,
	}
}

// Collectors lists the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{WsPaths, WsClients, WsFrames}
}
