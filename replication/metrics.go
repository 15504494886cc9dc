package replication

import "github.com/prometheus/client_golang/prometheus"

var SyncMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabby",
	Subsystem: "sync",
	Name:      "messages",
	Help:      "Sync messages by direction and kind",
}, []string{"direction", "kind"})

var SyncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabby",
	Subsystem: "sync",
	Name:      "requests",
	Help:      "Outstanding request outcomes",
}, []string{"outcome"})

var SyncCache = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabby",
	Subsystem: "sync",
	Name:      "response_cache",
	Help:      "Changes response cache lookups",
}, []string{"result"})

// Collectors lists the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{SyncMessages, SyncRequests, SyncCache}
}
