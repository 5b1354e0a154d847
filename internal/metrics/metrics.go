// Package metrics provides Prometheus instrumentation for the direct-chat
// server: live connections, message outcomes, chat creation, room joins and
// per-event latency for both transports.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper/dmchat/internal/chat"
)

var (
	// ConnectionsTotal tracks the current number of live socket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dmchat_connections_total",
		Help: "Current number of live socket connections",
	})

	// MessagesTotal counts send outcomes, labeled by result: "created",
	// "dedup", or the rejection kind (e.g. "Forbidden").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmchat_messages_total",
		Help: "Total number of message submissions by result",
	}, []string{"result"})

	// ChatsCreated counts chats created on first contact.
	ChatsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmchat_chats_created_total",
		Help: "Total number of chats created",
	})

	// RoomJoins counts successful chat room joins over sockets.
	RoomJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmchat_room_joins_total",
		Help: "Total number of chat room joins",
	})

	// EventLatency records socket event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dmchat_event_latency_seconds",
		Help:    "Socket event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// HTTPRequests counts synchronous API requests by route and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmchat_http_requests_total",
		Help: "Total number of HTTP API requests",
	}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		ChatsCreated,
		RoomJoins,
		EventLatency,
		HTTPRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// UnknownEvent labels latency for events no handler is registered for.
const UnknownEvent = "unknown"

// ObserveEvent records how long handling a socket event took.
func ObserveEvent(event string, start time.Time) {
	EventLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

// ObserveHTTP counts a finished API request.
func ObserveHTTP(route string, status int) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Observer feeds chat service outcomes into the counters above.
type Observer struct{}

func (Observer) ChatCreated() { ChatsCreated.Inc() }

func (Observer) MessageStored(created bool) {
	if created {
		MessagesTotal.WithLabelValues("created").Inc()
		return
	}
	MessagesTotal.WithLabelValues("dedup").Inc()
}

func (Observer) MessageRejected(kind chat.Kind) {
	MessagesTotal.WithLabelValues(kind.String()).Inc()
}
