package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collectors the set of Prometheus metrics reported by the hub and room servers
//
// A nil *Collectors is valid, and records nothing.
type Collectors struct {
	roomConnections  *prometheus.GaugeVec
	cachePurges      prometheus.Counter
	broadcastDrops   prometheus.Counter
	hubNotifications *prometheus.CounterVec
	hubRequests      *prometheus.CounterVec
}

// GetCollectors define the metrics and register them with the registerer
func GetCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		roomConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "livecount",
			Subsystem: "room",
			Name:      "connections",
			Help:      "Clients currently connected to a room",
		}, []string{"room"}),
		cachePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livecount",
			Subsystem: "room",
			Name:      "cache_purges_total",
			Help:      "Room summary caches deleted after the expiry check found no clients",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livecount",
			Subsystem: "room",
			Name:      "broadcast_drops_total",
			Help:      "Client messages dropped because the client send queue was full",
		}),
		hubNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livecount",
			Subsystem: "hub",
			Name:      "notifications_total",
			Help:      "Connection count update notifications pushed to subscribed rooms",
		}, []string{"result"}),
		hubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livecount",
			Subsystem: "hub",
			Name:      "requests_total",
			Help:      "Requests processed by the hub",
		}, []string{"action", "result"}),
	}
	for _, collector := range []prometheus.Collector{
		c.roomConnections, c.cachePurges, c.broadcastDrops, c.hubNotifications, c.hubRequests,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetRoomConnections record the number of clients connected to a room
func (c *Collectors) SetRoomConnections(roomID string, count int) {
	if c == nil {
		return
	}
	c.roomConnections.WithLabelValues(roomID).Set(float64(count))
}

// RoomRemoved drop the series of a room no longer hosted
func (c *Collectors) RoomRemoved(roomID string) {
	if c == nil {
		return
	}
	c.roomConnections.DeleteLabelValues(roomID)
}

// CachePurged record one summary cache purge
func (c *Collectors) CachePurged() {
	if c == nil {
		return
	}
	c.cachePurges.Inc()
}

// BroadcastDropped record client messages dropped on a full send queue
func (c *Collectors) BroadcastDropped(count int) {
	if c == nil || count == 0 {
		return
	}
	c.broadcastDrops.Add(float64(count))
}

// HubNotification record the result of one update notification
func (c *Collectors) HubNotification(err error) {
	if c == nil {
		return
	}
	c.hubNotifications.WithLabelValues(resultLabel(err)).Inc()
}

// HubRequest record the result of one hub request
func (c *Collectors) HubRequest(action string, err error) {
	if c == nil {
		return
	}
	c.hubRequests.WithLabelValues(action, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
