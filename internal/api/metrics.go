package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/shellpipe/internal/bridge"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// SystemMetrics is the body of GET /metrics.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Shell         shellpipe.Stats `json:"shell"`
	Journal       JournalMetrics  `json:"journal"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          ConnMetrics     `json:"mqtt"`
	InfluxDB      ConnMetrics     `json:"influxdb"`
	Bridge        *bridge.Metrics `json:"bridge,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// JournalMetrics reports the recorder counters.
type JournalMetrics struct {
	Enabled  bool   `json:"enabled"`
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// ConnMetrics reports an optional outbound connection.
type ConnMetrics struct {
	Enabled       bool `json:"enabled"`
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions,omitempty"`
}

// subscriptionCounter is implemented by the MQTT client.
type subscriptionCounter interface {
	SubscriptionCount() int
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Shell: s.shell.Stats(),
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		MQTT:     connMetrics(s.mqtt),
		InfluxDB: connMetrics(s.influx),
	}

	if s.bridge != nil {
		bm := s.bridge.Metrics()
		metrics.Bridge = &bm
	}

	if s.recorder != nil {
		metrics.Journal = JournalMetrics{
			Enabled:  true,
			Recorded: s.recorder.Recorded(),
			Dropped:  s.recorder.Dropped(),
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func connMetrics(c ConnectionStatus) ConnMetrics {
	if c == nil {
		return ConnMetrics{}
	}
	m := ConnMetrics{Enabled: true, Connected: c.IsConnected()}
	if sc, ok := c.(subscriptionCounter); ok {
		m.Subscriptions = sc.SubscriptionCount()
	}
	return m
}
