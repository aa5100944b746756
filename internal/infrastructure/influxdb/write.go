package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StatementMeasurement is the measurement name for statement metrics.
const StatementMeasurement = "shellpipe_statement"

// StatementMetric is one settled shell request.
type StatementMetric struct {
	Kind        string
	Outcome     string
	Duration    time.Duration
	OutputBytes int
	Truncated   bool
	At          time.Time
}

// WriteStatementMetric records the latency and output size of a statement.
// Kind and outcome are tags; the rest are fields. The write is non-blocking.
func (c *Client) WriteStatementMetric(m StatementMetric) {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	c.WritePointWithTime(StatementMeasurement,
		map[string]string{
			"kind":    m.Kind,
			"outcome": m.Outcome,
		},
		map[string]any{
			"duration_ms":  float64(m.Duration) / float64(time.Millisecond),
			"output_bytes": m.OutputBytes,
			"truncated":    m.Truncated,
		},
		at,
	)
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
