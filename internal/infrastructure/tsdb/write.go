package tsdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteIngestSample records one snapshot of the drain loop counters.
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteIngestSample(frames, faults uint64, sessions int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ingest",
		map[string]string{
			"workspace": c.cfg.Org,
		},
		map[string]interface{}{
			"frames":   int64(frames),
			"faults":   int64(faults),
			"sessions": sessions,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSessionUsage records one live session's ring usage and totals.
func (c *Client) WriteSessionUsage(s SessionSample) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"session_usage",
		map[string]string{
			"session_id": s.ID,
			"entry":      s.Entry,
			"level":      s.Level,
		},
		map[string]interface{}{
			"usage_ratio": s.UsageRatio,
			"frames":      int64(s.Frames),
			"bytes":       int64(s.Bytes),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteHostIncident records a host process incident (crash, restart,
// give-up) as a counter point.
func (c *Client) WriteHostIncident(entry, kind string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"host_incident",
		map[string]string{
			"entry": entry,
			"kind":  kind,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that do not fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
