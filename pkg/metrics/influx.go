// Package metrics exports scheduler observability counters to InfluxDB.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/terminal-bench/fundsched/internal/scheduler"
)

// InfluxRecorder implements scheduler.Metrics on top of the non-blocking
// write API: points are buffered and flushed in the background, so recording
// never slows down or fails the scheduling path.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewInfluxRecorder connects to InfluxDB at url.
func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)
	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// RecordOutcome counts one withdraw outcome by kind.
func (r *InfluxRecorder) RecordOutcome(o scheduler.Outcome) {
	r.write.WritePoint(influxdb2.NewPoint(
		"withdraw_outcomes",
		map[string]string{"outcome": o.String()},
		map[string]interface{}{"count": 1},
		time.Now(),
	))
}

// RecordSettlement counts one processed settlement.
func (r *InfluxRecorder) RecordSettlement() {
	r.write.WritePoint(influxdb2.NewPoint(
		"settlements",
		nil,
		map[string]interface{}{"count": 1},
		time.Now(),
	))
}

// SetTrackedAccounts records the tracked-account gauge.
func (r *InfluxRecorder) SetTrackedAccounts(n int) {
	r.write.WritePoint(influxdb2.NewPoint(
		"tracked_accounts",
		nil,
		map[string]interface{}{"value": n},
		time.Now(),
	))
}

// Close flushes buffered points and shuts the client down.
func (r *InfluxRecorder) Close() {
	r.write.Flush()
	r.client.Close()
}
