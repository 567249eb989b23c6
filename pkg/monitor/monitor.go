package monitor

import (
	"time"

	"github.com/aoscore/aos-cm/pkg/cloudtransport"
	"github.com/aoscore/aos-cm/pkg/smchannel"
	"github.com/aoscore/aos-cm/pkg/types"
)

// Config configures a Monitor.
type Config struct {
	// BufferCapacity bounds the forwarder's pending-delivery buffer.
	BufferCapacity int
}

func (c Config) withDefaults() Config {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 256
	}
	return c
}

// Monitor aggregates the per-node monitoring samples and alerts arriving
// from every SM channel into averaged/instant views and forwards both
// upstream. Its two handler methods are assigned directly onto
// smchannel.AsyncHandlers.OnMonitoring/OnAlert.
type Monitor struct {
	views     *views
	forwarder *Forwarder
}

// New builds a Monitor forwarding through upstream.
func New(cfg Config, upstream Sender) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		views:     newViews(),
		forwarder: NewForwarder(upstream, cfg.BufferCapacity),
	}
}

// Start begins the background forwarding loop.
func (m *Monitor) Start() { m.forwarder.Start() }

// Stop ends the background forwarding loop.
func (m *Monitor) Stop() { m.forwarder.Stop() }

// HandleMonitoring records and forwards one node's resource sample. It
// matches smchannel.AsyncHandlers.OnMonitoring's signature.
func (m *Monitor) HandleMonitoring(smID string, p smchannel.MonitoringPayload) {
	data := p.Data
	if data.NodeID == "" {
		data.NodeID = smID
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now()
	}

	m.views.record(p.Average, data)
	m.forwarder.Enqueue(cloudtransport.KindMonitoringData, cloudtransport.MonitoringDataPayload{
		Average: p.Average,
		Data:    data,
	})
}

// HandleAlert forwards one alert upstream. It matches
// smchannel.AsyncHandlers.OnAlert's signature.
func (m *Monitor) HandleAlert(smID string, p smchannel.AlertPayload) {
	alert := types.Alert{
		NodeID:    smID,
		Ident:     p.Ident,
		Kind:      p.Kind,
		Tag:       p.Tag,
		Message:   p.Message,
		Timestamp: p.Timestamp,
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	m.forwarder.Enqueue(cloudtransport.KindAlert, cloudtransport.AlertPayload{Alert: alert})
}

// Average returns the last averaged sample received for nodeID.
func (m *Monitor) Average(nodeID string) (types.NodeMonitoringData, bool) {
	return m.views.Average(nodeID)
}

// Instant returns the last instantaneous sample received for nodeID.
func (m *Monitor) Instant(nodeID string) (types.NodeMonitoringData, bool) {
	return m.views.Instant(nodeID)
}

// Forget drops both views for nodeID, called when a node is decommissioned.
func (m *Monitor) Forget(nodeID string) {
	m.views.Forget(nodeID)
}
