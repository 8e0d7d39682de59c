// Package metrics exposes broker and RTDB collectors over a
// Prometheus-compatible /metrics endpoint, and takes gopsutil host
// samples for the RTDB health check (host readings are not exported as
// gauges).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry bundles the broker's Prometheus collectors. Within this
// module only SessionsActive and SessionsTotal are updated (by
// cmd/vsoa-brokerd's client hook); the other collectors are registered
// and exported but nothing updates them, so they read zero.
type Registry struct {
	reg *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	PacketsRecv     prometheus.Counter
	PacketsSent     prometheus.Counter
	RTDBTags        prometheus.Gauge
	RTDBWrites      prometheus.Counter
	RTDBReads       prometheus.Counter
	PendingTimeouts prometheus.Counter
	WSSessions      prometheus.Gauge
}

// New creates and registers the broker's collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_sessions_active", Help: "Currently connected VSOA sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_sessions_total", Help: "VSOA sessions accepted since start.",
		}),
		PacketsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_packets_received_total", Help: "VSOA packets received.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_packets_sent_total", Help: "VSOA packets sent.",
		}),
		RTDBTags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_rtdb_tags", Help: "Tags currently held by the RTDB.",
		}),
		RTDBWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_rtdb_writes_total", Help: "RTDB writes performed.",
		}),
		RTDBReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_rtdb_reads_total", Help: "RTDB reads performed.",
		}),
		PendingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_pending_timeouts_total", Help: "Client RPCs that timed out waiting for a reply.",
		}),
		WSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_ws_sessions_active", Help: "Currently connected WebSocket push sessions.",
		}),
	}
	reg.MustRegister(
		r.SessionsActive, r.SessionsTotal, r.PacketsRecv, r.PacketsSent,
		r.RTDBTags, r.RTDBWrites, r.RTDBReads, r.PendingTimeouts, r.WSSessions,
	)
	return r
}

// Handler returns the HTTP handler serving the registry in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// HostSample is a point-in-time host resource reading used to enrich the
// RTDB health check beyond shard-lock contention.
type HostSample struct {
	CPUPercent float64
	MemPercent float64
}

// SampleHost takes one CPU/memory reading via gopsutil, bounded by ctx.
func SampleHost(ctx context.Context) (HostSample, error) {
	percentages, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return HostSample{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, err
	}
	var cpuPct float64
	if len(percentages) > 0 {
		cpuPct = percentages[0]
	}
	return HostSample{CPUPercent: cpuPct, MemPercent: vm.UsedPercent}, nil
}
