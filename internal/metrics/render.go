package metrics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContentType identifies the exposition format produced by Render.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// netStates are the one-hot buckets for the network status families,
// indexed by status code.
var netStates = []string{"ok", "firewalled", "unknown", "proxy", "mesh"}

// SelfMetrics carries the exporter's own observations for one scrape. They
// appear in every response, including failed scrapes.
type SelfMetrics struct {
	Version          string
	ScrapeDuration   time.Duration
	EffectiveTimeout time.Duration
	ScrapeError      bool
}

// Renderer turns snapshots into exposition text. Output is deterministic
// for a given input: each call gathers a fresh registry, which sorts
// families by name and series by label values.
type Renderer struct {
	logger          *zap.Logger
	unknownNetState rate.Sometimes
}

// NewRenderer creates a Renderer.
func NewRenderer(logger *zap.Logger) *Renderer {
	return &Renderer{
		logger: logger,
		// A router stuck on an unrecognized status code would otherwise
		// warn on every scrape.
		unknownNetState: rate.Sometimes{First: 1},
	}
}

// Render produces the exposition text for one scrape. A nil snapshot
// renders self-metrics only.
func (r *Renderer) Render(snap *Snapshot, self SelfMetrics) (string, error) {
	reg := prometheus.NewRegistry()
	if snap != nil {
		r.registerRouterMetrics(reg, snap)
	}
	registerSelfMetrics(reg, self)

	families, err := reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return "", fmt.Errorf("encoding %s: %w", fam.GetName(), err)
		}
	}
	return buf.String(), nil
}

func (r *Renderer) registerRouterMetrics(reg *prometheus.Registry, snap *Snapshot) {
	if snap.Status != nil {
		gauge(reg, "i2p_router_status", "Router status (1 or 0)", float64(*snap.Status))
	}
	if snap.Version != nil {
		build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "i2p_router_build_info",
			Help: "Router build information",
		}, []string{"version"})
		build.WithLabelValues(*snap.Version).Set(1)
		reg.MustRegister(build)
	}
	if snap.UptimeSeconds != nil {
		gauge(reg, "i2p_router_uptime_seconds", "Router uptime in seconds", *snap.UptimeSeconds)
	}

	r.registerBandwidth(reg, snap)
	r.registerNetStatus(reg, snap)

	if snap.NetDBActivePeers != nil {
		gauge(reg, "i2p_router_netdb_activepeers", "Number of active known peers in NetDB", float64(*snap.NetDBActivePeers))
	}
	if snap.NetDBKnownPeers != nil {
		gauge(reg, "i2p_router_netdb_knownpeers", "Total number of known peers (RouterInfos) in NetDB", float64(*snap.NetDBKnownPeers))
	}
	if snap.NetDBFloodfills != nil {
		gauge(reg, "i2p_router_netdb_floodfills", "Number of floodfill routers known to NetDB", float64(*snap.NetDBFloodfills))
	}
	if snap.NetDBLeaseSets != nil {
		gauge(reg, "i2p_router_netdb_leasesets", "Number of LeaseSets known to NetDB", float64(*snap.NetDBLeaseSets))
	}

	if snap.TunnelsParticipating != nil {
		gauge(reg, "i2p_router_tunnels_participating", "Number of active participating transit tunnels", float64(*snap.TunnelsParticipating))
	}
	if snap.TunnelsInbound != nil {
		gauge(reg, "i2p_router_tunnels_inbound", "Number of inbound client tunnels", float64(*snap.TunnelsInbound))
	}
	if snap.TunnelsOutbound != nil {
		gauge(reg, "i2p_router_tunnels_outbound", "Number of outbound client tunnels", float64(*snap.TunnelsOutbound))
	}
	if snap.TunnelsQueue != nil {
		gauge(reg, "i2p_router_tunnels_queue", "Tunnel build queue size", float64(*snap.TunnelsQueue))
	}
	if snap.TunnelsTBMQueue != nil {
		gauge(reg, "i2p_router_tunnels_tbm_queue", "Transit tunnel build message queue size", float64(*snap.TunnelsTBMQueue))
	}
	if snap.TunnelSuccessRatio != nil {
		gauge(reg, "i2p_router_tunnels_success_ratio", "Tunnel build success rate as a ratio (0..1)", *snap.TunnelSuccessRatio)
	}
	if snap.TunnelTotalSuccessRatio != nil {
		gauge(reg, "i2p_router_tunnels_total_success_ratio", "Lifetime tunnel build success rate as a ratio (0..1)", *snap.TunnelTotalSuccessRatio)
	}

	if snap.BytesInbound != nil || snap.BytesOutbound != nil || snap.BytesTransit != nil {
		totals := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "i2p_router_net_bytes_total",
			Help: "Total network bytes since router start",
		}, []string{"direction"})
		reg.MustRegister(totals)
		if snap.BytesInbound != nil {
			totals.WithLabelValues("inbound").Add(*snap.BytesInbound)
		}
		if snap.BytesOutbound != nil {
			totals.WithLabelValues("outbound").Add(*snap.BytesOutbound)
		}
		if snap.BytesTransit != nil {
			totals.WithLabelValues("transit").Add(*snap.BytesTransit)
		}
	}
}

func (r *Renderer) registerBandwidth(reg *prometheus.Registry, snap *Snapshot) {
	series := []struct {
		val       *float64
		direction string
		window    string
	}{
		{snap.BWInbound1s, "inbound", "1s"},
		{snap.BWInbound15s, "inbound", "15s"},
		{snap.BWOutbound1s, "outbound", "1s"},
		{snap.BWOutbound15s, "outbound", "15s"},
		{snap.BWTransit15s, "transit", "15s"},
	}

	var bw *prometheus.GaugeVec
	for _, s := range series {
		if s.val == nil {
			continue
		}
		if bw == nil {
			bw = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "i2p_router_net_bw_bytes_per_second",
				Help: "Router bandwidth in bytes/sec",
			}, []string{"direction", "window"})
			reg.MustRegister(bw)
		}
		bw.WithLabelValues(s.direction, s.window).Set(*s.val)
	}
}

func (r *Renderer) registerNetStatus(reg *prometheus.Registry, snap *Snapshot) {
	families := []struct {
		label   string
		status  *int64
		errCode *int64
		testing *bool
	}{
		{"ipv4", snap.NetStatusV4, snap.NetErrorV4, snap.NetTestingV4},
		{"ipv6", snap.NetStatusV6, snap.NetErrorV6, snap.NetTestingV6},
	}

	var states, codes, errCodes, testing *prometheus.GaugeVec
	for _, f := range families {
		if f.status != nil {
			if states == nil {
				states = prometheus.NewGaugeVec(prometheus.GaugeOpts{
					Name: "i2p_router_net_status",
					Help: "Router network status as states (ok, firewalled, unknown, proxy, mesh)",
				}, []string{"family", "state"})
				codes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
					Name: "i2p_router_net_status_code",
					Help: "Router network status code (0=OK, 1=Firewalled, 2=Unknown, 3=Proxy, 4=Mesh)",
				}, []string{"family"})
				reg.MustRegister(states, codes)
			}
			active := r.stateForCode(*f.status)
			for _, state := range netStates {
				v := 0.0
				if state == active {
					v = 1
				}
				states.WithLabelValues(f.label, state).Set(v)
			}
			codes.WithLabelValues(f.label).Set(float64(*f.status))
		}
		if f.errCode != nil {
			if errCodes == nil {
				errCodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
					Name: "i2p_router_net_error_code",
					Help: "Router network error code",
				}, []string{"family"})
				reg.MustRegister(errCodes)
			}
			errCodes.WithLabelValues(f.label).Set(float64(*f.errCode))
		}
		if f.testing != nil {
			if testing == nil {
				testing = prometheus.NewGaugeVec(prometheus.GaugeOpts{
					Name: "i2p_router_net_testing",
					Help: "1 if the router is testing network connectivity",
				}, []string{"family"})
				reg.MustRegister(testing)
			}
			v := 0.0
			if *f.testing {
				v = 1
			}
			testing.WithLabelValues(f.label).Set(v)
		}
	}
}

// stateForCode maps a status code to its state bucket. Codes outside the
// documented range land in "unknown" and are logged once per process.
func (r *Renderer) stateForCode(code int64) string {
	if code >= 0 && code < int64(len(netStates)) {
		return netStates[code]
	}
	r.unknownNetState.Do(func() {
		r.logger.Warn("unknown net status code", zap.Int64("code", code))
	})
	return "unknown"
}

func registerSelfMetrics(reg *prometheus.Registry, self SelfMetrics) {
	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "i2pd_exporter_build_info",
		Help: "Exporter build information",
	}, []string{"version"})
	build.WithLabelValues(self.Version).Set(1)
	reg.MustRegister(build)

	gauge(reg, "i2pd_exporter_scrape_duration_seconds", "Duration of last scrape", self.ScrapeDuration.Seconds())
	gauge(reg, "i2pd_exporter_effective_scrape_timeout_seconds", "Computed effective scrape timeout budget", self.EffectiveTimeout.Seconds())

	errVal := 0.0
	if self.ScrapeError {
		errVal = 1
	}
	gauge(reg, "i2pd_exporter_last_scrape_error", "1 if the last scrape had an error, 0 otherwise", errVal)
}

func gauge(reg *prometheus.Registry, name, help string, value float64) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	g.Set(value)
	reg.MustRegister(g)
}
