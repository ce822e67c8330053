package metrics

import (
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

func newTestRenderer() *Renderer {
	logger, _ := zap.NewDevelopment()
	return NewRenderer(logger)
}

func fptr(v float64) *float64 { return &v }
func iptr(v int64) *int64     { return &v }
func bptr(v bool) *bool       { return &v }
func sptr(s string) *string   { return &s }

func testSelf() SelfMetrics {
	return SelfMetrics{
		Version:          "test",
		ScrapeDuration:   123 * time.Millisecond,
		EffectiveTimeout: 9500 * time.Millisecond,
	}
}

func parseExposition(t *testing.T, text string) map[string]*dto.MetricFamily {
	t.Helper()
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		t.Fatalf("exposition does not parse: %v", err)
	}
	return families
}

func TestRender_SelfMetricsOnly(t *testing.T) {
	r := newTestRenderer()
	self := testSelf()
	self.ScrapeError = true

	text, err := r.Render(nil, self)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{
		`i2pd_exporter_build_info{version="test"} 1`,
		"i2pd_exporter_scrape_duration_seconds 0.123",
		"i2pd_exporter_effective_scrape_timeout_seconds 9.5",
		"i2pd_exporter_last_scrape_error 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if strings.Contains(text, "i2p_router_") {
		t.Error("expected no router families without a snapshot")
	}
}

func TestRender_Deterministic(t *testing.T) {
	r := newTestRenderer()
	snap := &Snapshot{
		Status:        iptr(1),
		Version:       sptr("2.54.0"),
		UptimeSeconds: fptr(86400),
		BWInbound1s:   fptr(100),
		BWOutbound1s:  fptr(50),
		NetStatusV4:   iptr(0),
		NetStatusV6:   iptr(1),
		NetTestingV4:  bptr(true),
		BytesInbound:  fptr(123456),
	}

	first, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if first != second {
		t.Error("two renders of the same snapshot differ")
	}
	parseExposition(t, first)
}

func TestRender_BandwidthSeries(t *testing.T) {
	r := newTestRenderer()
	snap := &Snapshot{
		BWInbound1s:  fptr(100),
		BWOutbound1s: fptr(50),
	}

	text, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	families := parseExposition(t, text)
	fam, ok := families["i2p_router_net_bw_bytes_per_second"]
	if !ok {
		t.Fatal("missing bandwidth family")
	}
	if len(fam.GetMetric()) != 2 {
		t.Fatalf("bandwidth series = %d, want 2 (absent windows stay absent)", len(fam.GetMetric()))
	}

	got := map[string]float64{}
	for _, m := range fam.GetMetric() {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		got[labels["direction"]+"/"+labels["window"]] = m.GetGauge().GetValue()
	}
	if got["inbound/1s"] != 100 {
		t.Errorf("inbound/1s = %v, want 100", got["inbound/1s"])
	}
	if got["outbound/1s"] != 50 {
		t.Errorf("outbound/1s = %v, want 50", got["outbound/1s"])
	}
}

func TestRender_NetStatusOneHot(t *testing.T) {
	r := newTestRenderer()
	snap := &Snapshot{NetStatusV4: iptr(1)}

	text, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{
		`i2p_router_net_status{family="ipv4",state="firewalled"} 1`,
		`i2p_router_net_status{family="ipv4",state="ok"} 0`,
		`i2p_router_net_status{family="ipv4",state="proxy"} 0`,
		`i2p_router_net_status_code{family="ipv4"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if strings.Contains(text, `family="ipv6"`) {
		t.Error("expected no ipv6 series without v6 data")
	}
}

func TestRender_UnknownStatusCodeBucketsAsUnknown(t *testing.T) {
	r := newTestRenderer()
	snap := &Snapshot{NetStatusV4: iptr(9)}

	text, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if !strings.Contains(text, `i2p_router_net_status{family="ipv4",state="unknown"} 1`) {
		t.Error("expected an out-of-range code to land in the unknown bucket")
	}
	if !strings.Contains(text, `i2p_router_net_status_code{family="ipv4"} 9`) {
		t.Error("expected the raw code to be exposed as-is")
	}
}

func TestRender_ByteTotalsAreCounters(t *testing.T) {
	r := newTestRenderer()
	snap := &Snapshot{
		BytesInbound:  fptr(123456),
		BytesOutbound: fptr(98765),
	}

	text, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	families := parseExposition(t, text)
	fam, ok := families["i2p_router_net_bytes_total"]
	if !ok {
		t.Fatal("missing byte totals family")
	}
	if fam.GetType() != dto.MetricType_COUNTER {
		t.Errorf("type = %v, want COUNTER", fam.GetType())
	}
	if len(fam.GetMetric()) != 2 {
		t.Fatalf("series = %d, want 2 (transit omitted)", len(fam.GetMetric()))
	}
}

func TestRender_OmitsMissingFields(t *testing.T) {
	r := newTestRenderer()
	snap := &Snapshot{Status: iptr(1)}

	text, err := r.Render(snap, testSelf())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if !strings.Contains(text, "i2p_router_status 1") {
		t.Error("expected the status gauge")
	}
	for _, absent := range []string{
		"i2p_router_uptime_seconds",
		"i2p_router_net_bw_bytes_per_second",
		"i2p_router_net_bytes_total",
		"i2p_router_netdb_activepeers",
	} {
		if strings.Contains(text, absent) {
			t.Errorf("exposition has %q, want it omitted for a missing field", absent)
		}
	}
}
