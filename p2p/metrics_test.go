package p2p

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	m := newNetworkMetrics()
	if m != newNetworkMetrics() {
		t.Fatalf("metrics must be registered once and shared")
	}

	before := testutil.ToFloat64(m.dials.WithLabelValues("failed"))
	f := newTestFactory(t, Config{}, NewRegistry(1), nil, nil)
	f.dialFn = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("refused")
	}
	f.ConnectOutbound(context.Background(), netip.MustParseAddrPort("9.9.9.9:51472"), "", OutboundOptions{})
	if got := testutil.ToFloat64(m.dials.WithLabelValues("failed")); got != before+1 {
		t.Fatalf("failed dials = %v, want %v", got, before+1)
	}

	m.recordAdmission("")
	if testutil.ToFloat64(m.admissions.WithLabelValues("unknown")) < 1 {
		t.Fatalf("empty admission result should be recorded as unknown")
	}

	r := NewRegistry(4)
	registerPeer(t, r, "8.8.8.1:1", true)
	registerPeer(t, r, "8.8.8.2:1", false)
	registerPeer(t, r, "8.8.8.3:1", false)
	if got := testutil.ToFloat64(m.peers.WithLabelValues("outbound")); got != 2 {
		t.Fatalf("outbound gauge = %v", got)
	}

	var nilMetrics *networkMetrics
	nilMetrics.recordDial("failed")
	nilMetrics.addBytes("in", 10)
}

func TestMetricsExposedToDefaultGatherer(t *testing.T) {
	newNetworkMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]dto.MetricType{
		"peerlink_p2p_relay_cache_entries": dto.MetricType_GAUGE,
		"peerlink_p2p_poll_errors_total":   dto.MetricType_COUNTER,
	}
	seen := map[string]dto.MetricType{}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			seen[mf.GetName()] = mf.GetType()
		}
	}
	for name, typ := range want {
		got, ok := seen[name]
		if !ok {
			t.Fatalf("%s is not registered", name)
		}
		if got != typ {
			t.Fatalf("%s has type %v, want %v", name, got, typ)
		}
	}
}
