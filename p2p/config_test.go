package p2p

import "testing"

func TestWithDefaultsKeepsZeroConnections(t *testing.T) {
	cfg := Config{MaxConnections: 0}.withDefaults()
	if cfg.MaxConnections != 0 {
		t.Fatalf("MaxConnections = %d, want 0", cfg.MaxConnections)
	}
	if cfg.InboundLimit() != 0 || cfg.MaxOutbound != 0 {
		t.Fatalf("zero connections must leave no slots: inbound=%d outbound=%d", cfg.InboundLimit(), cfg.MaxOutbound)
	}

	cfg = Config{MaxConnections: 8}.withDefaults()
	if cfg.MaxOutbound != 8 || cfg.InboundLimit() != 0 {
		t.Fatalf("outbound budget must be capped by MaxConnections: outbound=%d inbound=%d", cfg.MaxOutbound, cfg.InboundLimit())
	}

	cfg = Config{MaxConnections: DefaultMaxConnections}.withDefaults()
	if cfg.MaxOutbound != MaxOutboundConnections || cfg.InboundLimit() != DefaultMaxConnections-MaxOutboundConnections {
		t.Fatalf("unexpected budgets: outbound=%d inbound=%d", cfg.MaxOutbound, cfg.InboundLimit())
	}
}

func TestFitFileDescriptorsKeepsZeroConnections(t *testing.T) {
	cfg := Config{}
	if _, err := cfg.FitFileDescriptors(); err != nil {
		t.Skipf("descriptor limit too low on this host: %v", err)
	}
	if cfg.MaxConnections != 0 {
		t.Fatalf("MaxConnections = %d, want 0", cfg.MaxConnections)
	}
}
