package config

import "testing"

func validConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			WSURL:  "wss://broker.example.com/feed",
			APIKey: "key123",
		},
		Pipeline: PipelineConfig{
			Shards:        4,
			ShardCapacity: 16384,
		},
		Backpressure: BackpressureCfg{
			WarningPct:   0.60,
			CriticalPct:  0.80,
			EmergencyPct: 0.90,
		},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateMissingWSURL(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Broker.WSURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing ws_url")
	}
}

func TestValidateMissingAPIKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Broker.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api_key")
	}
}

func TestValidateBadShards(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.Shards = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero shards")
	}
}

func TestValidateBackpressureOrdering(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backpressure.WarningPct = 0.85
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when warning_pct >= critical_pct")
	}
}

func TestValidateEmergencyOverOne(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backpressure.EmergencyPct = 1.2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when emergency_pct > 1.0")
	}
}

func TestValidateDashboardPort(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for dashboard enabled with no port")
	}
}
