package telemetry

import (
	"context"
	"testing"
)

func TestEnvironmentDefaultsAndNormalises(t *testing.T) {
	SetEnvironment("")
	if Environment() != "development" {
		t.Fatalf("expected development default, got %q", Environment())
	}
	SetEnvironment("  PROD ")
	t.Cleanup(func() { SetEnvironment("") })
	if Environment() != "prod" {
		t.Fatalf("expected prod, got %q", Environment())
	}
}

func TestOperationResultAttributes(t *testing.T) {
	SetEnvironment("staging")
	t.Cleanup(func() { SetEnvironment("") })

	attrs := OperationResultAttributes("binance", "BTCUSDT", "snapshot", ResultSuccess)
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	want := map[string]string{
		"environment": "staging",
		"venue":       "binance",
		"symbol":      "BTCUSDT",
		"operation":   "snapshot",
		"result":      "success",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("attribute %s: expected %q, got %q", k, v, got[k])
		}
	}
	if len(VenueAttributes("lighter", "")) != 2 {
		t.Fatalf("empty symbol should be omitted")
	}
}

func TestStripScheme(t *testing.T) {
	for in, want := range map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	} {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "dev"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { SetEnvironment("") })
	if p.Meter("test") == nil {
		t.Fatalf("disabled provider should fall back to the global meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
