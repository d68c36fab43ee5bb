package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CheckoutTTL != 31*time.Minute || cfg.ReservationTTL != 35*time.Minute {
		t.Fatalf("ttls: %s %s", cfg.CheckoutTTL, cfg.ReservationTTL)
	}
	if cfg.StoreDriver != "postgres" || cfg.OversellPolicy != "refund" || cfg.RefunderWorkers != 4 {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("CHECKOUT_TTL", "45m")
	t.Setenv("RESERVATION_TTL", "50m")
	t.Setenv("CURRENCY", "EUR")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers: %q", cfg.KafkaBrokers)
	}
	if cfg.CheckoutTTL != 45*time.Minute || cfg.Currency != "eur" || cfg.StoreDriver != "memory" {
		t.Fatalf("overrides: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":    {"SWEEP_INTERVAL", "soon"},
		"bad int":         {"REFUNDER_WORKERS", "many"},
		"bad driver":      {"STORE_DRIVER", "mongo"},
		"holds too short": {"RESERVATION_TTL", "10m"},
		"zero sweep":      {"SWEEP_INTERVAL", "0s"},
		"negative sweep":  {"SWEEP_INTERVAL", "-1m"},
		"zero checkout":   {"CHECKOUT_TTL", "0s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s accepted", kv[0], kv[1])
			}
		})
	}
}
