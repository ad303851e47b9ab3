package rollout

import (
	"context"
	"testing"

	"github.com/example/order-tracking/internal/models"
)

func TestMemorySourceReturnsFreshCopies(t *testing.T) {
	src := NewMemorySource(models.RolloutConfig{SubstitutionAllow: []string{"r1"}})
	cfg, err := src.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cfg.SubstitutionAllow[0] = "mutated"
	again, _ := src.Current(context.Background())
	if again.SubstitutionAllow[0] != "r1" {
		t.Fatal("caller mutation leaked into the source")
	}
}

func TestKillSwitchTripsOnLowOnTimeRate(t *testing.T) {
	cfg := models.RolloutConfig{
		MinOnTimePct:      0.9,
		SubstitutionAllow: []string{"r1"},
		RerouteAllow:      []string{"r1"},
	}
	out, tripped := EvaluateKillSwitch(cfg, models.ArrivalMetrics{OnTimePct: 0.8})
	if !tripped {
		t.Fatal("expected kill switch to trip")
	}
	if len(out.SubstitutionAllow) != 0 || len(out.RerouteAllow) != 0 {
		t.Fatalf("allow-lists not cleared: %+v", out)
	}
}

func TestKillSwitchTripsOnRerouteRateAndCreditBudget(t *testing.T) {
	cfg := models.RolloutConfig{MaxRerouteRate: 0.1, RerouteAllow: []string{"r1"}}
	if _, tripped := EvaluateKillSwitch(cfg, models.ArrivalMetrics{RerouteRate: 0.2}); !tripped {
		t.Fatal("expected trip on reroute rate")
	}
	cfg = models.RolloutConfig{MaxDailyCredit: 1000, SubstitutionAllow: []string{"r1"}}
	if _, tripped := EvaluateKillSwitch(cfg, models.ArrivalMetrics{CreditCost: 2000}); !tripped {
		t.Fatal("expected trip on credit budget")
	}
}

func TestKillSwitchHoldsWithinThresholds(t *testing.T) {
	cfg := models.RolloutConfig{
		MinOnTimePct:      0.9,
		MaxRerouteRate:    0.1,
		MaxDailyCredit:    1000,
		SubstitutionAllow: []string{"r1"},
	}
	out, tripped := EvaluateKillSwitch(cfg, models.ArrivalMetrics{OnTimePct: 0.95, RerouteRate: 0.05, CreditCost: 500})
	if tripped {
		t.Fatal("kill switch should not trip inside thresholds")
	}
	if len(out.SubstitutionAllow) != 1 {
		t.Fatalf("allow-list should be untouched: %+v", out)
	}
}

func TestKillSwitchIgnoresUnsetThresholds(t *testing.T) {
	cfg := models.RolloutConfig{SubstitutionAllow: []string{"r1"}}
	if _, tripped := EvaluateKillSwitch(cfg, models.ArrivalMetrics{OnTimePct: 0}); tripped {
		t.Fatal("zero-value thresholds must not trip")
	}
}
