package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"buy-alerts/internal/storage"
)

func alertFixtures(n int) []storage.AlertRecord {
	alerts := make([]storage.AlertRecord, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range alerts {
		alerts[i] = storage.AlertRecord{
			ID:        int64(i + 1),
			Symbol:    "TKN",
			USDValue:  decimal.NewFromInt(int64(100 + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return alerts
}

func TestDownsampleAlertsKeepsEndpoints(t *testing.T) {
	alerts := alertFixtures(100)

	out := downsampleAlerts(alerts, 10)
	if len(out) != 10 {
		t.Fatalf("downsampled to %d points, want 10", len(out))
	}
	if out[0].ID != alerts[0].ID {
		t.Fatalf("first point id = %d, want %d", out[0].ID, alerts[0].ID)
	}
	if out[len(out)-1].ID != alerts[len(alerts)-1].ID {
		t.Fatalf("last point id = %d, want %d", out[len(out)-1].ID, alerts[len(alerts)-1].ID)
	}
}

func TestDownsampleAlertsSinglePoint(t *testing.T) {
	alerts := alertFixtures(5)

	out := downsampleAlerts(alerts, 1)
	if len(out) != 1 {
		t.Fatalf("downsampled to %d points, want 1", len(out))
	}
	if out[0].ID != alerts[0].ID {
		t.Fatalf("point id = %d, want %d", out[0].ID, alerts[0].ID)
	}
}

func TestDownsampleAlertsNoOpCases(t *testing.T) {
	alerts := alertFixtures(3)

	if out := downsampleAlerts(alerts, 0); len(out) != 3 {
		t.Fatalf("max 0 must pass through, got %d points", len(out))
	}
	if out := downsampleAlerts(alerts, 5); len(out) != 3 {
		t.Fatalf("max above length must pass through, got %d points", len(out))
	}
}
