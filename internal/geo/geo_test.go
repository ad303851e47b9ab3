package geo

import (
	"testing"

	"github.com/example/order-tracking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceDefaultsWhenCoordsMissing(t *testing.T) {
	c := &models.Coord{Lat: 1, Lon: 1}
	if d := Distance(nil, c); d != DefaultDistanceM {
		t.Fatalf("expected default distance, got %f", d)
	}
	if d := Distance(c, nil); d != DefaultDistanceM {
		t.Fatalf("expected default distance, got %f", d)
	}
	if d := Distance(c, c); d != 0 {
		t.Fatalf("expected 0 for identical coords, got %f", d)
	}
}
