package eta

import (
	"testing"

	"github.com/example/order-tracking/internal/models"
)

var (
	origin = &models.Coord{Lat: 51.5007, Lon: -0.1246}
	dest   = &models.Coord{Lat: 51.5194, Lon: -0.1270} // ~2km north
	far    = &models.Coord{Lat: 51.6723, Lon: -0.1246} // ~19km north
)

func TestFloorAtZeroDistance(t *testing.T) {
	got := EstimateMinutes("", origin, origin, TrafficNone, WeatherNone)
	if got != 8 {
		t.Fatalf("expected floor of 8 minutes, got %d", got)
	}
}

func TestFloorWithMissingCoords(t *testing.T) {
	// default 3km at 25km/h is 7.2 minutes, under the floor
	got := EstimateMinutes("", nil, nil, TrafficNone, WeatherNone)
	if got != 8 {
		t.Fatalf("expected floor of 8 minutes for default distance, got %d", got)
	}
}

func TestTrafficMonotonic(t *testing.T) {
	levels := []Traffic{TrafficNone, TrafficLight, TrafficModerate, TrafficHeavy}
	prev := -1
	for _, lvl := range levels {
		got := EstimateMinutes("", origin, far, lvl, WeatherNone)
		if got < prev {
			t.Fatalf("traffic %q decreased estimate: %d < %d", lvl, got, prev)
		}
		prev = got
	}
}

func TestWeatherMonotonic(t *testing.T) {
	levels := []Weather{WeatherNone, WeatherRain, WeatherStorm}
	prev := -1
	for _, lvl := range levels {
		got := EstimateMinutes("", origin, far, TrafficNone, lvl)
		if got < prev {
			t.Fatalf("weather %q decreased estimate: %d < %d", lvl, got, prev)
		}
		prev = got
	}
}

func TestBaseEstimateBlend(t *testing.T) {
	// short hop, travel time floored at 8; a declared 60-minute kitchen
	// keeps 0.4*60 = 24 minutes on the board
	got := EstimateMinutes("60", origin, dest, TrafficNone, WeatherNone)
	if got != 24 {
		t.Fatalf("expected 24 minutes from base blend, got %d", got)
	}
}

func TestBaseEstimateIgnoredWhenUnparseable(t *testing.T) {
	withBase := EstimateMinutes("soon", origin, dest, TrafficNone, WeatherNone)
	without := EstimateMinutes("", origin, dest, TrafficNone, WeatherNone)
	if withBase != without {
		t.Fatalf("unparseable base changed estimate: %d vs %d", withBase, without)
	}
	if neg := EstimateMinutes("-20", origin, dest, TrafficNone, WeatherNone); neg != without {
		t.Fatalf("negative base changed estimate: %d vs %d", neg, without)
	}
}
