package eta

import (
	"math"
	"strconv"

	"github.com/example/order-tracking/internal/geo"
	"github.com/example/order-tracking/internal/models"
)

// Traffic levels slow the effective courier speed.
type Traffic string

const (
	TrafficNone     Traffic = ""
	TrafficLight    Traffic = "light"
	TrafficModerate Traffic = "moderate"
	TrafficHeavy    Traffic = "heavy"
)

// Weather levels stretch the travel time.
type Weather string

const (
	WeatherNone  Weather = ""
	WeatherRain  Weather = "rain"
	WeatherStorm Weather = "storm"
)

const (
	baseSpeedKmh = 25.0
	minMinutes   = 8
	// Share of the restaurant's declared estimate that always counts,
	// so a kitchen that says "50 minutes" is never shown a 10-minute ETA.
	baseEstimateWeight = 0.4
)

func trafficMultiplier(t Traffic) float64 {
	switch t {
	case TrafficHeavy:
		return 1.3
	case TrafficModerate:
		return 1.15
	default:
		return 1.0
	}
}

func weatherMultiplier(w Weather) float64 {
	switch w {
	case WeatherStorm:
		return 1.25
	case WeatherRain:
		return 1.1
	default:
		return 1.0
	}
}

// EstimateMinutes returns the expected minutes until arrival. It is total:
// missing coordinates fall back to a fixed distance, an unparseable base
// estimate is ignored, and the result never drops below the floor.
func EstimateMinutes(baseEstimate string, from, to *models.Coord, traffic Traffic, weather Weather) int {
	distKm := geo.Distance(from, to) / 1000.0
	speedKmh := baseSpeedKmh / trafficMultiplier(traffic)
	mins := distKm / speedKmh * 60.0 * weatherMultiplier(weather)
	if mins < minMinutes {
		mins = minMinutes
	}
	if base, err := strconv.ParseFloat(baseEstimate, 64); err == nil && base > 0 {
		mins = math.Max(mins, baseEstimateWeight*base)
	}
	return int(math.Round(mins))
}
