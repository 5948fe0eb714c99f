package metric

import "github.com/splax/aicwd/internal/domain"

// Thresholds mark the signal levels at which dashboards raise alerts.
type Thresholds struct {
	WasteAlert  float64 `json:"waste_alert"`
	DriftAlert  float64 `json:"drift_alert"`
	StressAlert float64 `json:"stress_multiplier_alert"`
}

// DefaultThresholds returns the calibrated alert levels.
func DefaultThresholds() Thresholds {
	return Thresholds{WasteAlert: 2.5, DriftAlert: 0.7, StressAlert: 2.0}
}

// Alerts flags which thresholds a point breaches.
type Alerts struct {
	Waste  bool `json:"waste"`
	Drift  bool `json:"drift"`
	Stress bool `json:"stress"`
}

// Any reports whether at least one threshold is breached.
func (a Alerts) Any() bool {
	return a.Waste || a.Drift || a.Stress
}

// AlertCounts tallies threshold breaches across a window of points.
type AlertCounts struct {
	Waste  int `json:"waste"`
	Drift  int `json:"drift"`
	Stress int `json:"stress"`
}

// Evaluate compares a point against the thresholds. A non-positive threshold never fires.
func (t Thresholds) Evaluate(point domain.MetricPoint) Alerts {
	return Alerts{
		Waste:  t.WasteAlert > 0 && point.WasteIndex >= t.WasteAlert,
		Drift:  t.DriftAlert > 0 && point.Drift >= t.DriftAlert,
		Stress: t.StressAlert > 0 && point.Stress >= t.StressAlert,
	}
}

// Count evaluates every point and sums the breaches.
func (t Thresholds) Count(points []domain.MetricPoint) AlertCounts {
	var counts AlertCounts
	for _, point := range points {
		alerts := t.Evaluate(point)
		if alerts.Waste {
			counts.Waste++
		}
		if alerts.Drift {
			counts.Drift++
		}
		if alerts.Stress {
			counts.Stress++
		}
	}
	return counts
}
