package types

import (
	"math"
	"time"
)

const (
	// CurrentStatisticsVersion is bumped when the stored point schema changes
	// so old series can be detected and backfilled.
	CurrentStatisticsVersion = 1

	// ReadingStatusValid marks a finalized reading.
	ReadingStatusValid = 0
	// ReadingStatusPending marks a provisional reading the portal may still
	// revise. Other codes exist but are undocumented; anything non-zero is
	// treated as not valid.
	ReadingStatusPending = 3
)

// Reading is one hourly sample as returned by the portal.
type Reading struct {
	// Date is milliseconds since epoch, truncated to the top of the hour.
	Date   int64   `json:"date"`
	Value  float64 `json:"value"`
	Status int     `json:"status"`
}

// Valid reports whether the portal has finalized this reading.
func (r Reading) Valid() bool {
	return r.Status == ReadingStatusValid
}

// Time returns the reading's timestamp in the given location, truncated to
// the hour.
func (r Reading) Time(loc *time.Location) time.Time {
	return time.UnixMilli(r.Date).In(loc).Truncate(time.Hour)
}

// DayData is the raw result of a single daily fetch from the portal.
type DayData struct {
	Readings []Reading `json:"values"`
	// DailyTotal is the portal-side total over ALL readings regardless of
	// status. It is provisional; the coordinator recomputes a validity-filtered
	// total for the snapshot.
	DailyTotal float64 `json:"dailyTotal"`
	Unit       string  `json:"unit"`
}

// DaySnapshot is the reconciled result of one sync cycle.
type DaySnapshot struct {
	// Date is the calendar day (YYYY-MM-DD) the data actually represents,
	// which may be yesterday if today had no finalized readings yet.
	Date     string    `json:"date"`
	Readings []Reading `json:"readings"`
	// DailyTotal is the sum of valid readings only, rounded to 3 decimals.
	DailyTotal float64 `json:"dailyTotal"`
	// LastHour is the value of the latest valid reading not in the future,
	// nil when every valid reading is forward-dated.
	LastHour *float64 `json:"lastHour,omitempty"`
	Unit     string   `json:"unit"`
	// BackfillError records a statistics-store failure that did not invalidate
	// the snapshot itself.
	BackfillError string `json:"backfillError,omitempty"`
}

// StatisticPoint is one stored hour of the cumulative series.
type StatisticPoint struct {
	TSHourStart time.Time `json:"tsHourStart"`
	// State is that hour's reading.
	State float64 `json:"state"`
	// Sum is the running cumulative total since the series began. For a fixed
	// series Sum at hour h equals Sum at the latest stored hour before h plus
	// State at h.
	Sum float64 `json:"sum"`
}

// StatisticMetadata describes a statistics series.
type StatisticMetadata struct {
	SeriesID string `json:"seriesID"`
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	HasSum   bool   `json:"hasSum"`
}

// Round3 rounds energy values to 3 decimal places, the portal's precision.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
