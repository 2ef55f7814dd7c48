// Command seed fills the Firestore emulator with a few days of plausible
// hourly consumption so the API has something to serve during development.
package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wwzsync/wwzsync/pkg/log"
	"github.com/wwzsync/wwzsync/pkg/portal"
	"github.com/wwzsync/wwzsync/pkg/stats"
	"github.com/wwzsync/wwzsync/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	store := stats.Configured()
	days := lflag.Int("seed-days", 3, "Days of hourly data to generate")
	seriesID := lflag.String("seed-series", "meter-987654:energy", "Series to seed")
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now().In(portal.Zurich)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, portal.Zurich).
		AddDate(0, 0, -*days)

	meta := types.StatisticMetadata{
		SeriesID: *seriesID,
		Name:     "WWZ Energy Consumption",
		Unit:     "kWh",
		HasSum:   true,
	}

	// Typical household: a morning bump, an evening peak, a nightly floor.
	var points []types.StatisticPoint
	var runningSum float64
	for t := start; t.Before(now); t = t.Add(time.Hour) {
		hour := t.Hour()

		baseKWH := 0.3
		if hour >= 6 && hour < 9 {
			baseKWH = 0.9
		} else if hour >= 17 && hour < 22 {
			dist := math.Abs(float64(hour) - 19.0)
			baseKWH = 1.5 * math.Exp(-(dist*dist)/4.0)
		}
		// Jitter
		value := types.Round3(baseKWH + rng.Float64()*0.2)

		runningSum = types.Round3(runningSum + value)
		points = append(points, types.StatisticPoint{
			TSHourStart: t,
			State:       value,
			Sum:         runningSum,
		})
	}

	if err := store.UpsertPoints(ctx, *seriesID, meta, points); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed points", "error", err)
		os.Exit(1)
	}
	if err := store.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close store", "error", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded", "points", len(points), "series", *seriesID)
}
