package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wwzsync/wwzsync/pkg/log"
	"github.com/wwzsync/wwzsync/pkg/portal"
	"github.com/wwzsync/wwzsync/pkg/stats"
	"github.com/wwzsync/wwzsync/pkg/types"
)

// ErrNoMeter is returned by Sync when no meter has been discovered yet,
// meaning login has not completed. Not retryable within a cycle.
var ErrNoMeter = errors.New("no meter discovered")

// DataSource is the slice of the portal client the coordinator needs.
type DataSource interface {
	MeterID() string
	GetDailyData(ctx context.Context, meterID string, date time.Time) (types.DayData, error)
}

// Coordinator runs the periodic fetch cycle: pull a day of hourly readings,
// derive the current snapshot, and backfill the statistics store. Callers
// must serialize cycles; the underlying portal session is not reentrant.
type Coordinator struct {
	source DataSource
	store  stats.Store

	lookbackDays int

	// now is replaceable in tests
	now func() time.Time
}

func New(source DataSource, store stats.Store) *Coordinator {
	return &Coordinator{
		source:       source,
		store:        store,
		lookbackDays: 2,
		now:          time.Now,
	}
}

// Configured sets up a Coordinator based on flags.
func Configured(source DataSource, store stats.Store) *Coordinator {
	lookback := lflag.Int("lookback-days", 2, "Previous days to backfill before each sync (1-365)")

	c := New(source, store)

	lflag.Do(func() {
		if *lookback < 1 || *lookback > 365 {
			panic(fmt.Sprintf("lookback-days must be between 1 and 365, got %d", *lookback))
		}
		c.lookbackDays = *lookback
	})

	return c
}

// LookbackDays is how many previous days BackfillHistory should cover per
// cycle.
func (c *Coordinator) LookbackDays() int {
	return c.lookbackDays
}

func (c *Coordinator) seriesID() string {
	return "meter-" + c.source.MeterID() + ":energy"
}

func (c *Coordinator) metadata(unit string) types.StatisticMetadata {
	return types.StatisticMetadata{
		SeriesID: c.seriesID(),
		Name:     "WWZ Energy Consumption",
		Unit:     unit,
		HasSum:   true,
	}
}

func filterValid(readings []types.Reading) []types.Reading {
	var valid []types.Reading
	for _, r := range readings {
		if r.Valid() {
			valid = append(valid, r)
		}
	}
	return valid
}

// Sync fetches today's readings (falling back to yesterday when today has no
// validated data yet), computes the snapshot, and backfills the store. A
// backfill failure is reported on the snapshot but does not fail the cycle;
// the next one retries the same hours idempotently.
func (c *Coordinator) Sync(ctx context.Context) (types.DaySnapshot, error) {
	meterID := c.source.MeterID()
	if meterID == "" {
		return types.DaySnapshot{}, ErrNoMeter
	}

	now := c.now()
	day := now.In(portal.Zurich)

	data, err := c.source.GetDailyData(ctx, meterID, day)
	valid := filterValid(data.Readings)

	// the portal validates readings with a delay, so right after midnight
	// today is often empty while yesterday is complete
	if (err != nil && errors.Is(err, portal.ErrDataUnavailable)) || (err == nil && len(valid) == 0) {
		yesterday := now.Add(-24 * time.Hour).In(portal.Zurich)
		log.Ctx(ctx).DebugContext(ctx, "no validated readings for today, falling back",
			slog.String("day", yesterday.Format("2006-01-02")))
		data, err = c.source.GetDailyData(ctx, meterID, yesterday)
		if err != nil {
			return types.DaySnapshot{}, fmt.Errorf("fallback day: %w", err)
		}
		valid = filterValid(data.Readings)
		day = yesterday
	} else if err != nil {
		return types.DaySnapshot{}, err
	}

	var total float64
	for _, r := range valid {
		total += r.Value
	}

	// latest validated reading that isn't forward-dated
	var lastHour *float64
	nowMS := now.UnixMilli()
	for _, r := range valid {
		if r.Date <= nowMS {
			v := r.Value
			lastHour = &v
		}
	}

	snapshot := types.DaySnapshot{
		Date:       day.Format("2006-01-02"),
		Readings:   valid,
		DailyTotal: types.Round3(total),
		LastHour:   lastHour,
		Unit:       data.Unit,
	}

	if err := c.backfill(ctx, valid, data.Unit); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to backfill statistics", slog.Any("error", err))
		snapshot.BackfillError = err.Error()
	}

	log.Ctx(ctx).InfoContext(ctx, "sync complete",
		slog.String("day", snapshot.Date),
		slog.Int("readings", len(valid)),
		slog.Float64("dailyTotal", snapshot.DailyTotal),
	)
	return snapshot, nil
}

// backfill writes one cumulative-sum point per validated reading. The series
// baseline is the stored sum at or before the hour preceding the earliest
// reading, so consecutive days continue the same monotonic sum.
func (c *Coordinator) backfill(ctx context.Context, readings []types.Reading, unit string) error {
	if len(readings) == 0 {
		return nil
	}

	sorted := make([]types.Reading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	earliest := sorted[0].Time(portal.Zurich)
	runningSum, ok, err := c.store.LatestSumBefore(ctx, c.seriesID(), earliest.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("baseline lookup: %w", err)
	}
	if !ok {
		runningSum = 0
	}

	points := make([]types.StatisticPoint, 0, len(sorted))
	for _, r := range sorted {
		runningSum = types.Round3(runningSum + r.Value)
		points = append(points, types.StatisticPoint{
			TSHourStart: r.Time(portal.Zurich),
			State:       types.Round3(r.Value),
			Sum:         runningSum,
		})
	}

	if err := c.store.UpsertPoints(ctx, c.seriesID(), c.metadata(unit), points); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

// BackfillHistory fetches each of the previous days (oldest first) and
// backfills their validated readings, healing gaps left by missed cycles.
// Per-day failures are logged and skipped.
func (c *Coordinator) BackfillHistory(ctx context.Context, days int) error {
	meterID := c.source.MeterID()
	if meterID == "" {
		return ErrNoMeter
	}

	now := c.now()
	for i := days; i >= 1; i-- {
		day := now.Add(-time.Duration(i) * 24 * time.Hour).In(portal.Zurich)
		log.Ctx(ctx).DebugContext(ctx, "backfilling day", slog.String("day", day.Format("2006-01-02")))

		data, err := c.source.GetDailyData(ctx, meterID, day)
		if err != nil {
			// continue to the next day even if this one failed
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch day for backfill",
				slog.String("day", day.Format("2006-01-02")), slog.Any("error", err))
			continue
		}
		if err := c.backfill(ctx, filterValid(data.Readings), data.Unit); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to backfill day",
				slog.String("day", day.Format("2006-01-02")), slog.Any("error", err))
		}
	}
	return nil
}
