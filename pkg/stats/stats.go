package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wwzsync/wwzsync/pkg/types"
)

// Store persists hourly statistic points, one series per meter quantity.
type Store interface {
	// LatestSumBefore returns the cumulative sum of the point at or
	// immediately before hour, or false if the series has no point there.
	LatestSumBefore(ctx context.Context, seriesID string, hour time.Time) (float64, bool, error)

	// QueryRange returns the points with hour-start in [start, end),
	// ascending.
	QueryRange(ctx context.Context, seriesID string, start, end time.Time) ([]types.StatisticPoint, error)

	// UpsertPoints writes the points keyed by their hour-truncated
	// timestamp, overwriting any existing point for the same hour, and
	// refreshes the series metadata.
	UpsertPoints(ctx context.Context, seriesID string, meta types.StatisticMetadata, points []types.StatisticPoint) error

	// Lifecycle
	Close() error
}

// Configured sets up the statistics store based on flags.
func Configured() Store {
	provider := lflag.String("stats-provider", "firestore", "Statistics store to use (available: firestore)")

	var p struct{ Store }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			p.Store = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown stats provider: %s", *provider))
		}
	})

	return &p
}
