package statsmock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/wwzsync/wwzsync/pkg/stats"
	"github.com/wwzsync/wwzsync/pkg/types"
)

type MockStore struct {
	mock.Mock
}

var _ stats.Store = (*MockStore)(nil)

func (m *MockStore) LatestSumBefore(ctx context.Context, seriesID string, hour time.Time) (float64, bool, error) {
	args := m.Called(ctx, seriesID, hour)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Bool(1), args.Error(2)
	}
	return 0, false, nil
}

func (m *MockStore) QueryRange(ctx context.Context, seriesID string, start, end time.Time) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, seriesID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.StatisticPoint), args.Error(1)
	}
	return nil, nil
}

func (m *MockStore) UpsertPoints(ctx context.Context, seriesID string, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	args := m.Called(ctx, seriesID, meta, points)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
