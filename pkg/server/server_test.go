package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wwzsync/wwzsync/pkg/coordinator"
	"github.com/wwzsync/wwzsync/pkg/stats/statsmock"
	"github.com/wwzsync/wwzsync/pkg/types"
)

// fakePortal stands in for *portal.Client: it is both the coordinator's data
// source and the server's session.
type fakePortal struct {
	mu       sync.Mutex
	meterID  string
	loginErr error
	logins   int

	data    types.DayData
	dataErr error
	fetches int
}

func (f *fakePortal) MeterID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meterID
}

func (f *fakePortal) Login(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr == nil {
		f.meterID = "987654"
	}
	return f.loginErr
}

func (f *fakePortal) GetDailyData(ctx context.Context, meterID string, date time.Time) (types.DayData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.data, f.dataErr
}

type fakeClaims struct {
	email string
	err   error
}

func (f fakeClaims) Claims(v interface{}) error {
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(map[string]string{"email": f.email})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func yesterdayHourReading(value float64) types.Reading {
	return types.Reading{
		Date:   time.Now().Truncate(time.Hour).Add(-time.Hour).UnixMilli(),
		Value:  value,
		Status: types.ReadingStatusValid,
	}
}

func newOpenStore() *statsmock.MockStore {
	store := &statsmock.MockStore{}
	store.On("LatestSumBefore", mock.Anything, mock.Anything, mock.Anything).Return(0.0, false, nil)
	store.On("UpsertPoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return store
}

func newTestServer(f *fakePortal, store *statsmock.MockStore) *Server {
	return &Server{
		coordinator: coordinator.New(f, store),
		session:     f,
		serverName:  "wwzsync",
		bypassAuth:  true,
	}
}

func TestHandleSync(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := &fakePortal{
			meterID: "987654",
			data:    types.DayData{Readings: []types.Reading{yesterdayHourReading(1.234)}, Unit: "kWh"},
		}
		srv := newTestServer(f, newOpenStore())

		w := httptest.NewRecorder()
		srv.handleSync(w, httptest.NewRequest("POST", "/api/sync", nil))

		resp := w.Result()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Status   string            `json:"status"`
			Snapshot types.DaySnapshot `json:"snapshot"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "success", body.Status)
		assert.Equal(t, 1.234, body.Snapshot.DailyTotal)
		// lookback days plus the sync itself
		assert.Equal(t, 3, f.fetches)
		assert.Equal(t, 0, f.logins, "session already established")

		t.Run("Snapshot After Success", func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.handleSnapshot(w, httptest.NewRequest("GET", "/api/snapshot", nil))
			require.Equal(t, http.StatusOK, w.Result().StatusCode)

			var snap types.DaySnapshot
			require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&snap))
			assert.Equal(t, 1.234, snap.DailyTotal)
		})
	})

	t.Run("Lazy Login", func(t *testing.T) {
		// no meter yet: the cycle logs in once and retries
		f := &fakePortal{
			data: types.DayData{Readings: []types.Reading{yesterdayHourReading(2.5)}, Unit: "kWh"},
		}
		srv := newTestServer(f, newOpenStore())

		w := httptest.NewRecorder()
		srv.handleSync(w, httptest.NewRequest("POST", "/api/sync", nil))

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		assert.Equal(t, 1, f.logins)
	})

	t.Run("Login Failure", func(t *testing.T) {
		f := &fakePortal{loginErr: errors.New("portal down")}
		srv := newTestServer(f, newOpenStore())

		w := httptest.NewRecorder()
		srv.handleSync(w, httptest.NewRequest("POST", "/api/sync", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	})

	t.Run("Concurrent Sync Conflicts", func(t *testing.T) {
		f := &fakePortal{
			meterID: "987654",
			data:    types.DayData{Readings: []types.Reading{yesterdayHourReading(1.0)}, Unit: "kWh"},
		}
		srv := newTestServer(f, newOpenStore())

		srv.syncMu.Lock()
		defer srv.syncMu.Unlock()

		w := httptest.NewRecorder()
		srv.handleSync(w, httptest.NewRequest("POST", "/api/sync", nil))
		assert.Equal(t, http.StatusConflict, w.Result().StatusCode)
		assert.Equal(t, 0, f.fetches)
	})

	t.Run("Auth", func(t *testing.T) {
		newAuthServer := func(email string, verifier tokenVerifier) *Server {
			f := &fakePortal{
				meterID: "987654",
				data:    types.DayData{Readings: []types.Reading{yesterdayHourReading(1.0)}, Unit: "kWh"},
			}
			srv := newTestServer(f, newOpenStore())
			srv.bypassAuth = false
			srv.syncAudience = "my-audience"
			srv.syncEmail = email
			srv.verifier = verifier
			return srv
		}

		t.Run("Missing Authorization Header", func(t *testing.T) {
			srv := newAuthServer("scheduler@example.com", nil)
			w := httptest.NewRecorder()
			srv.handleSync(w, httptest.NewRequest("POST", "/api/sync", nil))
			assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
		})

		t.Run("Invalid Authorization Header Format", func(t *testing.T) {
			srv := newAuthServer("scheduler@example.com", nil)
			req := httptest.NewRequest("POST", "/api/sync", nil)
			req.Header.Set("Authorization", "Basic user:pass")
			w := httptest.NewRecorder()
			srv.handleSync(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
		})

		t.Run("Invalid Token", func(t *testing.T) {
			verifier := func(ctx context.Context, raw string) (idTokenClaims, error) {
				return nil, errors.New("invalid token")
			}
			srv := newAuthServer("scheduler@example.com", verifier)
			req := httptest.NewRequest("POST", "/api/sync", nil)
			req.Header.Set("Authorization", "Bearer bad-token")
			w := httptest.NewRecorder()
			srv.handleSync(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
		})

		t.Run("Wrong Email", func(t *testing.T) {
			verifier := func(ctx context.Context, raw string) (idTokenClaims, error) {
				return fakeClaims{email: "wrong@example.com"}, nil
			}
			srv := newAuthServer("scheduler@example.com", verifier)
			req := httptest.NewRequest("POST", "/api/sync", nil)
			req.Header.Set("Authorization", "Bearer valid-token")
			w := httptest.NewRecorder()
			srv.handleSync(w, req)
			assert.Equal(t, http.StatusForbidden, w.Result().StatusCode)
		})

		t.Run("Correct Email", func(t *testing.T) {
			verifier := func(ctx context.Context, raw string) (idTokenClaims, error) {
				assert.Equal(t, "valid-token", raw)
				return fakeClaims{email: "scheduler@example.com"}, nil
			}
			srv := newAuthServer("scheduler@example.com", verifier)
			req := httptest.NewRequest("POST", "/api/sync", nil)
			req.Header.Set("Authorization", "Bearer valid-token")
			w := httptest.NewRecorder()
			srv.handleSync(w, req)
			assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		})

		t.Run("Audience Only", func(t *testing.T) {
			// no email pinning: any valid token for the audience passes
			verifier := func(ctx context.Context, raw string) (idTokenClaims, error) {
				return fakeClaims{email: "whoever@example.com"}, nil
			}
			srv := newAuthServer("", verifier)
			req := httptest.NewRequest("POST", "/api/sync", nil)
			req.Header.Set("Authorization", "Bearer valid-token")
			w := httptest.NewRecorder()
			srv.handleSync(w, req)
			assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		})
	})
}

func TestHandleSnapshotEmpty(t *testing.T) {
	srv := newTestServer(&fakePortal{}, newOpenStore())
	w := httptest.NewRecorder()
	srv.handleSnapshot(w, httptest.NewRequest("GET", "/api/snapshot", nil))
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestSetupHandler(t *testing.T) {
	srv := newTestServer(&fakePortal{}, newOpenStore())
	handler := srv.setupHandler()

	t.Run("Healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		resp := w.Result()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "wwzsync", resp.Header.Get("Server"))
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	})

	t.Run("Sync Requires POST", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sync", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Result().StatusCode)
	})
}
