package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wwzsync/wwzsync/pkg/coordinator"
	"github.com/wwzsync/wwzsync/pkg/portal"
	"github.com/wwzsync/wwzsync/pkg/types"
)

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.bypassAuth {
		// Cloud Scheduler style: a Google-signed id token in the
		// Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		idTok, err := s.verifier(ctx, parts[1])
		if err != nil {
			slog.WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}

		if s.syncEmail != "" {
			var claims struct {
				Email string `json:"email"`
			}
			if err := idTok.Claims(&claims); err != nil || claims.Email == "" {
				slog.WarnContext(ctx, "invalid email in id token", slog.Any("error", err))
				writeJSONError(w, "invalid token claims", http.StatusForbidden)
				return
			}
			if claims.Email != s.syncEmail {
				slog.WarnContext(ctx, "unauthorized email for sync", slog.String("email", claims.Email))
				writeJSONError(w, "unauthorized email", http.StatusForbidden)
				return
			}
			slog.DebugContext(ctx, "sync: authorized", slog.String("email", claims.Email))
		}
	}

	if !s.syncMu.TryLock() {
		writeJSONError(w, "sync already in progress", http.StatusConflict)
		return
	}
	defer s.syncMu.Unlock()

	snapshot, err := s.runCycle(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "sync cycle failed", slog.Any("error", err))
		code := http.StatusInternalServerError
		if errors.Is(err, portal.ErrConnectivity) || errors.Is(err, portal.ErrDataUnavailable) {
			code = http.StatusBadGateway
		}
		writeJSONError(w, "sync failed", code)
		return
	}

	s.snapMu.Lock()
	s.lastSnapshot = &snapshot
	s.snapMu.Unlock()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "success",
		"snapshot": snapshot,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// runCycle heals older days first, then syncs the current one. The portal
// session is established lazily so a portal outage at boot doesn't wedge the
// process.
func (s *Server) runCycle(ctx context.Context) (types.DaySnapshot, error) {
	snapshot, err := s.syncOnce(ctx)
	if errors.Is(err, coordinator.ErrNoMeter) && s.session != nil {
		if err := s.session.Login(ctx); err != nil {
			return types.DaySnapshot{}, err
		}
		snapshot, err = s.syncOnce(ctx)
	}
	return snapshot, err
}

func (s *Server) syncOnce(ctx context.Context) (types.DaySnapshot, error) {
	if err := s.coordinator.BackfillHistory(ctx, s.coordinator.LookbackDays()); err != nil {
		return types.DaySnapshot{}, err
	}
	return s.coordinator.Sync(ctx)
}
