package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/wwzsync/wwzsync/pkg/coordinator"
	"github.com/wwzsync/wwzsync/pkg/log"
	"github.com/wwzsync/wwzsync/pkg/types"
)

// idTokenClaims is the slice of *oidc.IDToken the sync handler needs.
type idTokenClaims interface {
	Claims(v interface{}) error
}

// tokenVerifier validates a Google ID token and returns its parsed form.
type tokenVerifier func(ctx context.Context, rawIDToken string) (idTokenClaims, error)

// Authenticator establishes the portal session. Satisfied by *portal.Client.
type Authenticator interface {
	Login(ctx context.Context) error
}

// Server hosts the sync API around one coordinator. It serializes cycles
// with a mutex and keeps the last successful snapshot for /api/snapshot.
type Server struct {
	coordinator *coordinator.Coordinator
	session     Authenticator

	listenAddr string
	httpServer *http.Server
	serverName string

	syncAudience string
	syncEmail    string
	verifier     tokenVerifier
	bypassAuth   bool

	// syncMu guards the whole cycle: the portal session is not reentrant
	syncMu sync.Mutex

	snapMu       sync.RWMutex
	lastSnapshot *types.DaySnapshot
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c *coordinator.Coordinator, session Authenticator) *Server {
	srv := &Server{
		coordinator: c,
		session:     session,
		serverName:  "wwzsync",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	syncAudience := lflag.String("sync-audience", "", "OIDC audience to validate for /api/sync (e.g. Cloud Scheduler)")
	syncEmail := lflag.String("sync-email", "", "email the /api/sync id token must carry")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.syncAudience = *syncAudience
		srv.syncEmail = *syncEmail

		if srv.syncAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			verify := provider.Verifier(&oidc.Config{ClientID: srv.syncAudience}).Verify
			srv.verifier = func(ctx context.Context, rawIDToken string) (idTokenClaims, error) {
				return verify(ctx, rawIDToken)
			}
		} else if srv.syncEmail != "" {
			log.Ctx(context.Background()).Error("sync-email requires sync-audience")
			os.Exit(1)
		} else {
			// single-tenant deployments behind a private network
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.snapMu.RLock()
	snap := s.lastSnapshot
	s.snapMu.RUnlock()

	if snap == nil {
		writeJSONError(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
