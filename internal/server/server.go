package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpapi "github.com/stepherg/fleethub/internal/http"
	"github.com/stepherg/fleethub/internal/ws"
)

// Config configures the HTTP server hosting the ingest API and the
// observer gateway.
type Config struct {
	ListenAddr   string         // address to bind (e.g. :8090)
	API          *httpapi.API   // required
	Gateway      *ws.Gateway    // required
	Logger       zerolog.Logger // component logger
	ReadTimeout  time.Duration  // optional
	WriteTimeout time.Duration  // optional
	IdleTimeout  time.Duration  // optional
}

var (
	ErrNilAPI     = errors.New("server: api is nil")
	ErrNilGateway = errors.New("server: observer gateway is nil")
)

// Start runs the HTTP server. It returns the *http.Server, a channel that
// will receive a terminal error (if any), and an error for immediate
// startup issues. The server stops when the supplied context is canceled.
func Start(ctx context.Context, cfg Config) (*http.Server, <-chan error, error) {
	if cfg.API == nil {
		return nil, nil, ErrNilAPI
	}
	if cfg.Gateway == nil {
		return nil, nil, ErrNilGateway
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	logger := cfg.Logger.With().Str("component", "server").Logger()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/connect", cfg.API.ConnectHandler())
	mux.HandleFunc("/api/data", cfg.API.DataHandler())
	mux.HandleFunc("/api/wrp", cfg.API.WRPHandler())
	mux.HandleFunc("/api/devices", cfg.API.DevicesHandler())
	mux.HandleFunc("/health", cfg.API.HealthHandler())
	mux.HandleFunc("/ws", cfg.Gateway.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
