package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/bus"
	"github.com/ainoteslabs/ainotes-core/internal/capture"
	"github.com/ainoteslabs/ainotes-core/internal/config"
	"github.com/ainoteslabs/ainotes-core/internal/coordinator"
	"github.com/ainoteslabs/ainotes-core/internal/natsserver"
	"github.com/ainoteslabs/ainotes-core/internal/notestore"
	"github.com/ainoteslabs/ainotes-core/internal/persistence"
	"github.com/ainoteslabs/ainotes-core/internal/postproc"
	"github.com/ainoteslabs/ainotes-core/internal/recording"
	"github.com/ainoteslabs/ainotes-core/internal/transcription"
)

// Runtime assembles and supervises the daemon's services: the embedded bus,
// the note store with its persistence adapter, the capture/transcription
// chain behind the coordinator, and the HTTP surface.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *notestore.Store
	coord    *coordinator.Coordinator
	recorder *recording.Writer
	busCli   *bus.Client
	persist  *persistence.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is canceled, then shuts everything down in
// reverse dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	r.busCli, err = bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer r.busCli.Close()

	r.store, err = notestore.Open(ctx, r.cfg.NoteStore, r.logger)
	if err != nil {
		return fmt.Errorf("open note store: %w", err)
	}
	defer r.store.Close()

	r.persist = persistence.NewService(r.busCli, r.store, r.logger)
	if err := r.persist.Start(); err != nil {
		return fmt.Errorf("start persistence: %w", err)
	}
	defer r.persist.Close()

	tokens := transcription.NewTokenClient(r.cfg.Transcription.TokenURL,
		time.Duration(r.cfg.Transcription.TokenTimeoutMS)*time.Millisecond)
	session := transcription.NewSession(r.cfg.Transcription, tokens, r.logger)
	pipeline := capture.NewPipeline(r.cfg.Capture, r.logger)
	summarizer := postproc.NewSummarizer(r.cfg.PostProcess, r.logger)
	reviewer := postproc.NewReviewer(r.cfg.PostProcess, r.logger)
	r.recorder = recording.NewWriter(r.cfg.Recording, r.logger)
	r.coord = coordinator.New(session, pipeline, summarizer, reviewer, r.recorder, r.busCli, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.coord.StopDetection(shutdownCtx)

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busCli.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
