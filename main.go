package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/perchterm/perch/internal/config"
	"github.com/perchterm/perch/internal/database"
	"github.com/perchterm/perch/internal/handlers"
	"github.com/perchterm/perch/internal/logging"
	"github.com/perchterm/perch/internal/session"
	"github.com/perchterm/perch/internal/supervisor"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sup := supervisor.New(config.Cfg.CreatorBinary)
	mux := session.NewMultiplexer()
	coord := session.NewCoordinator(session.WrapSupervisor(sup), mux, database.NewSessionStore(), session.Options{
		SocketDir:           config.Cfg.SocketDir,
		DefaultShell:        config.Cfg.DefaultShell,
		HistoryLines:        config.Cfg.HistoryLines,
		CreateTimeout:       config.Duration(config.Cfg.CreateTimeout, 30*time.Second),
		DestroyGrace:        config.Duration(config.Cfg.DestroyGrace, 5*time.Second),
		IdleTimeout:         config.Duration(config.Cfg.IdleTimeout, 0),
		RecordingEnabled:    config.Cfg.RecordingEnabled,
		RecordingMaxEntries: config.Cfg.RecordingMaxEntries,
	})
	handlers.Coordinator = coord

	log.Printf("Session engine initialized (history=%d lines, sockets=%q, creator=%q)",
		config.Cfg.HistoryLines, config.Cfg.SocketDir, config.Cfg.CreatorBinary)

	// Recover daemons that survived the last shutdown before accepting
	// any traffic.
	coord.Reconcile()

	// Periodic liveness sweep for running sessions.
	sweepInterval := config.Duration(config.Cfg.SweepInterval, 15*time.Second)
	scheduler := cron.New()
	if sweepInterval > 0 {
		scheduler.Schedule(cron.Every(sweepInterval), cron.FuncJob(coord.Sweep))
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	// Viewer connections: one multiplexed WebSocket per viewer.
	r.Get("/ws", handlers.SessionsWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DestroySession)
		r.Get("/sessions/{id}/attachments", handlers.ListAttachments)
		r.Get("/sessions/{id}/recording", handlers.GetSessionRecording)

		r.Get("/settings", handlers.GetSettings)
		r.Put("/settings", handlers.UpdateSettings)

		r.Get("/logs", handlers.GetServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	// Detach from sessions without killing their daemons: they stay
	// reachable through their sockets and are re-attached on next start.
	coord.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
