// Package main is the entry point for the Nocturne audio player backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evhall/nocturne-audio-backend/internal/domain/player"
	"github.com/evhall/nocturne-audio-backend/internal/infra/bili"
	mpddevice "github.com/evhall/nocturne-audio-backend/internal/infra/mpd"
	"github.com/evhall/nocturne-audio-backend/internal/infra/prefs"
	"github.com/evhall/nocturne-audio-backend/internal/transport/socketio"
	"github.com/evhall/nocturne-audio-backend/internal/version"
)

func main() {
	// Command line flags
	port := flag.String("port", "3001", "HTTP server port")
	mpdHost := flag.String("mpd-host", "localhost", "MPD host")
	mpdPort := flag.Int("mpd-port", 6600, "MPD port")
	mpdPassword := flag.String("mpd-password", "", "MPD password")
	apiBase := flag.String("api-base", bili.DefaultBaseURL, "Catalog API base URL")
	dbPath := flag.String("db", prefs.DefaultDBPath, "Settings database path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Print startup banner
	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  Background Audio Player Backend")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Str("port", *port).
		Str("mpd_host", *mpdHost).
		Int("mpd_port", *mpdPort).
		Str("api_base", *apiBase).
		Str("db", *dbPath).
		Bool("password_set", *mpdPassword != "").
		Msg("Configuration")

	// Playback device
	device := mpddevice.NewDevice(*mpdHost, *mpdPort, *mpdPassword)
	if err := device.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MPD")
	}
	defer device.Close()

	if err := device.Ping(); err != nil {
		log.Fatal().Err(err).Msg("MPD ping failed")
	}
	log.Info().Msg("MPD connection verified")

	// Preference store
	store := prefs.NewStore(*dbPath)
	if err := store.Open(); err != nil {
		log.Fatal().Err(err).Msg("Failed to open settings database")
	}
	defer store.Close()

	// Catalog client
	catalogClient := bili.NewClient(bili.WithBaseURL(*apiBase))
	catalog := bili.NewCatalog(catalogClient)

	// Coordinator
	coordinator := player.New(device, catalog, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Socket.IO server (registers the snapshot observer; must precede Start)
	socketServer, err := socketio.NewServer(ctx, coordinator, catalogClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Socket.IO server")
	}
	defer socketServer.Close()

	coordinator.Start(ctx)

	if err := device.Watch(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start MPD watcher")
	}

	// Setup HTTP server
	mux := http.NewServeMux()

	// Socket.IO endpoint
	mux.Handle("/socket.io/", socketServer)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := device.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","mpd":"disconnected"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","mpd":"connected"}`))
	})

	// Version endpoint
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(version.GetInfo())
	})

	// State endpoint (REST fallback for clients without Socket.IO)
	mux.HandleFunc("/api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coordinator.Snapshot())
	})

	// Keyword search endpoint
	mux.HandleFunc("/api/v1/search", func(w http.ResponseWriter, r *http.Request) {
		keyword := r.URL.Query().Get("q")
		if keyword == "" {
			http.Error(w, "q parameter required", http.StatusBadRequest)
			return
		}
		page := 1
		if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
			page = p
		}

		results, err := catalogClient.Search(r.Context(), keyword, page)
		if err != nil {
			log.Error().Err(err).Str("keyword", keyword).Msg("Search failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	})

	// Start HTTP server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", ":"+*port).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("HTTP server error")
	}

	log.Info().Msg("Server stopped")
}
