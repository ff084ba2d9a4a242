// Command chatwidget runs the delivery subsystem as a standalone agent:
// it opens the durable queue, connects the realtime transport for one
// conversation and exposes a local debug endpoint with health, metrics
// and queue inspection.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatwidget/internal/sweeper"
	"chatwidget/pkg/banner"
	"chatwidget/pkg/config"
	"chatwidget/pkg/logger"
	"chatwidget/pkg/shutdown"
	"chatwidget/pkg/store"
	"chatwidget/pkg/widget"
)

// build metadata - set via ldflags during build/release
var version = "dev"

func main() {
	_ = godotenv.Load(".env")
	dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	// flags win over config/env when provided explicitly
	dbPath := dbVal
	if !setFlags["db"] && cfg.Queue.DBPath != "" {
		dbPath = cfg.Queue.DBPath
	}

	sources := "file"
	if envUsed {
		sources = "file+env"
	}

	if err := store.Open(dbPath); err != nil {
		shutdown.Abort("open queue store", err, dbPath)
	}

	debugAddr := ""
	if cfg.Debug.Enabled {
		debugAddr = cfg.Debug.Addr()
	}
	banner.Print(cfg.Realtime.Endpoint, dbPath, debugAddr, sources, version)

	w, err := widget.New(cfg)
	if err != nil {
		shutdown.Abort("wire widget", err, dbPath)
	}

	conversationID := os.Getenv("CHATWIDGET_CONVERSATION")
	if conversationID == "" {
		conversationID = uuid.NewString()
		logger.Info("conversation_generated", "conversation", conversationID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Open(ctx, conversationID); err != nil {
		logger.Error("conversation_open_failed", "conversation", conversationID, "error", err)
	}

	stopSweeper, err := sweeper.Start(ctx, cfg.Sweeper)
	if err != nil {
		shutdown.Abort("start sweeper", err, dbPath)
	}

	var debugSrv *http.Server
	if cfg.Debug.Enabled {
		debugSrv = startDebugServer(debugAddr, w)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting_down", "signal", s.String())

	stopSweeper()
	if debugSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = debugSrv.Shutdown(sctx)
		scancel()
	}
	w.Close()
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
}

// startDebugServer serves health, metrics and queue inspection on the
// loopback debug address.
func startDebugServer(addr string, w *widget.Widget) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue", func(rw http.ResponseWriter, _ *http.Request) {
		envs, err := w.PendingEnvelopes()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(envs)
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/timeline/{conversation}", func(rw http.ResponseWriter, req *http.Request) {
		conv := mux.Vars(req)["conversation"]
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(w.Timeline(conv))
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/flush", func(rw http.ResponseWriter, req *http.Request) {
		w.FlushQueue(req.Context())
		rw.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("debug_server_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug_server_failed", "error", err)
		}
	}()
	return srv
}
