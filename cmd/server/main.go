package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelrelay.ai/internal/config"
	"voxelrelay.ai/internal/metrics"
	persistlog "voxelrelay.ai/internal/persistence/log"
	"voxelrelay.ai/internal/server"
	"voxelrelay.ai/internal/sim/chunk"
	"voxelrelay.ai/internal/sim/loader"
	"voxelrelay.ai/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/relay.yaml", "path to relay.yaml")
		addr       = flag.String("addr", "", "http listen address (overrides transport.listen)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		seed       = flag.Int64("seed", 0, "world seed (overrides world.seed when non-zero)")
		radius     = flag.Int("radius", -1, "default relevancy radius (overrides relevancy.radius when >= 0)")
		backend    = flag.String("storage", "", "chunk storage backend: sqlite|fs|none (overrides storage.backend)")
		natsURL    = flag.String("nats", "", "NATS url; enables the NATS transport")
		embedNATS  = flag.Bool("nats_embedded", false, "run an embedded NATS server")
		pprofHTTP  = flag.Bool("pprof", false, "serve /debug/pprof")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg = config.Defaults()
	}
	if *addr != "" {
		cfg.Transport.Listen = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *seed != 0 {
		cfg.World.Seed = *seed
	}
	if *radius >= 0 {
		cfg.Relevancy.Radius = min(*radius, cfg.Relevancy.MaxRadius)
	}
	if *backend != "" {
		cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(*backend))
	}
	if *natsURL != "" {
		cfg.Transport.NATS.Enabled = true
		cfg.Transport.NATS.URL = *natsURL
	}
	if *embedNATS {
		cfg.Transport.NATS.Enabled = true
		cfg.Transport.NATS.Embedded = true
	}
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	storage, err := openChunkStorage(cfg, logger)
	if err != nil {
		logger.Fatalf("open chunk storage: %v", err)
	}
	if storage != nil {
		defer storage.Close()
	}

	ld := loader.New(cfg.LoaderConfig(), loader.Deps{
		Storage: storage,
		Generator: chunk.WorldGen{
			Seed:       cfg.World.Seed,
			BaseHeight: cfg.World.BaseHeight,
			Relief:     cfg.World.Relief,
			RegionSize: cfg.World.RegionSize,
		},
		Logger:  logger,
		Metrics: m,
	})
	defer ld.Close()

	deps := server.Deps{Loader: ld, Logger: logger, Metrics: m}
	if cfg.AuditLog {
		tickLog := persistlog.NewTickLogger(cfg.DataDir)
		defer tickLog.Close()
		sessionLog := persistlog.NewSessionLogger(cfg.DataDir)
		defer sessionLog.Close()
		deps.TickLog = tickLog
		deps.SessionLog = sessionLog
	}
	srv, err := server.New(cfg, deps)
	if err != nil {
		logger.Fatalf("server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Transport.NATS.Enabled {
		stopNATS, err := startNATS(cfg, srv.Accept, logger)
		if err != nil {
			logger.Fatalf("nats: %v", err)
		}
		defer stopNATS()
	}

	go func() {
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("tick loop stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.Handle(cfg.Transport.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if *pprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc(cfg.Transport.WSPath, ws.NewServer(srv.Accept, logger).Handler())

	hs := &http.Server{
		Addr:              cfg.Transport.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = hs.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s ws=%s storage=%s radius=%d tick_hz=%d data=%s",
		cfg.Transport.Listen, cfg.Transport.WSPath, cfg.Storage.Backend, cfg.Relevancy.Radius, cfg.TickRateHz, filepath.Clean(cfg.DataDir))
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
