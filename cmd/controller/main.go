package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metorial/capture-core/internal/commander"
	"github.com/metorial/capture-core/internal/config"
	"github.com/metorial/capture-core/internal/discovery"
	"github.com/metorial/capture-core/internal/eventstore"
	"github.com/metorial/capture-core/internal/policy"
	"github.com/metorial/capture-core/internal/syncer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := eventstore.New(cfg.EventDir, eventstore.WithMinFreeBytes(cfg.MinFreeBytes))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	db, err := commander.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	registry := commander.NewRegistry(db)

	var sd *discovery.ServiceDiscovery
	if cfg.ConsulAddr != "" {
		sd, err = discovery.NewServiceDiscovery(cfg.ConsulAddr)
		if err != nil {
			return fmt.Errorf("initialize consul: %w", err)
		}
	}

	sink, err := newSink(cfg, db, sd)
	if err != nil {
		return err
	}
	if closer, ok := sink.(io.Closer); ok {
		defer closer.Close()
	}

	service := syncer.NewService(store, db, sink, syncer.Config{
		Interval:  cfg.SyncInterval,
		RetryBase: cfg.RetryBase,
		RetryMax:  cfg.RetryMax,
		Scanners:  policy.NewScanners(cfg.Scanners),
		Ingester:  registry,
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	mux := http.NewServeMux()
	api := commander.NewAPI(db, registry, store, service)
	api.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go startMaintenanceTasks(ctx, store, cfg)

	if sd != nil {
		nodeIP := getEnv("NOMAD_IP_grpc", "")
		if nodeIP == "" {
			nodeIP = getLocalIP()
		}
		if err := sd.RegisterController(nodeIP, mustAtoi(cfg.Port), mustAtoi(cfg.HTTPPort)); err != nil {
			log.Printf("Warning: failed to register with Consul: %v", err)
		}
		defer sd.DeregisterController()
	}

	errChan := make(chan error, 4)
	go func() {
		log.Printf("gRPC health server listening on :%s", cfg.Port)
		errChan <- grpcServer.Serve(lis)
	}()

	go func() {
		log.Printf("HTTP API server listening on :%s", cfg.HTTPPort)
		errChan <- httpServer.ListenAndServe()
	}()

	go func() {
		log.Printf("Syncing %s every %s to %s sink", cfg.EventDir, cfg.SyncInterval, cfg.Sink.Kind)
		if err := service.Run(ctx); err != nil {
			errChan <- fmt.Errorf("sync service: %w", err)
		}
	}()

	go func() {
		if err := service.Watch(ctx, store.Root()); err != nil {
			log.Printf("Warning: not watching %s, relying on interval: %v", store.Root(), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		grpcServer.Stop()
		httpServer.Close()
		return err
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
		healthServer.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Error shutting down HTTP server: %v", err)
		}
		return nil
	}
}

// newSink picks where imported events go. The local sink writes into this
// controller's own history table.
func newSink(cfg *config.Config, db *commander.DB, sd *discovery.ServiceDiscovery) (syncer.Sink, error) {
	switch cfg.Sink.Kind {
	case config.SinkHTTP:
		if cfg.Sink.URL != "" {
			return syncer.NewHTTPSink(cfg.Sink.URL), nil
		}
		if sd == nil {
			return nil, errors.New("http sink needs a URL or consul")
		}
		return syncer.NewResolvingHTTPSink(func() (string, error) {
			return sd.DiscoverURL(discovery.ControllerHTTPService)
		}), nil
	case config.SinkKafka:
		return syncer.NewKafkaSink(cfg.Sink.KafkaBrokers, cfg.Sink.KafkaTopic), nil
	default:
		return commander.NewHistorySink(db), nil
	}
}

func startMaintenanceTasks(ctx context.Context, store *eventstore.Store, cfg *config.Config) {
	purgeTicker := time.NewTicker(cfg.PurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purgeTicker.C:
			result, err := store.Purge(cfg.Retention.MaxBytes, cfg.Retention.MaxAge)
			if err != nil {
				log.Printf("Error purging event store: %v", err)
				continue
			}
			if result.Removed > 0 {
				log.Printf("Purged %d events (%d bytes)", result.Removed, result.FreedBytes)
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func mustAtoi(s string) int {
	var i int
	fmt.Sscanf(s, "%d", &i)
	return i
}

func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
