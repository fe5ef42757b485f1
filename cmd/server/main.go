package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridebus/internal/config"
	"github.com/example/ridebus/internal/dispatch"
	"github.com/example/ridebus/internal/eta"
	"github.com/example/ridebus/internal/features"
	"github.com/example/ridebus/internal/geo"
	"github.com/example/ridebus/internal/geocode"
	httpapi "github.com/example/ridebus/internal/http"
	"github.com/example/ridebus/internal/ingest"
	"github.com/example/ridebus/internal/logging"
	"github.com/example/ridebus/internal/rideclient"
	"github.com/example/ridebus/internal/session"
	"github.com/example/ridebus/internal/storage"
)

const sweepInterval = time.Minute

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		busGeo       geo.Geo       = geo.NewIndex()
		geocodeStore geocode.Store = geocode.NewMemoryCache()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable yet", "addr", cfg.RedisAddr, "error", err)
		}
		busGeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey, 0)
		geocodeStore = geocode.NewRedisCache(rc)
	}

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
	}

	registry := dispatch.NewRegistry()
	channel := &dispatch.Channel{Registry: registry, Geo: busGeo, Logger: logger}
	deps := httpapi.Deps{Store: store, Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.RideTopic, cfg.BusLocationsTopic)
		defer kp.Close()
		channel.Publisher = kp
		deps.Publisher = kp
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		osrm := eta.NewOSRMClient(cfg.OSRMURL)
		estimator.Client = osrm
		estimator.Trips = osrm
	}

	feats := features.Empty()
	if cfg.FeaturesPath != "" {
		loaded, err := features.Load(cfg.FeaturesPath)
		if err != nil {
			return err
		}
		feats = loaded
		logger.Info("features loaded", "path", cfg.FeaturesPath, "count", feats.Len())
	}

	nominatim := geocode.NewNominatimClient(cfg.NominatimURL, cfg.GeocodeUserAgent, cfg.GeocodeTimeout)
	resolver := geocode.NewResolver(&geocode.Cached{Next: nominatim, Store: geocodeStore, TTL: cfg.GeocodeCacheTTL}, logger)

	rideURL := cfg.RideServiceURL
	if rideURL == "" {
		rideURL = selfURL(cfg.HTTPAddr) + "/passenger/request_ride"
	}
	sessions := session.NewManager(session.Options{
		Resolver:         resolver,
		Requester:        rideclient.New(rideURL, &http.Client{}, logger),
		Logger:           logger,
		CountdownSeconds: cfg.CountdownSeconds,
		RequestTimeout:   cfg.RideRequestTimeout,
	})

	deps.Sessions = sessions
	deps.Channel = channel
	deps.Dispatcher = &dispatch.Dispatcher{Registry: registry, ETA: estimator, TopN: cfg.MatcherTopN, Logger: logger}
	deps.Features = feats
	deps.Geo = busGeo
	deps.AllowedOrigins = cfg.AllowedOrigins

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go sessions.Run(ctx, sweepInterval, cfg.SessionIdleTimeout)
	go registry.RunPing(ctx, cfg.BusPingInterval, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info("ridebus listening", "addr", cfg.HTTPAddr, "ride_service", rideURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	sessions.CloseAll()
	return nil
}

// selfURL is the base URL of this process's own listener.
func selfURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
