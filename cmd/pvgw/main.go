package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pvgateway/pkg/drivers/mqttpv"
	"pvgateway/pkg/drivers/opcuapv"
	"pvgateway/pkg/drivers/sim"
	"pvgateway/pkg/gateway"
	"pvgateway/pkg/metrics"
	"pvgateway/pkg/pva"
	"pvgateway/pkg/workpool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/natefinch/lumberjack.v2"
)

func setupLogging(c *cli.Context) {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	if path := c.String("log-file"); path != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
}

// buildRegistry registers a dialer for every configured backend. The returned
// function releases the backend connections.
func buildRegistry(ctx context.Context, cfg *gateway.Config) (*pva.Registry, func(), error) {
	registry := pva.NewRegistry()
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	simServer := sim.NewServer(log.StandardLogger())
	closers = append(closers, simServer.Close)
	if err := simServer.AddConfig(cfg.Simulator.PVs); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to configure simulator: %v", err)
	}
	registry.Register(sim.Scheme, simServer)

	if cfg.MQTT != nil {
		d, err := mqttpv.NewDialer(*cfg.MQTT, log.StandardLogger())
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, d.Close)
		registry.Register(mqttpv.Scheme, d)
	}

	if cfg.OPCUA != nil {
		d, err := opcuapv.NewDialer(ctx, *cfg.OPCUA, log.StandardLogger())
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := d.Close(context.Background()); err != nil {
				log.Warnf("Failed to close OPC UA session: %v", err)
			}
		})
		registry.Register(opcuapv.Scheme, d)
	}

	log.Infof("Address schemes: %v", registry.Schemes())
	return registry, closeAll, nil
}

func run(c *cli.Context) error {
	setupLogging(c)
	log.Info("PV Gateway")

	cfg, err := gateway.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if c.IsSet("port") {
		cfg.HTTP.Port = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.Database.Path = c.String("db")
	}
	if c.Bool("discovery") {
		cfg.Discovery.Enabled = true
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bolt.Open(cfg.Database.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := gateway.NewStore(db, cfg.Channels)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	registry, closeBackends, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackends()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewPromObserver(promRegistry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %v", err)
	}

	pool := workpool.New(cfg.Workers)
	gw := gateway.New(registry, store,
		gateway.WithLogger(log.StandardLogger()),
		gateway.WithPool(pool),
		gateway.WithObserver(observer),
		gateway.WithMonitorBuffer(cfg.Monitor.Buffer),
	)
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warnf("Closing channels: %v", err)
		}
		pool.Wait()
	}()

	if err := gw.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore channels: %v", err)
	}

	server := gateway.NewServer(cfg.Server, gw, log.StandardLogger())
	mux := server.AddRoutes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	if cfg.Discovery.Enabled {
		dr := gateway.NewDiscoveryResponder(cfg.Discovery.Addr, cfg.Discovery.Port, cfg.HTTP.Port,
			log.WithField("component", "discovery"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dr.Run(ctx); err != nil {
				log.Errorf("Discovery responder failed: %v", err)
			}
			log.Debug("Discovery responder stopped")
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "pvgw",
		Usage: "Process variable gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"PVGW_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the channel database",
				Value:   "pvgw.db",
				EnvVars: []string{"PVGW_DB"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"PVGW_PORT"},
			},
			&cli.BoolFlag{
				Name:    "discovery",
				Usage:   "Answer UDP discovery probes",
				EnvVars: []string{"PVGW_DISCOVERY"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Write logs to a rotated file instead of stderr",
				EnvVars: []string{"PVGW_LOG_FILE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
