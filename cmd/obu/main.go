// Command obu runs a single on-board unit against its MQTT broker: it walks
// the unit's configured path, publishing a CAM per waypoint, and yields at
// the roundabout when a peer has right of way.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/obu-negotiator/internal/beacon"
	"github.com/signalsfoundry/obu-negotiator/internal/config"
	"github.com/signalsfoundry/obu-negotiator/internal/logging"
	"github.com/signalsfoundry/obu-negotiator/internal/observability"
	"github.com/signalsfoundry/obu-negotiator/internal/transport"
	"github.com/signalsfoundry/obu-negotiator/internal/unit"
	"github.com/signalsfoundry/obu-negotiator/timectrl"
)

// Config holds the command-line settings.
type Config struct {
	ConfigPath     string
	OBUID          string
	Broker         string // overrides the unit's configured broker host
	MetricsAddress string
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ConfigPath, "config", "configs/units.json", "path to the OBU configuration file")
	flag.StringVar(&cfg.OBUID, "obu-id", "", "OBU id to run (a key of the units table)")
	flag.StringVar(&cfg.Broker, "broker", "", "MQTT broker host, overriding the configured one")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.Parse()

	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "obu exited with error", logging.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log logging.Logger) error {
	if cfg.OBUID == "" {
		return errors.New("-obu-id is required")
	}

	c, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	row, err := c.Unit(cfg.OBUID)
	if err != nil {
		return err
	}
	uc, err := unit.Load(c, cfg.OBUID)
	if err != nil {
		return err
	}
	tmpl, err := beacon.LoadTemplate(c.Template)
	if err != nil {
		return err
	}

	broker := row.Broker
	if cfg.Broker != "" {
		broker = cfg.Broker
	}
	log.Info(ctx, "starting obu",
		logging.String("obu_id", cfg.OBUID),
		logging.String("path", row.Path),
		logging.String("zone", row.Zone),
		logging.String("broker", broker),
		logging.Int("waypoints", len(uc.Waypoints)),
	)

	tracingCfg := observability.TracingConfigFromEnv().ForUnits(timectrl.RealTime.String(), cfg.OBUID)
	tracingCfg.Zone = row.Zone
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewUnitCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	bus, err := transport.DialMQTT(ctx, transport.MQTTConfig{
		Host:           broker,
		Port:           c.MQTT.Port,
		ClientID:       transport.NewClientID(cfg.OBUID),
		ConnectTimeout: c.MQTT.ConnectTimeout(),
	}, transport.WithLogger(log))
	if err != nil {
		return err
	}
	defer bus.Close()

	u, err := unit.New(uc, unit.Deps{
		Transport: bus,
		Template:  tmpl,
		Clock:     timectrl.Wall{},
		Logger:    log,
		Metrics:   collector,
	})
	if err != nil {
		return err
	}

	sum, err := u.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info(ctx, "shutting down obu", logging.Int("published", sum.Published))
		return nil
	}
	if err != nil {
		return err
	}
	log.Info(ctx, "obu finished",
		logging.Int("published", sum.Published),
		logging.Int("yields", sum.Yields),
		logging.Int("escapes", sum.Escapes),
	)
	return nil
}

func serveMetrics(addr string, collector *observability.UnitCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
