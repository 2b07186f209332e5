// Command simulator runs every configured OBU in one process over an
// in-memory V2X bus, so negotiation at the roundabout can be exercised
// without brokers or radios.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/obu-negotiator/internal/beacon"
	"github.com/signalsfoundry/obu-negotiator/internal/config"
	"github.com/signalsfoundry/obu-negotiator/internal/driver"
	"github.com/signalsfoundry/obu-negotiator/internal/logging"
	"github.com/signalsfoundry/obu-negotiator/internal/observability"
	"github.com/signalsfoundry/obu-negotiator/internal/transport"
	"github.com/signalsfoundry/obu-negotiator/internal/unit"
	"github.com/signalsfoundry/obu-negotiator/timectrl"
)

// Config holds the command-line settings.
type Config struct {
	ConfigPath     string
	Units          []string // subset of OBU ids; empty runs all
	Accelerated    bool
	MetricsAddress string
}

func main() {
	cfg := Config{}
	var only string
	flag.StringVar(&cfg.ConfigPath, "config", "configs/units.json", "path to the OBU configuration file")
	flag.StringVar(&only, "units", "", "comma-separated OBU ids to run (default: all)")
	flag.BoolVar(&cfg.Accelerated, "accelerated", false, "advance simulated time without waiting on the wall clock")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "HTTP address for Prometheus /metrics (empty disables)")
	flag.Parse()
	cfg.Units = splitIDs(only)

	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summaries, err := run(ctx, cfg, log)
	for id, sum := range summaries {
		fmt.Printf("OBU %s: published=%d yields=%d escapes=%d\n", id, sum.Published, sum.Yields, sum.Escapes)
	}
	if err != nil {
		log.Error(ctx, "simulation failed", logging.String("error", err.Error()))
		os.Exit(1)
	}
	fmt.Println("Simulation complete.")
}

// run builds every selected unit on a shared bus and clock, then drives
// them concurrently until all paths are done or one unit fails.
func run(ctx context.Context, cfg Config, log logging.Logger) (map[string]driver.Summary, error) {
	c, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	tmpl, err := beacon.LoadTemplate(c.Template)
	if err != nil {
		log.Warn(ctx, "using empty beacon template", logging.String("error", err.Error()))
		tmpl = beacon.EmptyTemplate()
	}

	ids := cfg.Units
	if len(ids) == 0 {
		ids = c.UnitIDs()
	}

	var clock timectrl.Clock = timectrl.Wall{}
	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
		clock = timectrl.NewTimeController(time.Now().UTC(), mode)
	}

	tracingCfg := observability.TracingConfigFromEnv().ForUnits(mode.String(), ids...)
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewUnitCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if cfg.MetricsAddress != "" {
		srv := &http.Server{Addr: cfg.MetricsAddress, Handler: collector.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn(ctx, "metrics server exited", logging.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	bus := transport.NewMemoryBus()
	bus.Bridge(c.MQTT.OutboundTopic, c.MQTT.InboundTopic)
	defer bus.Close()

	// Every unit subscribes before any publishes.
	units := make([]*unit.Unit, 0, len(ids))
	for _, id := range ids {
		uc, err := unit.Load(c, id)
		if err != nil {
			return nil, err
		}
		u, err := unit.New(uc, unit.Deps{
			Transport: bus,
			Template:  tmpl,
			Clock:     clock,
			Logger:    log,
			Metrics:   collector,
		})
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	log.Info(ctx, "starting simulation",
		logging.Int("units", len(units)),
		logging.String("mode", mode.String()),
	)

	var mu sync.Mutex
	summaries := make(map[string]driver.Summary, len(units))
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		g.Go(func() error {
			sum, err := u.Run(gctx)
			mu.Lock()
			summaries[u.ID()] = sum
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return summaries, err
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
